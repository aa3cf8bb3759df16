package membership

import (
	"context"
	"fmt"

	"groupman/internal/group"
	"groupman/internal/phone"
	"groupman/internal/provider"
	"groupman/internal/storage"
	logx "groupman/pkg/logx"
)

// DefaultBatchSize is how many candidates are processed between the longer
// inter-batch delays.
const DefaultBatchSize = 5

// Gateway is the slice of the provider client the processor uses.
type Gateway interface {
	AddParticipants(ctx context.Context, groupJID string, phones []string) (*provider.CallResult, error)
	RemoveParticipants(ctx context.Context, groupJID string, phones []string) (*provider.CallResult, error)
}

// GroupSource hands out the group the next member should land in.
type GroupSource interface {
	GetOrCreateActiveGroup(ctx context.Context, p group.Period) (*storage.Group, error)
	Ceiling() int
}

type Config struct {
	BatchSize int // default DefaultBatchSize
}

// Processor drives add/remove calls against the gateway, strictly
// sequentially, pacing itself between candidates and batches. A single
// candidate's failure is never fatal to the run; every attempted gateway
// mutation lands in the ledger.
type Processor struct {
	cfg    Config
	store  storage.Store
	gw     Gateway
	groups GroupSource
	pacer  *Pacer
	log    logx.Logger
}

func NewProcessor(cfg Config, store storage.Store, gw Gateway, groups GroupSource, pacer *Pacer, log logx.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if pacer == nil {
		pacer = NewPacer(PacerConfig{})
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{cfg: cfg, store: store, gw: gw, groups: groups, pacer: pacer, log: log}
}

// Summary aggregates one run's outcomes.
type Summary struct {
	Added   int
	Removed int
	Skipped int
	Failed  int
	// Placements maps each successfully added user to the group that
	// received them, for callers persisting a membership pointer.
	Placements map[string]string
}

// AddAll places every candidate into an active group for the period.
//
// Per candidate: normalize the phone, skip if the ledger already records a
// successful add this period, otherwise call the gateway and ledger the
// outcome. When the target group hits the capacity ceiling mid-run the
// processor switches to the next group without restarting.
//
// The returned error is non-nil only for run-fatal conditions (cancellation,
// store failure, no target group obtainable); gateway failures are counted
// in Summary.Failed and processing continues.
func (pr *Processor) AddAll(ctx context.Context, p group.Period, candidates []storage.Candidate) (*Summary, error) {
	sum := &Summary{Placements: map[string]string{}}

	var cur *storage.Group
	calls := 0
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		num, err := phone.Normalize(cand.PhoneNumber)
		if err != nil {
			// No gateway mutation was attempted, so nothing is ledgered.
			sum.Failed++
			pr.log.Warn("candidate phone rejected", logx.String("user", cand.UserID), logx.Err(err))
			continue
		}

		added, err := pr.store.WasAdded(ctx, cand.UserID, p.String())
		if err != nil {
			return sum, err
		}
		if added {
			sum.Skipped++
			continue
		}

		if cur == nil || cur.MemberCount >= pr.groups.Ceiling() {
			g, err := pr.groups.GetOrCreateActiveGroup(ctx, p)
			if err != nil {
				// No target group means nothing further can be attempted.
				return sum, fmt.Errorf("no target group: %w", err)
			}
			cur = g
		}

		if err := pr.pace(ctx, calls); err != nil {
			return sum, err
		}
		calls++

		res, err := pr.gw.AddParticipants(ctx, cur.GroupJID, []string{num})
		entry := storage.OpEntry{
			Type:        storage.OpAddMember,
			GroupID:     cur.ID,
			GroupJID:    cur.GroupJID,
			UserID:      cand.UserID,
			PhoneNumber: num,
		}
		if res != nil {
			entry.Response = res.Raw
		}
		switch {
		case err != nil:
			entry.Error = err.Error()
		case !res.Success:
			entry.Error = "gateway reported failure"
		case len(res.FailedParticipants()) > 0:
			f := res.FailedParticipants()[0]
			entry.Error = fmt.Sprintf("participant status %d: %s", f.Status, f.Message)
		default:
			entry.Success = true
		}
		if aerr := pr.store.AppendOp(ctx, entry); aerr != nil {
			pr.log.Error("ledger append failed", logx.Err(aerr))
		}

		if !entry.Success {
			sum.Failed++
			pr.log.Warn("add failed",
				logx.String("user", cand.UserID),
				logx.String("group", cur.GroupJID),
				logx.String("reason", entry.Error),
			)
			continue
		}

		ok, ierr := pr.store.IncrementMemberCount(ctx, cur.ID, pr.groups.Ceiling())
		if ierr != nil {
			return sum, ierr
		}
		cur.MemberCount++
		if !ok {
			// Another invocation filled the last slot between our capacity
			// check and the gateway call. The member is in the group either
			// way; force a rollover for the next candidate.
			cur.MemberCount = pr.groups.Ceiling()
		}

		sum.Added++
		sum.Placements[cand.UserID] = cur.GroupJID
		pr.log.Debug("member added",
			logx.String("user", cand.UserID),
			logx.String("group", cur.GroupJID),
			logx.Int("member_count", cur.MemberCount),
		)
	}

	return sum, nil
}

// RemoveAll takes every candidate out of the given group with the same
// batching, pacing and ledger discipline as AddAll, decrementing the group's
// member count on each confirmed success.
func (pr *Processor) RemoveAll(ctx context.Context, g *storage.Group, candidates []storage.Candidate) (*Summary, error) {
	sum := &Summary{Placements: map[string]string{}}

	calls := 0
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		num, err := phone.Normalize(cand.PhoneNumber)
		if err != nil {
			sum.Failed++
			pr.log.Warn("candidate phone rejected", logx.String("user", cand.UserID), logx.Err(err))
			continue
		}

		if err := pr.pace(ctx, calls); err != nil {
			return sum, err
		}
		calls++

		res, err := pr.gw.RemoveParticipants(ctx, g.GroupJID, []string{num})
		entry := storage.OpEntry{
			Type:        storage.OpRemoveMember,
			GroupID:     g.ID,
			GroupJID:    g.GroupJID,
			UserID:      cand.UserID,
			PhoneNumber: num,
		}
		if res != nil {
			entry.Response = res.Raw
		}
		switch {
		case err != nil:
			entry.Error = err.Error()
		case !res.Success:
			entry.Error = "gateway reported failure"
		case len(res.FailedParticipants()) > 0:
			f := res.FailedParticipants()[0]
			entry.Error = fmt.Sprintf("participant status %d: %s", f.Status, f.Message)
		default:
			entry.Success = true
		}
		if aerr := pr.store.AppendOp(ctx, entry); aerr != nil {
			pr.log.Error("ledger append failed", logx.Err(aerr))
		}

		if !entry.Success {
			sum.Failed++
			continue
		}

		if err := pr.store.DecrementMemberCount(ctx, g.ID); err != nil {
			return sum, err
		}
		if g.MemberCount > 0 {
			g.MemberCount--
		}
		sum.Removed++
	}

	return sum, nil
}

// pace sleeps before the call'th gateway call: nothing before the first,
// the long inter-batch delay on batch boundaries, the short one otherwise.
func (pr *Processor) pace(ctx context.Context, calls int) error {
	if calls == 0 {
		return nil
	}
	if calls%pr.cfg.BatchSize == 0 {
		return pr.pacer.BatchDelay(ctx)
	}
	return pr.pacer.MemberDelay(ctx)
}

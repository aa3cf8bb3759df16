package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"groupman/internal/group"
	"groupman/internal/storage"
	logx "groupman/pkg/logx"
)

// ErrLeaseHeld means another invocation currently holds the refresh lease
// for the period. The run is skipped, not failed; the holder will finish or
// the lease will expire.
var ErrLeaseHeld = errors.New("refresh lease held by another invocation")

// RefreshSummary aggregates one refresh run.
type RefreshSummary struct {
	Period  string `json:"period"`
	Rotated int64  `json:"rotated"`
	Groups  int    `json:"groups"`
	Added   int    `json:"added"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// Refresh runs the monthly membership pass: rotate out the previous period's
// groups when the current period has none, then place every eligible
// candidate not yet added this period.
//
// Safe to re-invoke: candidates with a successful ledger entry this period
// are skipped, so a partially completed run is resumed by simply triggering
// it again.
func (r *Runner) Refresh(ctx context.Context) (*RefreshSummary, error) {
	start := r.now()
	cur := group.PeriodOf(start)
	prev := cur.Previous()

	leaseKey := "refresh:" + cur.String()
	ok, err := r.store.AcquireLease(ctx, leaseKey, r.owner, r.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		r.log.Warn("refresh skipped", logx.String("period", cur.String()), logx.Err(ErrLeaseHeld))
		return nil, ErrLeaseHeld
	}
	// Release on a fresh context so an aborted run still frees the lease.
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.ReleaseLease(rctx, leaseKey, r.owner); err != nil {
			r.log.Warn("lease release failed", logx.Err(err))
		}
	}()

	r.log.Info("refresh started", logx.String("period", cur.String()))

	sum := &RefreshSummary{Period: cur.String()}

	// Rotate only on the first run of a new period; repeated runs within the
	// period leave the existing groups alone.
	active, err := r.store.ActiveGroups(ctx, cur.String())
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		n, err := r.groups.AdvanceRotation(ctx, cur, prev)
		if err != nil {
			return nil, err
		}
		sum.Rotated = n
	}

	cands, err := r.store.EligibleCandidates(ctx)
	if err != nil {
		return nil, err
	}

	batch, runErr := r.proc.AddAll(ctx, cur, cands)
	sum.Added = batch.Added
	sum.Skipped = batch.Skipped
	sum.Failed = batch.Failed

	touched := map[string]struct{}{}
	for _, jid := range batch.Placements {
		touched[jid] = struct{}{}
	}
	sum.Groups = len(touched)

	// One summary ledger entry per run, even when the run was cut short.
	entry := storage.OpEntry{Type: storage.OpRefresh, Success: runErr == nil}
	if b, err := json.Marshal(sum); err == nil {
		entry.Response = string(b)
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.store.AppendOp(lctx, entry); err != nil {
		r.log.Error("ledger append failed", logx.Err(err))
	}
	cancel()

	fields := []logx.Field{
		logx.String("period", cur.String()),
		logx.Int("candidates", len(cands)),
		logx.Int("added", sum.Added),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
		logx.Int("groups", sum.Groups),
		logx.Duration("took", time.Since(start)),
	}
	if runErr != nil {
		r.log.Warn("refresh aborted", append(fields, logx.Err(runErr))...)
		return sum, runErr
	}
	if sum.Failed > 0 {
		r.log.Warn("refresh finished with failures", fields...)
	} else {
		r.log.Info("refresh finished", fields...)
	}
	return sum, nil
}

package job

import (
	"context"
	"fmt"
	"strings"

	"groupman/internal/group"
	"groupman/internal/membership"
	"groupman/internal/storage"
)

// Action names accepted by Runner.Do.
const (
	ActionCreateGroup       = "create_group"
	ActionAddMember         = "add_member"
	ActionRemoveMember      = "remove_member"
	ActionGetOrCreateActive = "get_or_create_active_group"
	ActionGetActiveGroups   = "get_active_groups"
	ActionHistory           = "history"
)

// Action is one administrative request.
type Action struct {
	Name        string
	UserID      string
	PhoneNumber string
	GroupJID    string
	GroupName   string
}

// Result is the structured outcome of a single action. OK reports the overall
// success of the call; per-item outcomes live in Summary.
type Result struct {
	OK      bool                `json:"ok"`
	Message string              `json:"message,omitempty"`
	Group   *storage.Group      `json:"group,omitempty"`
	Groups  []storage.Group     `json:"groups,omitempty"`
	Summary *membership.Summary `json:"summary,omitempty"`
	Ops     []storage.OpEntry   `json:"ops,omitempty"`
}

// Do performs exactly one unit of work. Validation failures and unit-of-work
// failures surface as errors; there are no retries at this layer, the caller
// decides whether to retry.
func (r *Runner) Do(ctx context.Context, a Action) (*Result, error) {
	period := group.PeriodOf(r.now())

	switch strings.TrimSpace(a.Name) {
	case ActionCreateGroup:
		num, err := r.store.NextGroupNumber(ctx, period.String())
		if err != nil {
			return nil, err
		}
		g, err := r.groups.CreateGroup(ctx, period, num, a.GroupName)
		if err != nil {
			return nil, err
		}
		return &Result{OK: true, Message: "group created", Group: g}, nil

	case ActionAddMember:
		if a.UserID == "" || a.PhoneNumber == "" {
			return nil, fmt.Errorf("%s: user_id and phone_number are required", a.Name)
		}
		cand := storage.Candidate{UserID: a.UserID, PhoneNumber: a.PhoneNumber, Verified: true, OptIn: true}
		sum, err := r.proc.AddAll(ctx, period, []storage.Candidate{cand})
		if err != nil {
			return nil, err
		}
		res := &Result{OK: sum.Failed == 0, Summary: sum}
		switch {
		case sum.Skipped > 0:
			res.Message = "already a member this period"
		case sum.Added > 0:
			res.Message = "member added"
		default:
			res.Message = "add failed"
		}
		return res, nil

	case ActionRemoveMember:
		if a.UserID == "" || a.PhoneNumber == "" || a.GroupJID == "" {
			return nil, fmt.Errorf("%s: user_id, phone_number and group_jid are required", a.Name)
		}
		g, err := r.store.GroupByJID(ctx, a.GroupJID)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", a.GroupJID, err)
		}
		cand := storage.Candidate{UserID: a.UserID, PhoneNumber: a.PhoneNumber}
		sum, err := r.proc.RemoveAll(ctx, g, []storage.Candidate{cand})
		if err != nil {
			return nil, err
		}
		res := &Result{OK: sum.Failed == 0, Summary: sum}
		if sum.Removed > 0 {
			res.Message = "member removed"
		} else {
			res.Message = "remove failed"
		}
		return res, nil

	case ActionGetOrCreateActive:
		g, err := r.groups.GetOrCreateActiveGroup(ctx, period)
		if err != nil {
			return nil, err
		}
		return &Result{OK: true, Group: g}, nil

	case ActionGetActiveGroups:
		gs, err := r.store.ActiveGroups(ctx, period.String())
		if err != nil {
			return nil, err
		}
		return &Result{OK: true, Groups: gs}, nil

	case ActionHistory:
		ops, err := r.store.RecentOps(ctx, 50)
		if err != nil {
			return nil, err
		}
		return &Result{OK: true, Ops: ops}, nil

	default:
		return nil, fmt.Errorf("unknown action %q", a.Name)
	}
}

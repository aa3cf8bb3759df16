package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"groupman/internal/group"
	"groupman/internal/membership"
	"groupman/internal/provider"
	"groupman/internal/storage"
	logx "groupman/pkg/logx"
)

// fakeGateway satisfies both group.ProviderAPI and membership.Gateway.
type fakeGateway struct {
	owner   string
	nextJID int
	creates int
	adds    [][2]string
	removes [][2]string
}

func (f *fakeGateway) OwnerNumber() string { return f.owner }

func (f *fakeGateway) CreateGroup(ctx context.Context, name string, participants []string) (*provider.CallResult, error) {
	f.creates++
	f.nextJID++
	return &provider.CallResult{Success: true, GroupJID: fmt.Sprintf("%d@g.us", 9000+f.nextJID), Raw: `{"success":true}`}, nil
}

func (f *fakeGateway) AddParticipants(ctx context.Context, jid string, phones []string) (*provider.CallResult, error) {
	f.adds = append(f.adds, [2]string{jid, phones[0]})
	ps := []provider.ParticipantStatus{{ID: phones[0] + "@c.us", Status: 200}}
	return &provider.CallResult{Success: true, GroupJID: jid, Participants: ps, Raw: `{}`}, nil
}

func (f *fakeGateway) RemoveParticipants(ctx context.Context, jid string, phones []string) (*provider.CallResult, error) {
	f.removes = append(f.removes, [2]string{jid, phones[0]})
	ps := []provider.ParticipantStatus{{ID: phones[0] + "@c.us", Status: 200}}
	return &provider.CallResult{Success: true, GroupJID: jid, Participants: ps, Raw: `{}`}, nil
}

func instantPacer() *membership.Pacer {
	return membership.NewPacer(membership.PacerConfig{
		MemberDelayMin: time.Nanosecond,
		MemberDelayMax: time.Nanosecond,
		BatchDelayMin:  time.Nanosecond,
		BatchDelayMax:  time.Nanosecond,
	})
}

func newTestRunner(t *testing.T, gw *fakeGateway, ceiling int) (*Runner, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "job.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr := group.NewManager(group.Config{Ceiling: ceiling}, st, gw, logx.Nop())
	proc := membership.NewProcessor(membership.Config{}, st, gw, mgr, instantPacer(), logx.Nop())
	r := NewRunner(st, mgr, proc, time.Hour, logx.Nop())
	r.now = func() time.Time { return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC) }
	return r, st
}

func seedCandidates(t *testing.T, st storage.Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := st.UpsertCandidate(context.Background(), storage.Candidate{
			UserID:      fmt.Sprintf("u%d", i),
			PhoneNumber: fmt.Sprintf("62812000%04d", i),
			Verified:    true,
			OptIn:       true,
		})
		if err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
	}
}

func TestRefreshPlacesEligibleCandidates(t *testing.T) {
	gw := &fakeGateway{owner: "628120000000"}
	r, st := newTestRunner(t, gw, 1024)
	seedCandidates(t, st, 3)

	sum, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sum.Added != 3 || sum.Failed != 0 || sum.Groups != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.Period != "2026-08" {
		t.Fatalf("unexpected period %q", sum.Period)
	}

	// A summary refresh entry was ledgered.
	ops, _ := st.RecentOps(context.Background(), 1)
	if len(ops) != 1 || ops[0].Type != storage.OpRefresh || !ops[0].Success {
		t.Fatalf("expected refresh ledger entry, got %+v", ops)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	gw := &fakeGateway{owner: "628120000000"}
	r, st := newTestRunner(t, gw, 1024)
	seedCandidates(t, st, 4)
	ctx := context.Background()

	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	callsAfterFirst := len(gw.adds)

	sum, err := r.Refresh(ctx)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if sum.Added != 0 || sum.Skipped != 4 {
		t.Fatalf("second run must skip everyone: %+v", sum)
	}
	if len(gw.adds) != callsAfterFirst {
		t.Fatalf("gateway must not be re-invoked for added members")
	}
}

func TestRefreshRotatesPreviousPeriod(t *testing.T) {
	gw := &fakeGateway{owner: "628120000000"}
	r, st := newTestRunner(t, gw, 1024)
	ctx := context.Background()

	// Last month's group is still active; this month has none.
	old := &storage.Group{GroupJID: "old@g.us", GroupName: "g", GroupNumber: 1, MonthYear: "2026-07", IsActive: true}
	if err := st.InsertGroup(ctx, old); err != nil {
		t.Fatalf("seed old group: %v", err)
	}
	seedCandidates(t, st, 1)

	sum, err := r.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sum.Rotated != 1 {
		t.Fatalf("expected 1 rotated group, got %d", sum.Rotated)
	}
	left, _ := st.ActiveGroups(ctx, "2026-07")
	if len(left) != 0 {
		t.Fatalf("previous period still has active groups")
	}

	// A second refresh in the same period rotates nothing further.
	sum, err = r.Refresh(ctx)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if sum.Rotated != 0 {
		t.Fatalf("expected no rotation on second run, got %d", sum.Rotated)
	}
}

func TestRefreshLeaseBlocksOverlap(t *testing.T) {
	gw := &fakeGateway{owner: "628120000000"}
	r, st := newTestRunner(t, gw, 1024)
	seedCandidates(t, st, 2)
	ctx := context.Background()

	// Another invocation holds the period lease.
	ok, err := st.AcquireLease(ctx, "refresh:2026-08", "other-process", time.Hour)
	if err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	_, err = r.Refresh(ctx)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if len(gw.adds) != 0 || gw.creates != 0 {
		t.Fatal("blocked refresh must not touch the gateway")
	}

	// Once the holder's lease expires the run proceeds.
	ok, err = st.AcquireLease(ctx, "refresh:2026-08", "other-process", -time.Minute)
	if err != nil || !ok {
		t.Fatalf("expire lease: ok=%v err=%v", ok, err)
	}
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh after expiry: %v", err)
	}
}

func TestRefreshOverflowScenario(t *testing.T) {
	// Capacity of 5 with 7 candidates: first group gets 5, overflow #2 gets 2.
	gw := &fakeGateway{owner: "628120000000"}
	r, st := newTestRunner(t, gw, 5)
	seedCandidates(t, st, 7)

	sum, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sum.Added != 7 || sum.Failed != 0 || sum.Groups != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	gs, _ := st.ActiveGroups(context.Background(), "2026-08")
	if len(gs) != 2 || gs[0].MemberCount != 5 || gs[1].MemberCount != 2 {
		t.Fatalf("unexpected groups: %+v", gs)
	}
}

func TestSingleActions(t *testing.T) {
	gw := &fakeGateway{owner: "628120000000"}
	r, _ := newTestRunner(t, gw, 1024)
	ctx := context.Background()

	res, err := r.Do(ctx, Action{Name: ActionGetOrCreateActive})
	if err != nil || res.Group == nil {
		t.Fatalf("get_or_create_active_group: %+v (%v)", res, err)
	}
	jid := res.Group.GroupJID

	res, err = r.Do(ctx, Action{Name: ActionAddMember, UserID: "u1", PhoneNumber: "+62 812-0000-0001"})
	if err != nil || !res.OK || res.Summary.Added != 1 {
		t.Fatalf("add_member: %+v (%v)", res, err)
	}

	// A second add for the same user is a skip, not a gateway call.
	res, err = r.Do(ctx, Action{Name: ActionAddMember, UserID: "u1", PhoneNumber: "628120000001"})
	if err != nil || res.Summary.Skipped != 1 {
		t.Fatalf("duplicate add: %+v (%v)", res, err)
	}

	res, err = r.Do(ctx, Action{Name: ActionRemoveMember, UserID: "u1", PhoneNumber: "628120000001", GroupJID: jid})
	if err != nil || !res.OK || res.Summary.Removed != 1 {
		t.Fatalf("remove_member: %+v (%v)", res, err)
	}

	res, err = r.Do(ctx, Action{Name: ActionGetActiveGroups})
	if err != nil || len(res.Groups) != 1 {
		t.Fatalf("get_active_groups: %+v (%v)", res, err)
	}

	res, err = r.Do(ctx, Action{Name: ActionHistory})
	if err != nil || len(res.Ops) == 0 {
		t.Fatalf("history: %+v (%v)", res, err)
	}
}

func TestActionValidation(t *testing.T) {
	gw := &fakeGateway{owner: "628120000000"}
	r, _ := newTestRunner(t, gw, 1024)
	ctx := context.Background()

	if _, err := r.Do(ctx, Action{Name: ActionAddMember}); err == nil {
		t.Fatal("add_member without params must fail")
	}
	if _, err := r.Do(ctx, Action{Name: ActionRemoveMember, UserID: "u", PhoneNumber: "628120000001"}); err == nil {
		t.Fatal("remove_member without group_jid must fail")
	}
	if _, err := r.Do(ctx, Action{Name: "bogus"}); err == nil {
		t.Fatal("unknown action must fail")
	}
	if len(gw.adds)+len(gw.removes)+gw.creates != 0 {
		t.Fatal("validation failures must not touch the gateway")
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "groupman/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	g := &Group{GroupJID: "123@g.us", GroupName: "Signals 2026-08 #1", GroupNumber: 1, MonthYear: "2026-08", IsActive: true}
	if err := st.InsertGroup(ctx, g); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	if g.ID == 0 {
		t.Fatal("expected assigned id")
	}

	got, err := st.GroupByJID(ctx, "123@g.us")
	if err != nil {
		t.Fatalf("group by jid: %v", err)
	}
	if got.GroupNumber != 1 || !got.IsActive {
		t.Fatalf("unexpected group: %+v", got)
	}

	if _, err := st.GroupByJID(ctx, "nope@g.us"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := st.NextGroupNumber(ctx, "2026-08")
	if err != nil || n != 2 {
		t.Fatalf("expected next number 2, got %d (%v)", n, err)
	}
	n, err = st.NextGroupNumber(ctx, "2026-09")
	if err != nil || n != 1 {
		t.Fatalf("expected next number 1 for empty period, got %d (%v)", n, err)
	}
}

func TestIncrementStopsAtCeiling(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	g := &Group{GroupJID: "a@g.us", GroupName: "g", GroupNumber: 1, MonthYear: "2026-08", IsActive: true}
	if err := st.InsertGroup(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const ceiling = 3
	for i := 0; i < ceiling; i++ {
		ok, err := st.IncrementMemberCount(ctx, g.ID, ceiling)
		if err != nil || !ok {
			t.Fatalf("increment %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := st.IncrementMemberCount(ctx, g.ID, ceiling)
	if err != nil {
		t.Fatalf("increment at ceiling: %v", err)
	}
	if ok {
		t.Fatal("increment must fail at ceiling")
	}

	got, _ := st.GroupByJID(ctx, "a@g.us")
	if got.MemberCount != ceiling {
		t.Fatalf("expected member_count=%d, got %d", ceiling, got.MemberCount)
	}

	// Selection must skip the full group.
	if _, err := st.ActiveGroupWithCapacity(ctx, "2026-08", ceiling); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no group with capacity, got %v", err)
	}
}

func TestDecrementNeverBelowZero(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	g := &Group{GroupJID: "b@g.us", GroupName: "g", GroupNumber: 1, MonthYear: "2026-08", IsActive: true}
	if err := st.InsertGroup(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.DecrementMemberCount(ctx, g.ID); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	got, _ := st.GroupByJID(ctx, "b@g.us")
	if got.MemberCount != 0 {
		t.Fatalf("expected member_count=0, got %d", got.MemberCount)
	}
}

func TestActiveGroupOrdering(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for i, jid := range []string{"g2@g.us", "g1@g.us"} {
		num := 2 - i // inserts #2 then #1
		if err := st.InsertGroup(ctx, &Group{GroupJID: jid, GroupName: "g", GroupNumber: num, MonthYear: "2026-08", IsActive: true}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	g, err := st.ActiveGroupWithCapacity(ctx, "2026-08", 1024)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if g.GroupNumber != 1 {
		t.Fatalf("expected lowest-numbered group first, got #%d", g.GroupNumber)
	}

	all, err := st.ActiveGroups(ctx, "2026-08")
	if err != nil || len(all) != 2 {
		t.Fatalf("active groups: %v (%v)", all, err)
	}
	if all[0].GroupNumber != 1 || all[1].GroupNumber != 2 {
		t.Fatalf("expected ascending order, got %+v", all)
	}
}

func TestDeactivatePeriod(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for i := 1; i <= 2; i++ {
		if err := st.InsertGroup(ctx, &Group{GroupJID: fmt.Sprintf("p7-%d@g.us", i), GroupName: "g", GroupNumber: i, MonthYear: "2026-07", IsActive: true}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := st.DeactivatePeriod(ctx, "2026-07")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deactivated, got %d (%v)", n, err)
	}
	left, err := st.ActiveGroups(ctx, "2026-07")
	if err != nil {
		t.Fatalf("active groups: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected no active groups after rotation, got %d", len(left))
	}

	// One-way: a second call is a no-op.
	n, err = st.DeactivatePeriod(ctx, "2026-07")
	if err != nil || n != 0 {
		t.Fatalf("expected 0 on repeat, got %d (%v)", n, err)
	}
}

func TestLedgerWasAdded(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	g := &Group{GroupJID: "led@g.us", GroupName: "g", GroupNumber: 1, MonthYear: "2026-08", IsActive: true}
	if err := st.InsertGroup(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Failed attempt does not count.
	if err := st.AppendOp(ctx, OpEntry{Type: OpAddMember, GroupID: g.ID, GroupJID: g.GroupJID, UserID: "u1", Success: false, Error: "timeout"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	ok, err := st.WasAdded(ctx, "u1", "2026-08")
	if err != nil || ok {
		t.Fatalf("failed attempt must not count: ok=%v err=%v", ok, err)
	}

	if err := st.AppendOp(ctx, OpEntry{Type: OpAddMember, GroupID: g.ID, GroupJID: g.GroupJID, UserID: "u1", Success: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	ok, err = st.WasAdded(ctx, "u1", "2026-08")
	if err != nil || !ok {
		t.Fatalf("expected added: ok=%v err=%v", ok, err)
	}

	// Scoped to the group's rotation period.
	ok, err = st.WasAdded(ctx, "u1", "2026-09")
	if err != nil || ok {
		t.Fatalf("different period must not count: ok=%v err=%v", ok, err)
	}

	ops, err := st.RecentOps(ctx, 10)
	if err != nil || len(ops) != 2 {
		t.Fatalf("recent ops: %d (%v)", len(ops), err)
	}
	if ops[0].Success != true || ops[1].Error != "timeout" {
		t.Fatalf("unexpected order or content: %+v", ops)
	}
}

func TestEligibleCandidatesFilter(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	seed := []Candidate{
		{UserID: "u1", PhoneNumber: "628120000001", Verified: true, OptIn: true},
		{UserID: "u2", PhoneNumber: "628120000002", Verified: false, OptIn: true},
		{UserID: "u3", PhoneNumber: "628120000003", Verified: true, OptIn: false},
		{UserID: "u4", PhoneNumber: "", Verified: true, OptIn: true},
	}
	for _, c := range seed {
		if err := st.UpsertCandidate(ctx, c); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := st.EligibleCandidates(ctx)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("expected only u1, got %+v", got)
	}
}

func TestLeaseAcquireStealRelease(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	ok, err := st.AcquireLease(ctx, "refresh:2026-08", "owner-a", time.Hour)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// Live lease blocks a different owner.
	ok, err = st.AcquireLease(ctx, "refresh:2026-08", "owner-b", time.Hour)
	if err != nil || ok {
		t.Fatalf("second owner must be blocked: ok=%v err=%v", ok, err)
	}

	// Same owner can re-acquire (extend).
	ok, err = st.AcquireLease(ctx, "refresh:2026-08", "owner-a", time.Hour)
	if err != nil || !ok {
		t.Fatalf("re-acquire by holder: ok=%v err=%v", ok, err)
	}

	// Expired lease is stolen.
	ok, err = st.AcquireLease(ctx, "refresh:2026-09", "owner-a", -time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed expired lease: ok=%v err=%v", ok, err)
	}
	ok, err = st.AcquireLease(ctx, "refresh:2026-09", "owner-b", time.Hour)
	if err != nil || !ok {
		t.Fatalf("steal expired lease: ok=%v err=%v", ok, err)
	}

	if err := st.ReleaseLease(ctx, "refresh:2026-08", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = st.AcquireLease(ctx, "refresh:2026-08", "owner-b", time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

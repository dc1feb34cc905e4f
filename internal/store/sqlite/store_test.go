package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"orgrun/internal/domain"
	"orgrun/internal/patch"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orgrun.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPatchRoundTripAndReplay(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	l := patch.NewLog(s)
	bv, _ := json.Marshal(domain.BudgetModel{SoftCapUSD: 80, HardCapUSD: 100, Policy: domain.PolicyBalanced})
	if _, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/budget", Value: bv, Reason: "initial"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sv, _ := json.Marshal(12.5)
	if _, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpReplace, Path: "/budget/spent_usd", Value: sv, Reason: "spend"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	recs, err := s.ListPatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].Seq != 1 || recs[1].Seq != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[1].Reason != "spend" {
		t.Fatalf("reason = %q", recs[1].Reason)
	}

	g, err := patch.Replay(recs)
	if err != nil {
		t.Fatalf("replay from store: %v", err)
	}
	if b := g.Budget(); b.SpentUSD != 12.5 || b.HardCapUSD != 100 {
		t.Fatalf("budget = %+v", b)
	}
}

func TestReopenContinuesJournal(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "orgrun.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := patch.NewLog(s)
	bv, _ := json.Marshal(domain.BudgetModel{SoftCapUSD: 80, HardCapUSD: 100, Policy: domain.PolicyBalanced})
	if _, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/budget", Value: bv}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	recs, err := s2.ListPatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	l2, err := patch.Open(s2, recs)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	sv, _ := json.Marshal(5.0)
	rec, err := l2.Append(ctx, domain.PatchRecord{Op: domain.PatchOpReplace, Path: "/budget/spent_usd", Value: sv})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if rec.Seq != 2 {
		t.Fatalf("seq = %d, want 2", rec.Seq)
	}
}

func TestEventRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, kind := range []domain.EventKind{domain.EventDispatchStart, domain.EventTaskComplete, domain.EventRunComplete} {
		if err := s.AppendEvent(ctx, domain.Event{Kind: kind, Payload: []byte(`{"task_id":"t1"}`)}); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}

	evs, err := s.ListEvents(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2", len(evs))
	}
	if evs[0].Kind != domain.EventTaskComplete || evs[1].Kind != domain.EventRunComplete {
		t.Fatalf("events = %+v", evs)
	}
}

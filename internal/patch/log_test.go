package patch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"orgrun/internal/domain"
	"orgrun/internal/graph"
)

type memAppender struct {
	recs []domain.PatchRecord
}

func (m *memAppender) AppendPatch(_ context.Context, rec domain.PatchRecord) error {
	m.recs = append(m.recs, rec)
	return nil
}

func budgetPatch(t *testing.T) domain.PatchRecord {
	t.Helper()
	v, err := json.Marshal(domain.BudgetModel{SoftCapUSD: 80, HardCapUSD: 100, Policy: domain.PolicyBalanced})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/budget", Value: v, Reason: "initial budget"}
}

func agentPatch(t *testing.T, id, managerID string) domain.PatchRecord {
	t.Helper()
	v, err := graph.AgentNodeValue(domain.AgentSpec{ID: id, Role: "engineer", Level: domain.LevelContributor, ManagerID: managerID, Tier: domain.TierStandard})
	if err != nil {
		t.Fatalf("agent value: %v", err)
	}
	return domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/" + id, Value: v}
}

func TestAppendAssignsSequenceAndPersists(t *testing.T) {
	store := &memAppender{}
	l := NewLog(store)
	ctx := context.Background()

	rec, err := l.Append(ctx, budgetPatch(t))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Seq != 1 {
		t.Fatalf("seq = %d, want 1", rec.Seq)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
	if len(store.recs) != 1 || store.recs[0].Seq != 1 {
		t.Fatalf("store recs = %+v", store.recs)
	}
	if l.Graph().Budget().HardCapUSD != 100 {
		t.Fatalf("graph budget = %+v", l.Graph().Budget())
	}
}

func TestRejectedPatchLeavesNoRecord(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()
	// owner does not exist, so the graph rejects the patch
	v, _ := graph.TaskNodeValue(domain.TaskSpec{ID: "t1", AgentID: "nobody"})
	_, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/t1", Value: v})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("len = %d, want 0", l.Len())
	}
	if _, err := l.Append(ctx, budgetPatch(t)); err != nil {
		t.Fatalf("append after rejection: %v", err)
	}
	if recs := l.Records(); len(recs) != 1 || recs[0].Seq != 1 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestReplayReproducesGraph(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()
	if err := l.AppendAll(ctx, []domain.PatchRecord{
		budgetPatch(t),
		agentPatch(t, "root", ""),
		agentPatch(t, "eng", "root"),
	}); err != nil {
		t.Fatalf("append all: %v", err)
	}
	v, _ := graph.TaskNodeValue(domain.TaskSpec{ID: "t1", Description: "build", AgentID: "eng"})
	if _, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/t1", Value: v}); err != nil {
		t.Fatalf("append task: %v", err)
	}
	sv, _ := json.Marshal(domain.TaskStatusDone)
	if _, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpReplace, Path: "/nodes/t1/status", Value: sv}); err != nil {
		t.Fatalf("append status: %v", err)
	}

	replayed, err := Replay(l.Records())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	a, _ := json.Marshal(l.Graph().Snapshot())
	b, _ := json.Marshal(replayed.Snapshot())
	if string(a) != string(b) {
		t.Fatalf("replayed graph differs:\n%s\n%s", a, b)
	}
}

func TestOpenContinuesSequence(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()
	if err := l.AppendAll(ctx, []domain.PatchRecord{budgetPatch(t), agentPatch(t, "root", "")}); err != nil {
		t.Fatalf("append all: %v", err)
	}

	reopened, err := Open(nil, l.Records())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec, err := reopened.Append(ctx, agentPatch(t, "eng", "root"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Seq != 3 {
		t.Fatalf("seq = %d, want 3", rec.Seq)
	}
}

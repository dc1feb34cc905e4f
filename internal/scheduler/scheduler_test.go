package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"orgrun/internal/backend"
	"orgrun/internal/budget"
	"orgrun/internal/domain"
	"orgrun/internal/events"
	"orgrun/internal/graph"
	"orgrun/internal/patch"
)

type fixture struct {
	log  *patch.Log
	ctrl *budget.Controller
	bus  *events.Bus
	back *backend.Scripted
}

func newFixture(t *testing.T, soft, hard float64) *fixture {
	t.Helper()
	l := patch.NewLog(nil)
	ctx := context.Background()
	bv, _ := json.Marshal(domain.BudgetModel{SoftCapUSD: soft, HardCapUSD: hard, Policy: domain.PolicyBalanced})
	if _, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/budget", Value: bv}); err != nil {
		t.Fatalf("seed budget: %v", err)
	}
	av, _ := graph.AgentNodeValue(domain.AgentSpec{ID: "ceo", Role: "ceo", Level: domain.LevelTop, Tier: domain.TierEconomy})
	if _, err := l.Append(ctx, domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/ceo", Value: av}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return &fixture{
		log:  l,
		ctrl: budget.NewController(l, budget.Thresholds{}, nil),
		bus:  events.NewBus(),
		back: backend.NewScripted(),
	}
}

func (f *fixture) addTask(t *testing.T, spec domain.TaskSpec) {
	t.Helper()
	if spec.AgentID == "" {
		spec.AgentID = "ceo"
	}
	v, err := graph.TaskNodeValue(spec)
	if err != nil {
		t.Fatalf("task value: %v", err)
	}
	if _, err := f.log.Append(context.Background(), domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/" + spec.ID, Value: v}); err != nil {
		t.Fatalf("add task %s: %v", spec.ID, err)
	}
}

func (f *fixture) addDep(t *testing.T, from, to string) {
	t.Helper()
	e := domain.Edge{ID: "dep-" + from + "-" + to, Kind: domain.EdgeDependency, FromID: from, ToID: to}
	v, _ := json.Marshal(e)
	if _, err := f.log.Append(context.Background(), domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/edges/" + e.ID, Value: v}); err != nil {
		t.Fatalf("add dep: %v", err)
	}
}

func (f *fixture) scheduler(cfg Config) *Scheduler {
	return New(f.log, f.ctrl, f.bus, f.back, cfg, nil)
}

// Task A produces X, task B requires X: B runs only after A is DONE and
// sees A's output as its input.
func TestDependencyOrderAndOutputFlow(t *testing.T) {
	f := newFixture(t, 80, 100)
	f.addTask(t, domain.TaskSpec{
		ID: "a", Description: "produce x", EstCostUSD: 2,
		Contract: domain.Contract{Outputs: []domain.ContractIO{{Name: "X", Required: true}}},
	})
	f.addTask(t, domain.TaskSpec{
		ID: "b", Description: "consume x", EstCostUSD: 2,
		Contract: domain.Contract{
			Inputs:  []domain.ContractIO{{Name: "X", Required: true}},
			Outputs: []domain.ContractIO{{Name: "Y", Required: true}},
		},
	})
	f.addDep(t, "a", "b")

	sum, err := f.scheduler(Config{Concurrency: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sum.Success || sum.Done != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, ok := sum.Artifacts["Y"]; !ok {
		t.Fatalf("artifacts = %v", sum.Artifacts)
	}
	if sum.TotalCostUSD != 4 {
		t.Fatalf("total cost = %v", sum.TotalCostUSD)
	}

	// replay of the journal reproduces the final graph
	replayed, err := patch.Replay(f.log.Records())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	a, _ := json.Marshal(f.log.Graph().Snapshot())
	b, _ := json.Marshal(replayed.Snapshot())
	if string(a) != string(b) {
		t.Fatal("replayed graph differs from live graph")
	}
}

// If A exhausts its retries, B is skipped.
func TestFailureCascadesToSkip(t *testing.T) {
	f := newFixture(t, 80, 100)
	f.addTask(t, domain.TaskSpec{
		ID: "a", Description: "produce x", EstCostUSD: 2,
		Contract: domain.Contract{Outputs: []domain.ContractIO{{Name: "X", Required: true}}},
	})
	f.addTask(t, domain.TaskSpec{
		ID: "b", Description: "consume x", EstCostUSD: 2,
		Contract: domain.Contract{Inputs: []domain.ContractIO{{Name: "X", Required: true}}},
	})
	f.addDep(t, "a", "b")
	f.back.FailNext("a", 5)

	sum, err := f.scheduler(Config{Concurrency: 1, MaxRetries: 1}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Success {
		t.Fatal("run reported success with a failed required task")
	}
	g := f.log.Graph()
	if tk, _ := g.Task("a"); tk.Status != domain.TaskStatusFailed {
		t.Fatalf("a = %s", tk.Status)
	}
	if tk, _ := g.Task("b"); tk.Status != domain.TaskStatusSkipped {
		t.Fatalf("b = %s", tk.Status)
	}
}

func TestRetryConsumesOneAttemptThenSucceeds(t *testing.T) {
	f := newFixture(t, 80, 100)
	f.addTask(t, domain.TaskSpec{
		ID: "a", Description: "flaky", EstCostUSD: 2,
		Contract: domain.Contract{Outputs: []domain.ContractIO{{Name: "X", Required: true}}},
	})
	f.back.FailNext("a", 1)

	ch, cancel := f.bus.Subscribe(16)
	defer cancel()

	sum, err := f.scheduler(Config{Concurrency: 1, MaxRetries: 1}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sum.Success || sum.Done != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	retried := false
	for {
		select {
		case ev := <-ch:
			if ev.Kind == domain.EventTaskRetried {
				retried = true
			}
			if ev.Kind == domain.EventRunComplete {
				if !retried {
					t.Fatal("no task-retried event seen")
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatal("run-complete event not seen")
		}
	}
}

// Two $40 tasks against a $70 hard cap: exactly one is admitted, the other
// fails with budget-exceeded and consumes no retry.
func TestConcurrentAdmitCannotOverspend(t *testing.T) {
	f := newFixture(t, 50, 70)
	f.back.SetCost(domain.TierEconomy, 40)
	for _, id := range []string{"a", "b"} {
		f.addTask(t, domain.TaskSpec{
			ID: id, Description: id, EstCostUSD: 40,
			Contract: domain.Contract{Outputs: []domain.ContractIO{{Name: "out_" + id, Required: true}}},
		})
	}

	sum, err := f.scheduler(Config{Concurrency: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Done != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.TotalCostUSD > 70 {
		t.Fatalf("spent %v past hard cap", sum.TotalCostUSD)
	}
	g := f.log.Graph()
	failed := 0
	for _, id := range []string{"a", "b"} {
		tk, _ := g.Task(id)
		if tk.Status == domain.TaskStatusFailed {
			failed++
			if tk.LastError != "budget-exceeded" {
				t.Fatalf("last error = %q", tk.LastError)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

// A denied admission raises the budget alert to emergency and the change is
// published on the bus.
func TestAdmitDenialPublishesEmergencyAlert(t *testing.T) {
	f := newFixture(t, 50, 70)
	f.addTask(t, domain.TaskSpec{ID: "a", Description: "too big", EstCostUSD: 500})

	ch, cancel := f.bus.Subscribe(16)
	defer cancel()

	sum, err := f.scheduler(Config{Concurrency: 1}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if lvl := f.log.Graph().Budget().Alert; lvl != domain.AlertEmergency {
		t.Fatalf("alert = %s, want emergency", lvl)
	}

	for {
		select {
		case ev := <-ch:
			if ev.Kind != domain.EventBudgetAlertChanged {
				if ev.Kind == domain.EventRunComplete {
					t.Fatal("no budget-alert-changed event seen")
				}
				continue
			}
			var p struct {
				Level domain.AlertLevel `json:"level"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if p.Level != domain.AlertEmergency {
				t.Fatalf("event level = %s, want emergency", p.Level)
			}
			return
		case <-time.After(time.Second):
			t.Fatal("budget-alert-changed event not seen")
		}
	}
}

func TestAbortSkipsPendingWork(t *testing.T) {
	f := newFixture(t, 80, 100)
	for _, id := range []string{"a", "b", "c"} {
		f.addTask(t, domain.TaskSpec{ID: id, Description: id, EstCostUSD: 2})
	}
	s := f.scheduler(Config{Concurrency: 1})
	s.Abort()

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Skipped != 3 || sum.Done != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

// Crossing the soft cap mid-run downgrades agent tiers through patches.
func TestSoftCapCrossingDowngradesTiers(t *testing.T) {
	f := newFixture(t, 10, 100)
	f.back.SetCost(domain.TierPremium, 12)
	f.addTask(t, domain.TaskSpec{
		ID: "a", Description: "expensive", EstCostUSD: 12,
		Contract: domain.Contract{Outputs: []domain.ContractIO{{Name: "X", Required: true}}},
	})
	// give the agent headroom to fall
	tv, _ := json.Marshal(domain.TierPremium)
	if _, err := f.log.Append(context.Background(), domain.PatchRecord{Op: domain.PatchOpReplace, Path: "/nodes/ceo/tier", Value: tv}); err != nil {
		t.Fatalf("set tier: %v", err)
	}

	if _, err := f.scheduler(Config{Concurrency: 1}).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	a, _ := f.log.Graph().Agent("ceo")
	if a.Tier != domain.TierStandard {
		t.Fatalf("tier = %s, want one step down from premium", a.Tier)
	}
}

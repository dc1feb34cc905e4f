package metrics

import (
	"math"
	"testing"

	"orgrun/internal/domain"
	"orgrun/internal/graph"
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestKPIAttainmentDirections(t *testing.T) {
	e := NewEngine(Weights{}, 0)
	cases := []struct {
		k    domain.KPI
		want float64
	}{
		{domain.KPI{Target: 100, Current: 50, Direction: domain.DirectionGTE}, 50},
		{domain.KPI{Target: 100, Current: 150, Direction: domain.DirectionGTE}, 100},
		{domain.KPI{Target: 10, Current: 5, Direction: domain.DirectionLTE}, 100},
		{domain.KPI{Target: 10, Current: 20, Direction: domain.DirectionLTE}, 50},
		{domain.KPI{Target: 50, Current: 50, Direction: domain.DirectionEQ}, 100},
		{domain.KPI{Target: 50, Current: 75, Direction: domain.DirectionEQ}, 50},
		{domain.KPI{Target: 50, Current: 200, Direction: domain.DirectionEQ}, 0},
	}
	for _, tc := range cases {
		if got := e.KPIAttainment(tc.k); !almost(got, tc.want) {
			t.Fatalf("kpi %+v: attainment = %v, want %v", tc.k, got, tc.want)
		}
	}
}

func buildOrg(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	must := func(p domain.PatchRecord, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("build value: %v", err)
		}
		if err := g.ApplyPatch(p); err != nil {
			t.Fatalf("apply %s: %v", p.Path, err)
		}
	}
	addAgent := func(spec domain.AgentSpec) {
		v, err := graph.AgentNodeValue(spec)
		must(domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/" + spec.ID, Value: v}, err)
	}
	addTask := func(spec domain.TaskSpec) {
		v, err := graph.TaskNodeValue(spec)
		must(domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/" + spec.ID, Value: v}, err)
	}

	bv := []byte(`{"soft_cap_usd":80,"hard_cap_usd":100,"spent_usd":25,"policy":"balanced"}`)
	if err := g.ApplyPatch(domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/budget", Value: bv}); err != nil {
		t.Fatalf("budget: %v", err)
	}

	addAgent(domain.AgentSpec{ID: "ceo", Role: "ceo", Level: domain.LevelTop, Tier: domain.TierStandard})
	addAgent(domain.AgentSpec{
		ID: "lead", Role: "lead", Level: domain.LevelTeam, ManagerID: "ceo", Tier: domain.TierStandard,
		KPIs: []domain.KPI{{ID: "k1", Metric: "features_shipped", Target: 10, Current: 8, Direction: domain.DirectionGTE}},
	})
	addAgent(domain.AgentSpec{
		ID: "eng", Role: "engineer", Level: domain.LevelContributor, ManagerID: "lead", Tier: domain.TierStandard,
		KPIs: []domain.KPI{{ID: "k2", Metric: "defect_rate", Target: 5, Current: 20, Direction: domain.DirectionLTE}},
	})

	addTask(domain.TaskSpec{ID: "t1", AgentID: "ceo", Status: domain.TaskStatusDone})
	addTask(domain.TaskSpec{ID: "t2", AgentID: "ceo", Status: domain.TaskStatusPending})
	return g
}

func TestComputeReport(t *testing.T) {
	g := buildOrg(t)
	e := NewEngine(Weights{Completion: 0.4, BudgetHealth: 0.3, OKR: 0.3}, 50)
	r := e.Compute(g)

	if !almost(r.CompletionPct, 50) {
		t.Fatalf("completion = %v, want 50", r.CompletionPct)
	}
	if !almost(r.BudgetUtilizationPct, 25) {
		t.Fatalf("utilization = %v, want 25", r.BudgetUtilizationPct)
	}
	// eng: k2 attains 25. lead: own k1 attains 80, one child at 25 -> (25 + 80) / 2 = 52.5
	if !almost(r.AgentScores["eng"], 25) {
		t.Fatalf("eng score = %v, want 25", r.AgentScores["eng"])
	}
	if !almost(r.AgentScores["lead"], 52.5) {
		t.Fatalf("lead score = %v, want 52.5", r.AgentScores["lead"])
	}
	// ceo: no KPIs, local falls back to its task completion (1 of 2 done)
	ceoWant := (52.5 + 50.0) / 2
	if !almost(r.AgentScores["ceo"], ceoWant) {
		t.Fatalf("ceo score = %v, want %v", r.AgentScores["ceo"], ceoWant)
	}

	wantHealth := (0.4*50 + 0.3*(100-25) + 0.3*ceoWant) / 1.0
	if !almost(r.HealthScore, wantHealth) {
		t.Fatalf("health = %v, want %v", r.HealthScore, wantHealth)
	}

	if len(r.Critical) != 1 || r.Critical[0] != "k2" {
		t.Fatalf("critical = %v, want [k2]", r.Critical)
	}
}

func TestTaskAttainmentWeighsPriority(t *testing.T) {
	g := graph.New()
	bv := []byte(`{"soft_cap_usd":10,"hard_cap_usd":10,"policy":"balanced"}`)
	if err := g.ApplyPatch(domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/budget", Value: bv}); err != nil {
		t.Fatalf("budget: %v", err)
	}
	av, _ := graph.AgentNodeValue(domain.AgentSpec{ID: "a", Role: "x", Level: domain.LevelTop})
	if err := g.ApplyPatch(domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/a", Value: av}); err != nil {
		t.Fatalf("agent: %v", err)
	}
	for _, spec := range []domain.TaskSpec{
		{ID: "t1", AgentID: "a", Priority: 3, Status: domain.TaskStatusDone},
		{ID: "t2", AgentID: "a", Priority: 1, Status: domain.TaskStatusFailed},
	} {
		v, _ := graph.TaskNodeValue(spec)
		if err := g.ApplyPatch(domain.PatchRecord{Op: domain.PatchOpAdd, Path: "/nodes/" + spec.ID, Value: v}); err != nil {
			t.Fatalf("task %s: %v", spec.ID, err)
		}
	}

	e := NewEngine(Weights{}, 0)
	if got := e.TaskAttainment(g, "a"); !almost(got, 75) {
		t.Fatalf("attainment = %v, want 75", got)
	}
}

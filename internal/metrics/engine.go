// Package metrics derives KPI attainment, OKR roll-ups and an overall
// health score from the work-graph.
package metrics

import (
	"math"
	"sort"

	"orgrun/internal/domain"
	"orgrun/internal/graph"
)

// Weights control how the health score blends its components. They are
// normalized before use, so only their ratio matters.
type Weights struct {
	Completion   float64
	BudgetHealth float64
	OKR          float64
}

func (w Weights) withDefaults() Weights {
	if w.Completion <= 0 && w.BudgetHealth <= 0 && w.OKR <= 0 {
		return Weights{Completion: 0.4, BudgetHealth: 0.3, OKR: 0.3}
	}
	return w
}

// Report is a point-in-time view of how the run is doing. All scores are
// percentages in [0, 100].
type Report struct {
	CompletionPct        float64            `json:"completion_pct"`
	BudgetUtilizationPct float64            `json:"budget_utilization_pct"`
	HealthScore          float64            `json:"health_score"`
	AgentScores          map[string]float64 `json:"agent_scores"`
	KPIAttainment        map[string]float64 `json:"kpi_attainment"`
	Critical             []string           `json:"critical,omitempty"`
}

type Engine struct {
	w     Weights
	floor float64
}

// NewEngine builds an engine. floor is the attainment percentage below which
// a KPI is reported as critical; zero means the default of 50.
func NewEngine(w Weights, floor float64) *Engine {
	if floor <= 0 {
		floor = 50
	}
	return &Engine{w: w.withDefaults(), floor: floor}
}

// KPIAttainment scores a single KPI against its target, respecting the
// direction of improvement.
func (e *Engine) KPIAttainment(k domain.KPI) float64 {
	if k.Target == 0 {
		if k.Direction == domain.DirectionLTE && k.Current <= 0 {
			return 100
		}
		if k.Current == 0 {
			return 100
		}
		return 0
	}
	switch k.Direction {
	case domain.DirectionLTE:
		if k.Current <= k.Target {
			return 100
		}
		return clampPct(k.Target / k.Current * 100)
	case domain.DirectionEQ:
		return clampPct(100 - math.Abs(k.Current-k.Target)/math.Abs(k.Target)*100)
	default: // at least
		return clampPct(k.Current / k.Target * 100)
	}
}

// TaskAttainment scores an agent's KPI-free progress: the priority-weighted
// share of its non-excluded tasks that are done.
func (e *Engine) TaskAttainment(g *graph.Graph, agentID string) float64 {
	tasks := g.AgentTasks(agentID)
	if len(tasks) == 0 {
		return 100
	}
	var total, done float64
	for _, t := range tasks {
		w := float64(t.Priority)
		if w <= 0 {
			w = 1
		}
		total += w
		if t.Status == domain.TaskStatusDone {
			done += w
		}
	}
	if total == 0 {
		return 100
	}
	return done / total * 100
}

// AgentScore rolls an agent's score up from its own KPIs and its reports'
// subtree scores. Children contribute with their declared weight, or an
// equal share when no weight is set. An agent with no KPIs of its own is
// scored by its task completion.
func (e *Engine) AgentScore(g *graph.Graph, agentID string) float64 {
	a, ok := g.Agent(agentID)
	if !ok {
		return 0
	}
	local := e.localScore(g, a)
	children := g.ChildAgents(agentID)
	if len(children) == 0 {
		return local
	}

	equal := 1.0 / float64(len(children))
	var sum, wsum float64
	for _, ch := range children {
		w := ch.Weight
		if w <= 0 {
			w = equal
		}
		sum += w * e.AgentScore(g, ch.ID)
		wsum += w
	}
	// the agent's own attainment participates alongside its subtree
	sum += local
	wsum++
	return sum / wsum
}

func (e *Engine) localScore(g *graph.Graph, a domain.AgentSpec) float64 {
	if len(a.KPIs) == 0 {
		return e.TaskAttainment(g, a.ID)
	}
	var sum, wsum float64
	for _, k := range a.KPIs {
		w := k.Weight
		if w <= 0 {
			w = 1
		}
		sum += w * e.KPIAttainment(k)
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// Compute builds the full report for the current graph state.
func (e *Engine) Compute(g *graph.Graph) Report {
	r := Report{
		AgentScores:   make(map[string]float64),
		KPIAttainment: make(map[string]float64),
	}

	tasks := g.Tasks()
	var total, done int
	for _, t := range tasks {
		if t.Excluded {
			continue
		}
		total++
		if t.Status == domain.TaskStatusDone {
			done++
		}
	}
	if total > 0 {
		r.CompletionPct = float64(done) / float64(total) * 100
	} else {
		r.CompletionPct = 100
	}

	b := g.Budget()
	if b.HardCapUSD > 0 {
		r.BudgetUtilizationPct = clampPct(b.SpentUSD / b.HardCapUSD * 100)
	}

	agents := g.Agents()
	for _, a := range agents {
		if a.Excluded {
			continue
		}
		r.AgentScores[a.ID] = e.AgentScore(g, a.ID)
		for _, k := range a.KPIs {
			pct := e.KPIAttainment(k)
			r.KPIAttainment[k.ID] = pct
			if pct < e.floor {
				r.Critical = append(r.Critical, k.ID)
			}
		}
	}
	sort.Strings(r.Critical)

	okr := 100.0
	if root, err := g.RootAgentID(); err == nil {
		okr = r.AgentScores[root]
	}
	norm := e.w.Completion + e.w.BudgetHealth + e.w.OKR
	r.HealthScore = (e.w.Completion*r.CompletionPct +
		e.w.BudgetHealth*(100-r.BudgetUtilizationPct) +
		e.w.OKR*okr) / norm
	return r
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

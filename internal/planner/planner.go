// Package planner turns a PRD and a budget into a staffed work-graph,
// expressed as the patch set that builds it.
package planner

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"orgrun/internal/domain"
	"orgrun/internal/graph"
)

type Planner struct {
	logger *log.Logger
	newID  func() string
	now    func() time.Time
}

func New(logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.Default()
	}
	return &Planner{logger: logger, newID: uuid.NewString, now: time.Now}
}

// MinViableUSD is the cost of running every planned task on the economy
// tier: the floor below which no staffing can fit the budget.
func (p *Planner) MinViableUSD(prd domain.PRD) float64 {
	return costEconomyUSD * float64(taskCount(prd))
}

// tasks per objective: design, build, review, plus one integration task.
func taskCount(prd domain.PRD) int {
	return 3*len(prd.Objectives) + 1
}

// BudgetAdvice is the planner's budget recommendation for a PRD.
type BudgetAdvice struct {
	MinViableUSD   float64 `json:"min_viable_usd"`
	BalancedUSD    float64 `json:"balanced_usd"`
	ComfortableUSD float64 `json:"comfortable_usd"`
}

func (p *Planner) RecommendBudget(prd domain.PRD) BudgetAdvice {
	n := float64(taskCount(prd))
	return BudgetAdvice{
		MinViableUSD:   costEconomyUSD * n,
		BalancedUSD:    costStandardUSD * n * 1.25,
		ComfortableUSD: costPremiumUSD * n * 1.25,
	}
}

// Plan builds the organization and its work for a PRD under a budget. The
// result is the ordered patch set that, applied to an empty graph, yields
// the populated work-graph: meta, budget, agents, reporting edges, tasks,
// dependency edges, seeds.
func (p *Planner) Plan(prd domain.PRD, budgetUSD float64) ([]domain.PatchRecord, error) {
	prd = normalizePRD(prd)
	if err := validatePRD(prd); err != nil {
		return nil, err
	}
	minViable := p.MinViableUSD(prd)
	if budgetUSD < minViable {
		return nil, fmt.Errorf("%w: budget %.2f below minimum viable staffing cost %.2f",
			domain.ErrInvalidInput, budgetUSD, minViable)
	}
	policy := selectPolicy(budgetUSD, minViable)
	caps := staffingFor(policy, budgetUSD)
	p.logger.Printf("planner: policy %s for budget %.2f (min viable %.2f)", policy, budgetUSD, minViable)

	org := buildOrg(prd, policy, caps)
	tasks, deps, seeds := buildTasks(prd, org)

	var out []domain.PatchRecord
	add := func(op domain.PatchOp, path, reason string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		out = append(out, domain.PatchRecord{Op: op, Path: path, Value: raw, Reason: reason})
		return nil
	}

	meta := graph.Meta{ProjectID: p.newID(), Title: prd.Title, Domain: prd.Domain, CreatedAt: p.now().UTC()}
	if err := add(domain.PatchOpAdd, "/meta", "plan: project metadata", meta); err != nil {
		return nil, err
	}
	budget := domain.BudgetModel{
		SoftCapUSD: round2(budgetUSD * softCapFrac(policy)),
		HardCapUSD: budgetUSD,
		Policy:     policy,
		Alert:      domain.AlertNormal,
	}
	if err := add(domain.PatchOpAdd, "/budget", "plan: budget caps and policy", budget); err != nil {
		return nil, err
	}
	for _, a := range org.agents {
		v, err := graph.AgentNodeValue(a)
		if err != nil {
			return nil, fmt.Errorf("encode agent %s: %w", a.ID, err)
		}
		out = append(out, domain.PatchRecord{
			Op: domain.PatchOpAdd, Path: "/nodes/" + a.ID, Value: v,
			Reason: "plan: staff " + a.Role,
		})
	}
	for _, a := range org.agents {
		if a.ManagerID == "" {
			continue
		}
		e := domain.Edge{ID: "rep-" + a.ID, Kind: domain.EdgeReporting, FromID: a.ManagerID, ToID: a.ID}
		if err := add(domain.PatchOpAdd, "/edges/"+e.ID, "plan: reporting line", e); err != nil {
			return nil, err
		}
	}
	for _, t := range tasks {
		v, err := graph.TaskNodeValue(t)
		if err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		out = append(out, domain.PatchRecord{
			Op: domain.PatchOpAdd, Path: "/nodes/" + t.ID, Value: v,
			Reason: "plan: " + t.Description,
		})
	}
	for _, e := range deps {
		if err := add(domain.PatchOpAdd, "/edges/"+e.ID, "plan: input "+e.ID, e); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(seeds))
	for name := range seeds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := add(domain.PatchOpAdd, "/seeds/"+name, "plan: externally seeded input", seeds[name]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func normalizePRD(prd domain.PRD) domain.PRD {
	prd.Title = strings.TrimSpace(prd.Title)
	prd.ProblemStatement = strings.TrimSpace(prd.ProblemStatement)
	for i := range prd.Objectives {
		if strings.TrimSpace(prd.Objectives[i].ID) == "" {
			prd.Objectives[i].ID = fmt.Sprintf("obj-%d", i+1)
		}
	}
	return prd
}

func validatePRD(prd domain.PRD) error {
	if prd.ProblemStatement == "" {
		return fmt.Errorf("%w: PRD has no problem statement", domain.ErrInvalidInput)
	}
	if len(prd.Objectives) == 0 {
		return fmt.Errorf("%w: PRD has no objectives", domain.ErrInvalidInput)
	}
	seen := map[string]bool{}
	for _, o := range prd.Objectives {
		if seen[o.ID] {
			return fmt.Errorf("%w: duplicate objective id %s", domain.ErrInvalidInput, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

type org struct {
	agents       []domain.AgentSpec
	contributors []domain.AgentSpec
	leadID       string
	rr           map[string]int
}

// buildOrg shapes the hierarchy: breadth per level is a step function of the
// policy's staffing caps, trimmed to the scope of the PRD.
func buildOrg(prd domain.PRD, policy domain.BudgetPolicy, caps staffing) *org {
	nObj := len(prd.Objectives)
	complexity := nObj + (len(prd.Constraints)+1)/2

	o := &org{rr: map[string]int{}}
	ceo := domain.AgentSpec{
		ID: "ceo", Role: "chief-executive", Level: domain.LevelTop,
		Specialization: SpecLeadership, Tier: tierFor(domain.LevelTop, policy),
		Tools: toolsFor(policy, domain.LevelTop),
	}
	o.agents = append(o.agents, ceo)

	var divIDs []string
	if nObj >= 3 && caps.divisions >= 2 {
		n := minInt(caps.divisions, (nObj+2)/3)
		for i := 1; i <= n; i++ {
			id := fmt.Sprintf("div-%d", i)
			o.agents = append(o.agents, domain.AgentSpec{
				ID: id, Role: "division-director", Level: domain.LevelDivision, ManagerID: "ceo",
				Specialization: SpecLeadership, Tier: tierFor(domain.LevelDivision, policy),
				Tools: toolsFor(policy, domain.LevelDivision),
			})
			divIDs = append(divIDs, id)
		}
	}

	var teamIDs []string
	nTeam := minInt(caps.teams, maxInt(1, nObj))
	for i := 1; i <= nTeam; i++ {
		id := fmt.Sprintf("team-%d", i)
		mgr := "ceo"
		if len(divIDs) > 0 {
			mgr = divIDs[(i-1)%len(divIDs)]
		}
		o.agents = append(o.agents, domain.AgentSpec{
			ID: id, Role: "team-lead", Level: domain.LevelTeam, ManagerID: mgr,
			Specialization: SpecLeadership, Tier: tierFor(domain.LevelTeam, policy),
			Tools: toolsFor(policy, domain.LevelTeam),
		})
		teamIDs = append(teamIDs, id)
	}
	o.leadID = teamIDs[0]

	var supIDs []string
	if complexity >= 8 && caps.supervisors >= 4 {
		n := minInt(caps.supervisors, nTeam)
		for i := 1; i <= n; i++ {
			id := fmt.Sprintf("sup-%d", i)
			o.agents = append(o.agents, domain.AgentSpec{
				ID: id, Role: "supervisor", Level: domain.LevelSupervisor, ManagerID: teamIDs[(i-1)%len(teamIDs)],
				Specialization: SpecLeadership, Tier: tierFor(domain.LevelSupervisor, policy),
				Tools: toolsFor(policy, domain.LevelSupervisor),
			})
			supIDs = append(supIDs, id)
		}
	}

	specCycle := []string{SpecDesign, SpecEngineering, SpecReview}
	roleBySpec := map[string]string{SpecDesign: "designer", SpecEngineering: "engineer", SpecReview: "reviewer"}
	nContrib := minInt(caps.contributors, maxInt(2, nObj))
	for i := 0; i < nContrib; i++ {
		spec := specCycle[i%len(specCycle)]
		mgr := teamIDs[i%len(teamIDs)]
		if len(supIDs) > 0 {
			mgr = supIDs[i%len(supIDs)]
		}
		a := domain.AgentSpec{
			ID: fmt.Sprintf("eng-%d", i+1), Role: roleBySpec[spec], Level: domain.LevelContributor,
			ManagerID: mgr, Specialization: spec, Tier: tierFor(domain.LevelContributor, policy),
			Tools: toolsFor(policy, domain.LevelContributor),
		}
		o.agents = append(o.agents, a)
		o.contributors = append(o.contributors, a)
	}

	// slice objectives across the management layer as OKRs
	owners := divIDs
	if len(owners) == 0 {
		owners = teamIDs
	}
	for i, obj := range prd.Objectives {
		ownerID := owners[i%len(owners)]
		for j := range o.agents {
			if o.agents[j].ID == ownerID {
				o.agents[j].OKRs = append(o.agents[j].OKRs, domain.OKR{
					ID: "okr-" + obj.ID, ObjectiveID: obj.ID, Title: obj.Title, OwnerAgentID: ownerID,
				})
			}
		}
	}
	return o
}

// assignee picks the next contributor whose specialization matches the
// task's domain tag, round-robin; any contributor serves as fallback.
func (o *org) assignee(spec string) domain.AgentSpec {
	var pool []domain.AgentSpec
	for _, c := range o.contributors {
		if c.Specialization == spec {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		pool = o.contributors
	}
	i := o.rr[spec]
	o.rr[spec] = i + 1
	return pool[i%len(pool)]
}

// buildTasks generates the per-objective task chains and the final
// integration task, wiring dependency edges by matching each declared input
// to the output of an earlier task. Unmatched required inputs become seeds.
func buildTasks(prd domain.PRD, o *org) ([]domain.TaskSpec, []domain.Edge, map[string]string) {
	dod := strings.Join(prd.SuccessCriteria, "; ")
	if dod == "" {
		dod = "satisfies the problem statement"
	}

	var tasks []domain.TaskSpec
	addTask := func(id, desc, spec string, pri int, inputs, outputs []domain.ContractIO) {
		var owner domain.AgentSpec
		if spec == SpecIntegration {
			// integration stays with the lead, not a contributor
			for _, a := range o.agents {
				if a.ID == o.leadID {
					owner = a
				}
			}
		} else {
			owner = o.assignee(spec)
		}
		tasks = append(tasks, domain.TaskSpec{
			ID: id, Description: desc, AgentID: owner.ID,
			Contract:   domain.Contract{Inputs: inputs, Outputs: outputs, DefinitionOfDone: dod},
			Status:     domain.TaskStatusPending,
			Priority:   pri,
			EstCostUSD: tierCostUSD(owner.Tier),
		})
	}

	nObj := len(prd.Objectives)
	var integrationInputs []domain.ContractIO
	for i, obj := range prd.Objectives {
		pri := nObj - i + 1
		addTask("design-"+obj.ID, "design "+obj.Title, SpecDesign, pri,
			[]domain.ContractIO{{Name: "brief", Required: true}},
			[]domain.ContractIO{{Name: "design_" + obj.ID, Required: true}})
		addTask("build-"+obj.ID, "build "+obj.Title, SpecEngineering, pri,
			[]domain.ContractIO{{Name: "design_" + obj.ID, Required: true}},
			[]domain.ContractIO{{Name: "build_" + obj.ID, Required: true}})
		addTask("review-"+obj.ID, "review "+obj.Title, SpecReview, 1,
			[]domain.ContractIO{{Name: "build_" + obj.ID, Required: true}},
			[]domain.ContractIO{{Name: "review_" + obj.ID, Required: true}})
		integrationInputs = append(integrationInputs, domain.ContractIO{Name: "review_" + obj.ID, Required: true})
	}
	addTask("integrate", "integrate reviewed work into the deliverable", SpecIntegration, nObj+2,
		integrationInputs,
		[]domain.ContractIO{{Name: "deliverable", Required: true}})

	producers := map[string]string{}
	seeds := map[string]string{}
	var deps []domain.Edge
	for _, t := range tasks {
		for _, in := range t.Contract.Inputs {
			from, ok := producers[in.Name]
			if !ok {
				if in.Required {
					seeds[in.Name] = seedValue(prd, in.Name)
				}
				continue
			}
			deps = append(deps, domain.Edge{
				ID: fmt.Sprintf("dep-%s-%s", from, t.ID), Kind: domain.EdgeDependency,
				FromID: from, ToID: t.ID,
			})
		}
		for _, out := range t.Contract.Outputs {
			if _, taken := producers[out.Name]; !taken {
				producers[out.Name] = t.ID
			}
		}
	}
	return tasks, deps, seeds
}

func seedValue(prd domain.PRD, name string) string {
	if name == "brief" {
		return prd.ProblemStatement
	}
	return ""
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

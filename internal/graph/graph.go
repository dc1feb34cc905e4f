package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"orgrun/internal/domain"
)

// Meta describes the organization a graph models.
type Meta struct {
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Domain    string    `json:"domain,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Graph is the work-graph: agents in a reporting tree, tasks in a dependency
// DAG, contracts, and the budget model. All mutation flows through ApplyPatch;
// every read is pure. Nodes and edges are never physically deleted, removal
// marks them excluded so the audit history stays replayable.
type Graph struct {
	meta      Meta
	budget    domain.BudgetModel
	hasBudget bool
	agents    map[string]*domain.AgentSpec
	tasks     map[string]*domain.TaskSpec
	edges     []domain.Edge
	edgeIdx   map[string]int
	order     []string
	orderIdx  map[string]int
	seeds     map[string]string
}

func New() *Graph {
	return &Graph{
		agents:   make(map[string]*domain.AgentSpec),
		tasks:    make(map[string]*domain.TaskSpec),
		edgeIdx:  make(map[string]int),
		orderIdx: make(map[string]int),
		seeds:    make(map[string]string),
	}
}

type nodeEnvelope struct {
	NodeType string            `json:"node_type"`
	Agent    *domain.AgentSpec `json:"agent,omitempty"`
	Task     *domain.TaskSpec  `json:"task,omitempty"`
}

// AgentNodeValue encodes an agent spec as a patch value for an add at /nodes/<id>.
func AgentNodeValue(spec domain.AgentSpec) (json.RawMessage, error) {
	return json.Marshal(nodeEnvelope{NodeType: "agent", Agent: &spec})
}

// TaskNodeValue encodes a task spec as a patch value for an add at /nodes/<id>.
func TaskNodeValue(spec domain.TaskSpec) (json.RawMessage, error) {
	return json.Marshal(nodeEnvelope{NodeType: "task", Task: &spec})
}

// ApplyPatch is the single mutation path of the graph. It validates the
// operation against the graph invariants and applies it, or returns an error
// leaving the graph untouched.
func (g *Graph) ApplyPatch(p domain.PatchRecord) error {
	path := strings.TrimPrefix(p.Path, "/")
	seg := strings.Split(path, "/")
	switch {
	case path == "meta":
		return g.applyMeta(p)
	case path == "budget":
		return g.applyBudget(p)
	case seg[0] == "budget" && len(seg) == 2:
		return g.applyBudgetField(p, seg[1])
	case seg[0] == "nodes" && len(seg) == 2:
		return g.applyNode(p, seg[1])
	case seg[0] == "nodes" && len(seg) == 3:
		return g.applyNodeField(p, seg[1], seg[2])
	case seg[0] == "edges" && len(seg) == 2:
		return g.applyEdge(p, seg[1])
	case seg[0] == "seeds" && len(seg) == 2:
		return g.applySeed(p, seg[1])
	default:
		return fmt.Errorf("%w: unknown patch path %q", domain.ErrInvalidInput, p.Path)
	}
}

func (g *Graph) applyMeta(p domain.PatchRecord) error {
	if p.Op != domain.PatchOpAdd && p.Op != domain.PatchOpReplace {
		return fmt.Errorf("%w: meta supports add/replace only", domain.ErrInvalidInput)
	}
	var m Meta
	if err := json.Unmarshal(p.Value, &m); err != nil {
		return fmt.Errorf("decode meta patch: %w", err)
	}
	g.meta = m
	return nil
}

func (g *Graph) applyBudget(p domain.PatchRecord) error {
	if p.Op != domain.PatchOpAdd && p.Op != domain.PatchOpReplace {
		return fmt.Errorf("%w: budget supports add/replace only", domain.ErrInvalidInput)
	}
	var b domain.BudgetModel
	if err := json.Unmarshal(p.Value, &b); err != nil {
		return fmt.Errorf("decode budget patch: %w", err)
	}
	if b.SoftCapUSD > b.HardCapUSD {
		return fmt.Errorf("%w: soft cap %.2f above hard cap %.2f", domain.ErrInvalidInput, b.SoftCapUSD, b.HardCapUSD)
	}
	if g.hasBudget && b.SpentUSD < g.budget.SpentUSD {
		return fmt.Errorf("%w: spent may not decrease", domain.ErrInvalidInput)
	}
	if b.Alert == "" {
		b.Alert = domain.AlertNormal
	}
	g.budget = b
	g.hasBudget = true
	return nil
}

func (g *Graph) applyBudgetField(p domain.PatchRecord, field string) error {
	if !g.hasBudget {
		return fmt.Errorf("%w: budget not initialized", domain.ErrInvalidInput)
	}
	if p.Op != domain.PatchOpReplace {
		return fmt.Errorf("%w: budget fields support replace only", domain.ErrInvalidInput)
	}
	switch field {
	case "policy":
		var v domain.BudgetPolicy
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("decode policy patch: %w", err)
		}
		if !v.Valid() {
			return fmt.Errorf("%w: unknown budget policy %q", domain.ErrInvalidInput, v)
		}
		g.budget.Policy = v
	case "soft_cap_usd":
		var v float64
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("decode soft cap patch: %w", err)
		}
		if v > g.budget.HardCapUSD {
			return fmt.Errorf("%w: soft cap %.2f above hard cap %.2f", domain.ErrInvalidInput, v, g.budget.HardCapUSD)
		}
		g.budget.SoftCapUSD = v
	case "hard_cap_usd":
		var v float64
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("decode hard cap patch: %w", err)
		}
		if v < g.budget.SoftCapUSD {
			return fmt.Errorf("%w: hard cap %.2f below soft cap %.2f", domain.ErrInvalidInput, v, g.budget.SoftCapUSD)
		}
		g.budget.HardCapUSD = v
	case "spent_usd":
		var v float64
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("decode spent patch: %w", err)
		}
		if v < g.budget.SpentUSD {
			return fmt.Errorf("%w: spent may not decrease (%.4f -> %.4f)", domain.ErrInvalidInput, g.budget.SpentUSD, v)
		}
		g.budget.SpentUSD = v
	case "alert":
		var v domain.AlertLevel
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("decode alert patch: %w", err)
		}
		g.budget.Alert = v
	default:
		return fmt.Errorf("%w: unknown budget field %q", domain.ErrInvalidInput, field)
	}
	return nil
}

func (g *Graph) applyNode(p domain.PatchRecord, id string) error {
	switch p.Op {
	case domain.PatchOpAdd:
		var env nodeEnvelope
		if err := json.Unmarshal(p.Value, &env); err != nil {
			return fmt.Errorf("decode node patch: %w", err)
		}
		if _, dup := g.orderIdx[id]; dup {
			return fmt.Errorf("%w: node id %s already exists", domain.ErrInvalidInput, id)
		}
		switch env.NodeType {
		case "agent":
			if env.Agent == nil || env.Agent.ID != id {
				return fmt.Errorf("%w: agent node id mismatch at %s", domain.ErrInvalidInput, id)
			}
			spec := *env.Agent
			if !spec.Level.Valid() {
				return fmt.Errorf("%w: unknown role level %q", domain.ErrInvalidInput, spec.Level)
			}
			if spec.ManagerID == "" {
				if root, _ := g.RootAgentID(); root != "" {
					return fmt.Errorf("%w: reporting tree already has root %s", domain.ErrInvalidInput, root)
				}
			} else if _, ok := g.agents[spec.ManagerID]; !ok {
				return fmt.Errorf("%w: manager %s not found for agent %s", domain.ErrInvalidInput, spec.ManagerID, id)
			}
			if spec.Tier == "" {
				spec.Tier = domain.TierStandard
			}
			g.agents[id] = &spec
		case "task":
			if env.Task == nil || env.Task.ID != id {
				return fmt.Errorf("%w: task node id mismatch at %s", domain.ErrInvalidInput, id)
			}
			spec := *env.Task
			if _, ok := g.agents[spec.AgentID]; !ok {
				return fmt.Errorf("%w: owner agent %s not found for task %s", domain.ErrInvalidInput, spec.AgentID, id)
			}
			if spec.Status == "" {
				spec.Status = domain.TaskStatusPending
			}
			if spec.Outputs == nil {
				spec.Outputs = make(map[string]string)
			}
			g.tasks[id] = &spec
		default:
			return fmt.Errorf("%w: unknown node type %q", domain.ErrInvalidInput, env.NodeType)
		}
		g.orderIdx[id] = len(g.order)
		g.order = append(g.order, id)
		return nil
	case domain.PatchOpRemove:
		if a, ok := g.agents[id]; ok {
			a.Excluded = true
			return nil
		}
		if t, ok := g.tasks[id]; ok {
			t.Excluded = true
			return nil
		}
		return fmt.Errorf("%w: node %s not found", domain.ErrInvalidInput, id)
	default:
		return fmt.Errorf("%w: nodes support add/remove", domain.ErrInvalidInput)
	}
}

func (g *Graph) applyNodeField(p domain.PatchRecord, id, field string) error {
	if p.Op != domain.PatchOpReplace {
		return fmt.Errorf("%w: node fields support replace only", domain.ErrInvalidInput)
	}
	if t, ok := g.tasks[id]; ok {
		switch field {
		case "status":
			var v domain.TaskStatus
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode status patch: %w", err)
			}
			t.Status = v
		case "actual_cost_usd":
			var v float64
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode cost patch: %w", err)
			}
			t.ActualCostUSD = v
		case "outputs":
			var v map[string]string
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode outputs patch: %w", err)
			}
			if v == nil {
				v = make(map[string]string)
			}
			t.Outputs = v
		case "last_error":
			var v string
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode last_error patch: %w", err)
			}
			t.LastError = v
		case "contract":
			var v domain.Contract
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode contract patch: %w", err)
			}
			t.Contract = v
		case "priority":
			var v int
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode priority patch: %w", err)
			}
			t.Priority = v
		default:
			return fmt.Errorf("%w: unknown task field %q", domain.ErrInvalidInput, field)
		}
		return nil
	}
	if a, ok := g.agents[id]; ok {
		switch field {
		case "tier":
			var v domain.ModelTier
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode tier patch: %w", err)
			}
			if !v.Valid() {
				return fmt.Errorf("%w: unknown model tier %q", domain.ErrInvalidInput, v)
			}
			a.Tier = v
		case "tools":
			var v []domain.ToolRef
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return fmt.Errorf("decode tools patch: %w", err)
			}
			a.Tools = v
		default:
			return fmt.Errorf("%w: unknown agent field %q", domain.ErrInvalidInput, field)
		}
		return nil
	}
	return fmt.Errorf("%w: node %s not found", domain.ErrInvalidInput, id)
}

func (g *Graph) applyEdge(p domain.PatchRecord, id string) error {
	switch p.Op {
	case domain.PatchOpAdd:
		var e domain.Edge
		if err := json.Unmarshal(p.Value, &e); err != nil {
			return fmt.Errorf("decode edge patch: %w", err)
		}
		if e.ID != id {
			return fmt.Errorf("%w: edge id mismatch at %s", domain.ErrInvalidInput, id)
		}
		if _, dup := g.edgeIdx[id]; dup {
			return fmt.Errorf("%w: edge id %s already exists", domain.ErrInvalidInput, id)
		}
		switch e.Kind {
		case domain.EdgeDependency:
			if _, ok := g.tasks[e.FromID]; !ok {
				return fmt.Errorf("%w: dependency source %s is not a task", domain.ErrInvalidInput, e.FromID)
			}
			if _, ok := g.tasks[e.ToID]; !ok {
				return fmt.Errorf("%w: dependency target %s is not a task", domain.ErrInvalidInput, e.ToID)
			}
			if e.FromID == e.ToID {
				return fmt.Errorf("%w: task %s cannot depend on itself", domain.ErrInvalidInput, e.ToID)
			}
			if g.wouldCycle(e.FromID, e.ToID) {
				return fmt.Errorf("%w: edge %s -> %s introduces a cycle", domain.ErrInvalidInput, e.FromID, e.ToID)
			}
		case domain.EdgeReporting:
			if _, ok := g.agents[e.FromID]; !ok {
				return fmt.Errorf("%w: reporting source %s is not an agent", domain.ErrInvalidInput, e.FromID)
			}
			if _, ok := g.agents[e.ToID]; !ok {
				return fmt.Errorf("%w: reporting target %s is not an agent", domain.ErrInvalidInput, e.ToID)
			}
			for _, prev := range g.edges {
				if prev.Kind == domain.EdgeReporting && !prev.Excluded && prev.ToID == e.ToID {
					return fmt.Errorf("%w: agent %s already has a manager", domain.ErrInvalidInput, e.ToID)
				}
			}
		default:
			return fmt.Errorf("%w: unknown edge kind %q", domain.ErrInvalidInput, e.Kind)
		}
		g.edgeIdx[id] = len(g.edges)
		g.edges = append(g.edges, e)
		return nil
	case domain.PatchOpRemove:
		idx, ok := g.edgeIdx[id]
		if !ok {
			return fmt.Errorf("%w: edge %s not found", domain.ErrInvalidInput, id)
		}
		g.edges[idx].Excluded = true
		return nil
	default:
		return fmt.Errorf("%w: edges support add/remove", domain.ErrInvalidInput)
	}
}

func (g *Graph) applySeed(p domain.PatchRecord, name string) error {
	if p.Op != domain.PatchOpAdd && p.Op != domain.PatchOpReplace {
		return fmt.Errorf("%w: seeds support add/replace only", domain.ErrInvalidInput)
	}
	var v string
	if err := json.Unmarshal(p.Value, &v); err != nil {
		return fmt.Errorf("decode seed patch: %w", err)
	}
	g.seeds[name] = v
	return nil
}

// wouldCycle reports whether adding dependency from -> to would make `from`
// reachable from `to` along existing dependency edges.
func (g *Graph) wouldCycle(from, to string) bool {
	visited := map[string]bool{}
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if id == from {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, e := range g.edges {
			if e.Kind != domain.EdgeDependency || e.Excluded || e.FromID != id {
				continue
			}
			if dfs(e.ToID) {
				return true
			}
		}
		return false
	}
	return dfs(to)
}

func (g *Graph) Meta() Meta { return g.meta }

func (g *Graph) Budget() domain.BudgetModel { return g.budget }

func (g *Graph) Agent(id string) (domain.AgentSpec, bool) {
	a, ok := g.agents[id]
	if !ok {
		return domain.AgentSpec{}, false
	}
	return *a, true
}

func (g *Graph) Task(id string) (domain.TaskSpec, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.TaskSpec{}, false
	}
	return *t, true
}

// Agents returns all agents in creation order.
func (g *Graph) Agents() []domain.AgentSpec {
	out := make([]domain.AgentSpec, 0, len(g.agents))
	for _, id := range g.order {
		if a, ok := g.agents[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Tasks returns all tasks in creation order.
func (g *Graph) Tasks() []domain.TaskSpec {
	out := make([]domain.TaskSpec, 0, len(g.tasks))
	for _, id := range g.order {
		if t, ok := g.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

func (g *Graph) Edges() []domain.Edge {
	out := make([]domain.Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

func (g *Graph) Seeds() map[string]string {
	out := make(map[string]string, len(g.seeds))
	for k, v := range g.seeds {
		out[k] = v
	}
	return out
}

// RootAgentID returns the single agent without a manager.
func (g *Graph) RootAgentID() (string, error) {
	root := ""
	for _, id := range g.order {
		a, ok := g.agents[id]
		if !ok || a.Excluded {
			continue
		}
		if a.ManagerID == "" {
			if root != "" {
				return "", fmt.Errorf("%w: multiple root agents (%s, %s)", domain.ErrInvalidInput, root, id)
			}
			root = id
		}
	}
	if root == "" {
		return "", fmt.Errorf("%w: reporting tree has no root", domain.ErrInvalidInput)
	}
	return root, nil
}

// ChildAgents returns the non-excluded direct reports of an agent, in
// creation order.
func (g *Graph) ChildAgents(agentID string) []domain.AgentSpec {
	var out []domain.AgentSpec
	for _, id := range g.order {
		a, ok := g.agents[id]
		if !ok || a.Excluded {
			continue
		}
		if a.ManagerID == agentID {
			out = append(out, *a)
		}
	}
	return out
}

// AgentTasks returns the non-excluded tasks owned by an agent, in creation order.
func (g *Graph) AgentTasks(agentID string) []domain.TaskSpec {
	var out []domain.TaskSpec
	for _, id := range g.order {
		t, ok := g.tasks[id]
		if !ok || t.Excluded {
			continue
		}
		if t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// Dependencies returns the prerequisite task ids of a task, in edge creation
// order, excluded edges and nodes skipped.
func (g *Graph) Dependencies(taskID string) []string {
	var out []string
	for _, e := range g.edges {
		if e.Kind != domain.EdgeDependency || e.Excluded || e.ToID != taskID {
			continue
		}
		if t, ok := g.tasks[e.FromID]; ok && !t.Excluded {
			out = append(out, e.FromID)
		}
	}
	return out
}

// Dependents returns the task ids that directly depend on a task.
func (g *Graph) Dependents(taskID string) []string {
	var out []string
	for _, e := range g.edges {
		if e.Kind != domain.EdgeDependency || e.Excluded || e.FromID != taskID {
			continue
		}
		if t, ok := g.tasks[e.ToID]; ok && !t.Excluded {
			out = append(out, e.ToID)
		}
	}
	return out
}

// TopoOrder returns all non-excluded task ids in dependency order,
// ties broken by node creation order so the ordering is deterministic.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := map[string]int{}
	for _, id := range g.order {
		if t, ok := g.tasks[id]; ok && !t.Excluded {
			indegree[id] = 0
		}
	}
	for _, e := range g.edges {
		if e.Kind != domain.EdgeDependency || e.Excluded {
			continue
		}
		if _, ok := indegree[e.ToID]; !ok {
			continue
		}
		if _, ok := indegree[e.FromID]; !ok {
			continue
		}
		indegree[e.ToID]++
	}

	frontier := make([]string, 0, len(indegree))
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	g.sortByCreation(frontier)

	out := make([]string, 0, len(indegree))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		out = append(out, id)
		var opened []string
		for _, dep := range g.Dependents(id) {
			indegree[dep]--
			if indegree[dep] == 0 {
				opened = append(opened, dep)
			}
		}
		g.sortByCreation(opened)
		frontier = append(frontier, opened...)
		g.sortByCreation(frontier)
	}
	if len(out) != len(indegree) {
		return nil, fmt.Errorf("%w: dependency graph has a cycle", domain.ErrInvalidInput)
	}
	return out, nil
}

func (g *Graph) sortByCreation(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return g.orderIdx[ids[i]] < g.orderIdx[ids[j]]
	})
}

// MissingInputs returns the names of required contract inputs that are not
// yet produced by a completed dependency or seeded externally. Empty means
// the task is ready from a contract standpoint.
func (g *Graph) MissingInputs(taskID string) ([]string, error) {
	t, ok := g.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s not found", domain.ErrInvalidInput, taskID)
	}
	deps := g.Dependencies(taskID)
	var missing []string
	for _, in := range t.Contract.Inputs {
		if !in.Required {
			continue
		}
		if g.inputSatisfied(in.Name, deps) {
			continue
		}
		missing = append(missing, in.Name)
	}
	return missing, nil
}

func (g *Graph) inputSatisfied(name string, deps []string) bool {
	for _, depID := range deps {
		dep := g.tasks[depID]
		if dep.Status == domain.TaskStatusDone {
			if _, ok := dep.Outputs[name]; ok {
				return true
			}
		}
	}
	_, seeded := g.seeds[name]
	return seeded
}

// InputValues gathers the concrete input values for a task, dependency
// outputs first, external seeds as fallback.
func (g *Graph) InputValues(taskID string) map[string]string {
	t, ok := g.tasks[taskID]
	if !ok {
		return nil
	}
	deps := g.Dependencies(taskID)
	out := make(map[string]string)
	for _, in := range t.Contract.Inputs {
		found := false
		for _, depID := range deps {
			dep := g.tasks[depID]
			if dep.Status != domain.TaskStatusDone {
				continue
			}
			if v, ok := dep.Outputs[in.Name]; ok {
				out[in.Name] = v
				found = true
				break
			}
		}
		if !found {
			if v, ok := g.seeds[in.Name]; ok {
				out[in.Name] = v
			}
		}
	}
	return out
}

// DeclaredMissing returns required inputs that no dependency even declares as
// an output and that are not externally seeded. A non-empty result is a
// contract violation, not a scheduling state.
func (g *Graph) DeclaredMissing(taskID string) ([]string, error) {
	t, ok := g.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s not found", domain.ErrInvalidInput, taskID)
	}
	deps := g.Dependencies(taskID)
	var missing []string
	for _, in := range t.Contract.Inputs {
		if !in.Required {
			continue
		}
		if _, seeded := g.seeds[in.Name]; seeded {
			continue
		}
		declared := false
		for _, depID := range deps {
			for _, out := range g.tasks[depID].Contract.Outputs {
				if out.Name == in.Name {
					declared = true
					break
				}
			}
		}
		if !declared {
			missing = append(missing, in.Name)
		}
	}
	return missing, nil
}

// InputBlocked reports whether some required input can no longer be satisfied:
// every dependency declaring it is terminal without success, and it is not
// seeded. A task with an alternate contract-satisfying path is not blocked.
func (g *Graph) InputBlocked(taskID string) bool {
	t, ok := g.tasks[taskID]
	if !ok {
		return false
	}
	deps := g.Dependencies(taskID)
	for _, in := range t.Contract.Inputs {
		if !in.Required {
			continue
		}
		if _, seeded := g.seeds[in.Name]; seeded {
			continue
		}
		anyProducer := false
		anyViable := false
		for _, depID := range deps {
			dep := g.tasks[depID]
			for _, out := range dep.Contract.Outputs {
				if out.Name != in.Name {
					continue
				}
				anyProducer = true
				if dep.Status == domain.TaskStatusDone || !dep.Status.Terminal() {
					anyViable = true
				}
			}
		}
		if anyProducer && !anyViable {
			return true
		}
	}
	return false
}

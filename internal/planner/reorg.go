package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"orgrun/internal/domain"
	"orgrun/internal/graph"
)

// Reorg computes the structural delta between a live graph and an updated
// PRD and emits it as an ordered patch set: removed objectives exclude their
// unstarted tasks, new objectives add task chains staffed from the existing
// organization, changed success criteria rewrite unstarted contracts, and a
// changed budget rewrites the caps. Completed history is never touched.
func (p *Planner) Reorg(g *graph.Graph, prd domain.PRD, newBudgetUSD float64) ([]domain.PatchRecord, error) {
	prd = normalizePRD(prd)
	if err := validatePRD(prd); err != nil {
		return nil, err
	}

	existing := liveObjectiveIDs(g)
	wanted := map[string]domain.Objective{}
	for _, o := range prd.Objectives {
		wanted[o.ID] = o
	}

	var out []domain.PatchRecord
	add := func(op domain.PatchOp, path, reason string, v any) error {
		p := domain.PatchRecord{Op: op, Path: path, Reason: reason}
		if v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode %s: %w", path, err)
			}
			p.Value = raw
		}
		out = append(out, p)
		return nil
	}

	dod := strings.Join(prd.SuccessCriteria, "; ")
	if dod == "" {
		dod = "satisfies the problem statement"
	}

	// drop unstarted work for objectives the new PRD no longer names
	var removed []string
	for _, objID := range existing {
		if _, keep := wanted[objID]; keep {
			continue
		}
		removed = append(removed, objID)
		for _, prefix := range []string{"design-", "build-", "review-"} {
			id := prefix + objID
			t, ok := g.Task(id)
			if !ok || t.Excluded || t.Status != domain.TaskStatusPending {
				continue
			}
			if err := add(domain.PatchOpRemove, "/nodes/"+id, "reorg: objective "+objID+" dropped", nil); err != nil {
				return nil, err
			}
		}
	}

	// add chains for objectives the graph has never seen
	contributors := liveContributors(g)
	existingSet := map[string]bool{}
	for _, id := range existing {
		existingSet[id] = true
	}
	var added []string
	rr := map[string]int{}
	pick := func(spec string) (domain.AgentSpec, error) {
		var pool []domain.AgentSpec
		for _, c := range contributors {
			if c.Specialization == spec {
				pool = append(pool, c)
			}
		}
		if len(pool) == 0 {
			pool = contributors
		}
		if len(pool) == 0 {
			return domain.AgentSpec{}, fmt.Errorf("%w: no contributors left to staff new work", domain.ErrInvalidInput)
		}
		i := rr[spec]
		rr[spec] = i + 1
		return pool[i%len(pool)], nil
	}
	for _, obj := range prd.Objectives {
		if existingSet[obj.ID] {
			continue
		}
		added = append(added, obj.ID)
		chain := []struct {
			kind, spec string
			inputs     []domain.ContractIO
			outputs    []domain.ContractIO
		}{
			{"design", SpecDesign,
				[]domain.ContractIO{{Name: "brief", Required: true}},
				[]domain.ContractIO{{Name: "design_" + obj.ID, Required: true}}},
			{"build", SpecEngineering,
				[]domain.ContractIO{{Name: "design_" + obj.ID, Required: true}},
				[]domain.ContractIO{{Name: "build_" + obj.ID, Required: true}}},
			{"review", SpecReview,
				[]domain.ContractIO{{Name: "build_" + obj.ID, Required: true}},
				[]domain.ContractIO{{Name: "review_" + obj.ID, Required: true}}},
		}
		prevID := ""
		for _, step := range chain {
			owner, err := pick(step.spec)
			if err != nil {
				return nil, err
			}
			id := step.kind + "-" + obj.ID
			spec := domain.TaskSpec{
				ID: id, Description: step.kind + " " + obj.Title, AgentID: owner.ID,
				Contract:   domain.Contract{Inputs: step.inputs, Outputs: step.outputs, DefinitionOfDone: dod},
				Status:     domain.TaskStatusPending,
				Priority:   2,
				EstCostUSD: tierCostUSD(owner.Tier),
			}
			v, err := graph.TaskNodeValue(spec)
			if err != nil {
				return nil, fmt.Errorf("encode task %s: %w", id, err)
			}
			out = append(out, domain.PatchRecord{
				Op: domain.PatchOpAdd, Path: "/nodes/" + id, Value: v,
				Reason: "reorg: objective " + obj.ID + " added",
			})
			if prevID != "" {
				e := domain.Edge{ID: "dep-" + prevID + "-" + id, Kind: domain.EdgeDependency, FromID: prevID, ToID: id}
				if err := add(domain.PatchOpAdd, "/edges/"+e.ID, "reorg: chain "+obj.ID, e); err != nil {
					return nil, err
				}
			}
			prevID = id
		}
	}
	if _, seeded := g.Seeds()["brief"]; !seeded && len(added) > 0 {
		if err := add(domain.PatchOpAdd, "/seeds/brief", "reorg: externally seeded input", prd.ProblemStatement); err != nil {
			return nil, err
		}
	}

	// rewrite the integration contract and wire new review outputs into it
	if integ, ok := g.Task("integrate"); ok && !integ.Excluded && integ.Status == domain.TaskStatusPending {
		c := integ.Contract
		changed := c.DefinitionOfDone != dod
		c.DefinitionOfDone = dod
		var inputs []domain.ContractIO
		for _, in := range c.Inputs {
			if objID, isReview := strings.CutPrefix(in.Name, "review_"); isReview {
				if _, keep := wanted[objID]; !keep {
					changed = true
					continue
				}
			}
			inputs = append(inputs, in)
		}
		for _, objID := range added {
			inputs = append(inputs, domain.ContractIO{Name: "review_" + objID, Required: true})
			changed = true
		}
		c.Inputs = inputs
		if changed {
			if err := add(domain.PatchOpReplace, "/nodes/integrate/contract", "reorg: integration scope changed", c); err != nil {
				return nil, err
			}
		}
		for _, objID := range added {
			e := domain.Edge{ID: "dep-review-" + objID + "-integrate", Kind: domain.EdgeDependency, FromID: "review-" + objID, ToID: "integrate"}
			if err := add(domain.PatchOpAdd, "/edges/"+e.ID, "reorg: chain "+objID, e); err != nil {
				return nil, err
			}
		}
	}

	// unstarted surviving tasks pick up the new definition of done
	for _, t := range g.Tasks() {
		if t.Excluded || t.Status != domain.TaskStatusPending || t.ID == "integrate" {
			continue
		}
		objID, ok := objectiveOfTask(t.ID)
		if !ok || !existingSet[objID] {
			continue
		}
		if _, keep := wanted[objID]; !keep {
			continue
		}
		if t.Contract.DefinitionOfDone == dod {
			continue
		}
		c := t.Contract
		c.DefinitionOfDone = dod
		if err := add(domain.PatchOpReplace, "/nodes/"+t.ID+"/contract", "reorg: success criteria changed", c); err != nil {
			return nil, err
		}
	}

	if newBudgetUSD > 0 {
		b := g.Budget()
		if newBudgetUSD != b.HardCapUSD {
			soft := round2(newBudgetUSD * softCapFrac(b.Policy))
			reason := fmt.Sprintf("reorg: budget %.2f -> %.2f", b.HardCapUSD, newBudgetUSD)
			if newBudgetUSD > b.HardCapUSD {
				// raise the hard cap first so soft <= hard holds throughout
				if err := add(domain.PatchOpReplace, "/budget/hard_cap_usd", reason, newBudgetUSD); err != nil {
					return nil, err
				}
				if err := add(domain.PatchOpReplace, "/budget/soft_cap_usd", reason, soft); err != nil {
					return nil, err
				}
			} else {
				if err := add(domain.PatchOpReplace, "/budget/soft_cap_usd", reason, soft); err != nil {
					return nil, err
				}
				if err := add(domain.PatchOpReplace, "/budget/hard_cap_usd", reason, newBudgetUSD); err != nil {
					return nil, err
				}
			}
		}
	}

	p.logger.Printf("planner: reorg removed=%v added=%v patches=%d", removed, added, len(out))
	return out, nil
}

// liveObjectiveIDs recovers the objective ids the graph was planned around
// from the task naming scheme.
func liveObjectiveIDs(g *graph.Graph) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range g.Tasks() {
		objID, ok := objectiveOfTask(t.ID)
		if !ok || seen[objID] {
			continue
		}
		seen[objID] = true
		out = append(out, objID)
	}
	sort.Strings(out)
	return out
}

func objectiveOfTask(taskID string) (string, bool) {
	for _, prefix := range []string{"design-", "build-", "review-"} {
		if rest, ok := strings.CutPrefix(taskID, prefix); ok {
			return rest, true
		}
	}
	return "", false
}

func liveContributors(g *graph.Graph) []domain.AgentSpec {
	var out []domain.AgentSpec
	for _, a := range g.Agents() {
		if !a.Excluded && a.Level == domain.LevelContributor {
			out = append(out, a)
		}
	}
	return out
}

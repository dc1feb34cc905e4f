package graph

import (
	"encoding/json"
	"fmt"

	"orgrun/internal/domain"
)

// NodeSnapshot is one node of an exported graph, tagged by type.
type NodeSnapshot struct {
	NodeType string            `json:"node_type"`
	Agent    *domain.AgentSpec `json:"agent,omitempty"`
	Task     *domain.TaskSpec  `json:"task,omitempty"`
}

// Snapshot is a complete, serializable view of a graph. Nodes appear in
// creation order so two snapshots of equal graphs marshal identically.
type Snapshot struct {
	Meta   Meta               `json:"meta"`
	Budget domain.BudgetModel `json:"budget"`
	Nodes  []NodeSnapshot     `json:"nodes"`
	Edges  []domain.Edge      `json:"edges"`
	Seeds  map[string]string  `json:"seeds,omitempty"`
}

func (g *Graph) Snapshot() Snapshot {
	s := Snapshot{
		Meta:   g.meta,
		Budget: g.budget,
		Edges:  g.Edges(),
		Seeds:  g.Seeds(),
	}
	if len(s.Seeds) == 0 {
		s.Seeds = nil
	}
	for _, id := range g.order {
		if a, ok := g.agents[id]; ok {
			spec := *a
			s.Nodes = append(s.Nodes, NodeSnapshot{NodeType: "agent", Agent: &spec})
			continue
		}
		if t, ok := g.tasks[id]; ok {
			spec := *t
			s.Nodes = append(s.Nodes, NodeSnapshot{NodeType: "task", Task: &spec})
		}
	}
	return s
}

// MarshalJSON of the snapshot gives a stable export format.
func (g *Graph) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(g.Snapshot(), "", "  ")
}

// FromSnapshot rebuilds a graph directly from an exported snapshot, without
// going through the patch log. Intended for imports and tooling.
func FromSnapshot(s Snapshot) (*Graph, error) {
	g := New()
	g.meta = s.Meta
	g.budget = s.Budget
	g.hasBudget = true
	for _, n := range s.Nodes {
		switch n.NodeType {
		case "agent":
			if n.Agent == nil {
				return nil, fmt.Errorf("%w: agent node without spec", domain.ErrInvalidInput)
			}
			spec := *n.Agent
			g.agents[spec.ID] = &spec
			g.orderIdx[spec.ID] = len(g.order)
			g.order = append(g.order, spec.ID)
		case "task":
			if n.Task == nil {
				return nil, fmt.Errorf("%w: task node without spec", domain.ErrInvalidInput)
			}
			spec := *n.Task
			if spec.Outputs == nil {
				spec.Outputs = make(map[string]string)
			}
			g.tasks[spec.ID] = &spec
			g.orderIdx[spec.ID] = len(g.order)
			g.order = append(g.order, spec.ID)
		default:
			return nil, fmt.Errorf("%w: unknown node type %q", domain.ErrInvalidInput, n.NodeType)
		}
	}
	for _, e := range s.Edges {
		if _, dup := g.edgeIdx[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate edge id %s", domain.ErrInvalidInput, e.ID)
		}
		g.edgeIdx[e.ID] = len(g.edges)
		g.edges = append(g.edges, e)
	}
	for k, v := range s.Seeds {
		g.seeds[k] = v
	}
	return g, nil
}

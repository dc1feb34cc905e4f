package planner

import "orgrun/internal/domain"

// Per-task model cost by tier, in USD. These feed estimates and the
// minimum-viable-staffing check; actual cost is whatever the backend reports.
const (
	costPremiumUSD  = 8
	costStandardUSD = 4
	costEconomyUSD  = 2
)

func tierCostUSD(t domain.ModelTier) float64 {
	switch t {
	case domain.TierPremium:
		return costPremiumUSD
	case domain.TierStandard:
		return costStandardUSD
	default:
		return costEconomyUSD
	}
}

// staffing caps the organizational breadth per hierarchy level.
type staffing struct {
	divisions    int
	teams        int
	supervisors  int
	contributors int
}

func staffingFor(policy domain.BudgetPolicy, budgetUSD float64) staffing {
	switch policy {
	case domain.PolicyConservative:
		return staffing{divisions: 1, teams: 1, supervisors: 1, contributors: 2}
	case domain.PolicyAggressive:
		return staffing{divisions: 3, teams: 4, supervisors: 6, contributors: 12}
	default:
		switch {
		case budgetUSD < 50:
			return staffing{divisions: 1, teams: 2, supervisors: 2, contributors: 4}
		case budgetUSD < 200:
			return staffing{divisions: 2, teams: 3, supervisors: 4, contributors: 8}
		default:
			return staffing{divisions: 3, teams: 4, supervisors: 5, contributors: 10}
		}
	}
}

// selectPolicy picks the spending posture from how much headroom the budget
// has over the minimum viable staffing cost.
func selectPolicy(budgetUSD, minViableUSD float64) domain.BudgetPolicy {
	if minViableUSD <= 0 {
		return domain.PolicyBalanced
	}
	ratio := budgetUSD / minViableUSD
	switch {
	case ratio < 2:
		return domain.PolicyConservative
	case ratio >= 5:
		return domain.PolicyAggressive
	default:
		return domain.PolicyBalanced
	}
}

func softCapFrac(policy domain.BudgetPolicy) float64 {
	switch policy {
	case domain.PolicyConservative:
		return 0.7
	case domain.PolicyAggressive:
		return 0.85
	default:
		return 0.8
	}
}

// tierFor assigns the model tier for a hierarchy level under a policy.
// Leadership gets the better models, contributors the cheaper ones.
func tierFor(level domain.RoleLevel, policy domain.BudgetPolicy) domain.ModelTier {
	switch policy {
	case domain.PolicyConservative:
		if level == domain.LevelTop {
			return domain.TierStandard
		}
		return domain.TierEconomy
	case domain.PolicyAggressive:
		switch level {
		case domain.LevelTop, domain.LevelDivision:
			return domain.TierPremium
		default:
			return domain.TierStandard
		}
	default:
		switch level {
		case domain.LevelTop:
			return domain.TierPremium
		case domain.LevelContributor:
			return domain.TierEconomy
		default:
			return domain.TierStandard
		}
	}
}

// The closed set of specializations agents and tasks are tagged with.
const (
	SpecLeadership  = "leadership"
	SpecDesign      = "design"
	SpecEngineering = "engineering"
	SpecReview      = "review"
	SpecIntegration = "integration"
)

var specializationRegistry = map[string]bool{
	SpecLeadership:  true,
	SpecDesign:      true,
	SpecEngineering: true,
	SpecReview:      true,
	SpecIntegration: true,
}

// ValidSpecialization reports whether the tag is in the registry.
func ValidSpecialization(s string) bool { return specializationRegistry[s] }

// toolsFor equips an agent. Optional tools are the first thing pruned when
// the budget controller escalates.
func toolsFor(policy domain.BudgetPolicy, level domain.RoleLevel) []domain.ToolRef {
	tools := []domain.ToolRef{{ID: "workspace"}}
	if level == domain.LevelContributor {
		tools = append(tools, domain.ToolRef{ID: "code-exec"})
	}
	tools = append(tools, domain.ToolRef{ID: "web-search", Optional: true})
	if policy == domain.PolicyAggressive {
		tools = append(tools, domain.ToolRef{ID: "deep-analysis", Optional: true})
	}
	return tools
}

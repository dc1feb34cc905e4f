package domain

import (
	"encoding/json"
	"time"
)

type RoleLevel string

const (
	LevelTop         RoleLevel = "TOP"
	LevelDivision    RoleLevel = "DIVISION"
	LevelTeam        RoleLevel = "TEAM"
	LevelSupervisor  RoleLevel = "SUPERVISOR"
	LevelContributor RoleLevel = "CONTRIBUTOR"
)

func (l RoleLevel) Valid() bool {
	switch l {
	case LevelTop, LevelDivision, LevelTeam, LevelSupervisor, LevelContributor:
		return true
	default:
		return false
	}
}

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusReady   TaskStatus = "ready"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusSkipped TaskStatus = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusSkipped
}

type ModelTier string

const (
	TierPremium  ModelTier = "premium"
	TierStandard ModelTier = "standard"
	TierEconomy  ModelTier = "economy"
)

func (t ModelTier) Valid() bool {
	switch t {
	case TierPremium, TierStandard, TierEconomy:
		return true
	default:
		return false
	}
}

// Downgrade steps one tier down. Economy is the floor.
func (t ModelTier) Downgrade() ModelTier {
	switch t {
	case TierPremium:
		return TierStandard
	case TierStandard:
		return TierEconomy
	default:
		return TierEconomy
	}
}

// Rank orders tiers by cost, cheapest first.
func (t ModelTier) Rank() int {
	switch t {
	case TierStandard:
		return 1
	case TierPremium:
		return 2
	default:
		return 0
	}
}

type BudgetPolicy string

const (
	PolicyConservative BudgetPolicy = "conservative"
	PolicyBalanced     BudgetPolicy = "balanced"
	PolicyAggressive   BudgetPolicy = "aggressive"
)

func (p BudgetPolicy) Valid() bool {
	switch p {
	case PolicyConservative, PolicyBalanced, PolicyAggressive:
		return true
	default:
		return false
	}
}

type AlertLevel string

const (
	AlertNormal       AlertLevel = "normal"
	AlertWarning      AlertLevel = "warning"
	AlertExceededSoft AlertLevel = "exceeded_soft"
	AlertCritical     AlertLevel = "critical"
	AlertEmergency    AlertLevel = "emergency"
)

// Rank orders alert levels by severity. Spend walks levels up monotonically;
// only a reorg that changes the caps may walk them back down.
func (a AlertLevel) Rank() int {
	switch a {
	case AlertWarning:
		return 1
	case AlertExceededSoft:
		return 2
	case AlertCritical:
		return 3
	case AlertEmergency:
		return 4
	default:
		return 0
	}
}

type Direction string

const (
	DirectionGTE Direction = ">="
	DirectionLTE Direction = "<="
	DirectionEQ  Direction = "="
)

type ContractIO struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

type Contract struct {
	Inputs           []ContractIO `json:"inputs,omitempty"`
	Outputs          []ContractIO `json:"outputs,omitempty"`
	DefinitionOfDone string       `json:"definition_of_done"`
}

type ToolRef struct {
	ID       string `json:"id"`
	Optional bool   `json:"optional,omitempty"`
}

type Objective struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type OKR struct {
	ID           string  `json:"id"`
	ObjectiveID  string  `json:"objective_id"`
	Title        string  `json:"title"`
	OwnerAgentID string  `json:"owner_agent_id"`
	Weight       float64 `json:"weight,omitempty"`
}

type KPI struct {
	ID           string    `json:"id"`
	Metric       string    `json:"metric"`
	OwnerAgentID string    `json:"owner_agent_id"`
	Target       float64   `json:"target"`
	Current      float64   `json:"current"`
	Direction    Direction `json:"direction"`
	Weight       float64   `json:"weight,omitempty"`
}

type AgentSpec struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Level          RoleLevel `json:"level"`
	ManagerID      string    `json:"manager_id,omitempty"`
	Specialization string    `json:"specialization,omitempty"`
	Tier           ModelTier `json:"tier"`
	Tools          []ToolRef `json:"tools,omitempty"`
	OKRs           []OKR     `json:"okrs,omitempty"`
	KPIs           []KPI     `json:"kpis,omitempty"`
	Weight         float64   `json:"weight,omitempty"`
	Excluded       bool      `json:"excluded,omitempty"`
}

type TaskSpec struct {
	ID            string            `json:"id"`
	Description   string            `json:"description"`
	AgentID       string            `json:"agent_id"`
	Contract      Contract          `json:"contract"`
	Status        TaskStatus        `json:"status"`
	Priority      int               `json:"priority"`
	Optional      bool              `json:"optional,omitempty"`
	EstCostUSD    float64           `json:"est_cost_usd"`
	ActualCostUSD float64           `json:"actual_cost_usd"`
	LastError     string            `json:"last_error,omitempty"`
	Outputs       map[string]string `json:"outputs,omitempty"`
	Excluded      bool              `json:"excluded,omitempty"`
}

type EdgeKind string

const (
	EdgeReporting  EdgeKind = "reporting"
	EdgeDependency EdgeKind = "dependency"
)

type Edge struct {
	ID       string   `json:"id"`
	Kind     EdgeKind `json:"kind"`
	FromID   string   `json:"from_id"`
	ToID     string   `json:"to_id"`
	Excluded bool     `json:"excluded,omitempty"`
}

type BudgetModel struct {
	SoftCapUSD float64      `json:"soft_cap_usd"`
	HardCapUSD float64      `json:"hard_cap_usd"`
	SpentUSD   float64      `json:"spent_usd"`
	Policy     BudgetPolicy `json:"policy"`
	Alert      AlertLevel   `json:"alert"`
}

type PatchOp string

const (
	PatchOpAdd     PatchOp = "add"
	PatchOpRemove  PatchOp = "remove"
	PatchOpReplace PatchOp = "replace"
)

// PatchRecord is one entry of the append-only mutation log. The log is the
// source of truth; the live graph is a materialized view of it.
type PatchRecord struct {
	Seq       int64           `json:"seq"`
	Op        PatchOp         `json:"op"`
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value,omitempty"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

type EventKind string

const (
	EventDispatchStart      EventKind = "dispatch-start"
	EventTaskComplete       EventKind = "task-complete"
	EventTaskFailed         EventKind = "task-failed"
	EventTaskRetried        EventKind = "task-retried"
	EventTaskSkipped        EventKind = "task-skipped"
	EventBudgetAlertChanged EventKind = "budget-alert-changed"
	EventBudgetDowngrade    EventKind = "budget-downgrade"
	EventPhaseChanged       EventKind = "phase-changed"
	EventRunComplete        EventKind = "run-complete"
	EventHeartbeat          EventKind = "heartbeat"
)

// Terminal events may never be dropped by a slow listener.
func (k EventKind) Terminal() bool {
	switch k {
	case EventTaskComplete, EventTaskFailed, EventBudgetAlertChanged, EventPhaseChanged, EventRunComplete:
		return true
	default:
		return false
	}
}

type Event struct {
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PRD is the structured requirements document consumed by the planner.
type PRD struct {
	Title            string      `json:"title"`
	ProblemStatement string      `json:"problem_statement"`
	Domain           string      `json:"domain,omitempty"`
	Objectives       []Objective `json:"objectives"`
	Constraints      []string    `json:"constraints,omitempty"`
	SuccessCriteria  []string    `json:"success_criteria,omitempty"`
}

// TaskRequest is what the scheduler hands to the execution backend.
type TaskRequest struct {
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	Contract    Contract          `json:"contract"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Tier        ModelTier         `json:"tier"`
	AgentID     string            `json:"agent_id"`
	AgentRole   string            `json:"agent_role"`
}

// TaskResult is what the execution backend returns per dispatch.
type TaskResult struct {
	Outputs map[string]string `json:"outputs,omitempty"`
	CostUSD float64           `json:"cost_usd"`
	Summary string            `json:"summary,omitempty"`
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"orgrun/internal/budget"
	"orgrun/internal/domain"
	"orgrun/internal/events"
	"orgrun/internal/metrics"
	"orgrun/internal/patch"
	"orgrun/internal/planner"
	"orgrun/internal/scheduler"
)

// Phase names the pipeline stage a run is in. Transitions are strictly
// forward except for Reorg, which may interrupt execution.
type Phase string

const (
	PhaseStartup   Phase = "startup"
	PhaseDiscovery Phase = "discovery"
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
	PhaseComplete  Phase = "complete"
)

// Service drives the four-phase pipeline: discovery questions, answer
// processing, organization planning, and execution. All graph mutations go
// through the shared patch log.
type Service struct {
	log     *patch.Log
	ctrl    *budget.Controller
	bus     *events.Bus
	planner *planner.Planner
	sched   *scheduler.Scheduler
	engine  *metrics.Engine
	textgen TextGen
	logger  *log.Logger

	mu        sync.Mutex
	phase     Phase
	problem   string
	budgetUSD float64
	questions []string
	answers   []string
	prd       domain.PRD
	hasPRD    bool
}

func New(l *patch.Log, ctrl *budget.Controller, bus *events.Bus, pl *planner.Planner, sched *scheduler.Scheduler, engine *metrics.Engine, tg TextGen, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if tg == nil {
		tg = Offline{}
	}
	return &Service{
		log:     l,
		ctrl:    ctrl,
		bus:     bus,
		planner: pl,
		sched:   sched,
		engine:  engine,
		textgen: tg,
		logger:  logger,
		phase:   PhaseStartup,
	}
}

func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// StartupPhase records the problem and budget and returns the discovery
// questions to put to the caller.
func (s *Service) StartupPhase(ctx context.Context, problem string, budgetUSD float64) ([]string, error) {
	problem = strings.TrimSpace(problem)
	if problem == "" {
		return nil, fmt.Errorf("%w: problem statement is required", domain.ErrInvalidInput)
	}
	if budgetUSD <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive, got %.2f", domain.ErrInvalidInput, budgetUSD)
	}

	reply, err := s.textgen.Generate(ctx, promptQuestions, map[string]string{"problem": problem})
	if err != nil {
		return nil, fmt.Errorf("generate discovery questions: %w", err)
	}
	var questions []string
	for _, line := range strings.Split(reply, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			questions = append(questions, line)
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: empty discovery reply", domain.ErrProvider)
	}

	s.mu.Lock()
	s.problem = problem
	s.budgetUSD = budgetUSD
	s.questions = questions
	s.setPhaseLocked(ctx, PhaseDiscovery)
	s.mu.Unlock()

	s.logger.Printf("orchestrator: %d discovery questions for %q", len(questions), firstLine(problem))
	return questions, nil
}

// ProcessDiscovery turns the discovery answers into a requirements document.
func (s *Service) ProcessDiscovery(ctx context.Context, answers []string) (domain.PRD, error) {
	s.mu.Lock()
	if s.phase != PhaseDiscovery {
		s.mu.Unlock()
		return domain.PRD{}, fmt.Errorf("%w: discovery before startup", domain.ErrInvalidInput)
	}
	problem := s.problem
	s.mu.Unlock()

	if len(answers) == 0 {
		return domain.PRD{}, fmt.Errorf("%w: answers are required", domain.ErrInvalidInput)
	}
	encoded, err := json.Marshal(answers)
	if err != nil {
		return domain.PRD{}, fmt.Errorf("encode answers: %w", err)
	}
	reply, err := s.textgen.Generate(ctx, promptPRD, map[string]string{
		"problem": problem,
		"answers": string(encoded),
	})
	if err != nil {
		return domain.PRD{}, fmt.Errorf("generate requirements: %w", err)
	}
	var prd domain.PRD
	if err := json.Unmarshal([]byte(reply), &prd); err != nil {
		return domain.PRD{}, fmt.Errorf("%w: requirements reply is not valid JSON: %v", domain.ErrProvider, err)
	}
	if strings.TrimSpace(prd.ProblemStatement) == "" {
		prd.ProblemStatement = problem
	}

	s.mu.Lock()
	s.answers = answers
	s.prd = prd
	s.hasPRD = true
	s.setPhaseLocked(ctx, PhasePlanning)
	s.mu.Unlock()
	return prd, nil
}

// PlanOrganization materializes the organization and its work for the
// current requirements document by appending the planner's patch set.
func (s *Service) PlanOrganization(ctx context.Context) error {
	s.mu.Lock()
	if !s.hasPRD {
		s.mu.Unlock()
		return fmt.Errorf("%w: no requirements document, run discovery first", domain.ErrInvalidInput)
	}
	prd, budgetUSD := s.prd, s.budgetUSD
	s.mu.Unlock()

	patches, err := s.planner.Plan(prd, budgetUSD)
	if err != nil {
		return fmt.Errorf("plan organization: %w", err)
	}
	if err := s.log.AppendAll(ctx, patches); err != nil {
		return fmt.Errorf("apply plan: %w", err)
	}

	s.mu.Lock()
	s.setPhaseLocked(ctx, PhaseExecution)
	s.mu.Unlock()
	s.logger.Printf("orchestrator: planned %d agents, %d tasks", len(s.log.Graph().Agents()), len(s.log.Graph().Tasks()))
	return nil
}

// Result is the outcome of a full run: the scheduler's tally plus the final
// org health report.
type Result struct {
	Summary scheduler.Summary `json:"summary"`
	Report  metrics.Report    `json:"report"`
}

// Execute runs every planned task to a terminal state and computes the final
// health report. Reorg may be called concurrently while this runs.
func (s *Service) Execute(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.phase != PhaseExecution {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: nothing planned to execute", domain.ErrInvalidInput)
	}
	s.mu.Unlock()

	summary, err := s.sched.Run(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("execute: %w", err)
	}
	report := s.engine.Compute(s.log.Graph())

	s.mu.Lock()
	s.setPhaseLocked(ctx, PhaseComplete)
	s.mu.Unlock()
	return Result{Summary: summary, Report: report}, nil
}

// Reorg applies a mid-run requirements or budget change. Dispatch is paused
// while the planner's diff patches land, then budget alerts are recomputed
// against the new caps.
func (s *Service) Reorg(ctx context.Context, prd domain.PRD, newBudgetUSD float64) error {
	s.mu.Lock()
	if !s.hasPRD {
		s.mu.Unlock()
		return fmt.Errorf("%w: nothing planned to reorganize", domain.ErrInvalidInput)
	}
	s.mu.Unlock()

	resume := s.sched.Pause()
	defer resume()

	patches, err := s.planner.Reorg(s.log.Graph(), prd, newBudgetUSD)
	if err != nil {
		return fmt.Errorf("plan reorg: %w", err)
	}
	if err := s.log.AppendAll(ctx, patches); err != nil {
		return fmt.Errorf("apply reorg: %w", err)
	}
	s.ctrl.Reset()
	if _, err := s.ctrl.Reevaluate(ctx); err != nil {
		return fmt.Errorf("reevaluate budget: %w", err)
	}

	s.mu.Lock()
	s.prd = prd
	if newBudgetUSD > 0 {
		s.budgetUSD = newBudgetUSD
	}
	s.mu.Unlock()
	s.logger.Printf("orchestrator: reorg applied, %d patches", len(patches))
	return nil
}

func (s *Service) setPhaseLocked(ctx context.Context, next Phase) {
	if s.phase == next {
		return
	}
	prev := s.phase
	s.phase = next
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"from": string(prev), "to": string(next)})
	s.bus.Publish(ctx, domain.Event{Kind: domain.EventPhaseChanged, Payload: payload})
}

// state is the serialized pipeline position. The patch log persists
// separately; importing state does not replay the graph.
type state struct {
	Phase     Phase       `json:"phase"`
	Problem   string      `json:"problem,omitempty"`
	BudgetUSD float64     `json:"budget_usd,omitempty"`
	Questions []string    `json:"questions,omitempty"`
	Answers   []string    `json:"answers,omitempty"`
	PRD       *domain.PRD `json:"prd,omitempty"`
}

// ExportState captures the pipeline position so a run can resume in a new
// process alongside the persisted patch log.
func (s *Service) ExportState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := state{
		Phase:     s.phase,
		Problem:   s.problem,
		BudgetUSD: s.budgetUSD,
		Questions: s.questions,
		Answers:   s.answers,
	}
	if s.hasPRD {
		prd := s.prd
		st.PRD = &prd
	}
	out, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("export state: %w", err)
	}
	return out, nil
}

// ImportState restores a previously exported pipeline position.
func (s *Service) ImportState(data []byte) error {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: decode state: %v", domain.ErrInvalidInput, err)
	}
	switch st.Phase {
	case PhaseStartup, PhaseDiscovery, PhasePlanning, PhaseExecution, PhaseComplete:
	default:
		return fmt.Errorf("%w: unknown phase %q", domain.ErrInvalidInput, st.Phase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = st.Phase
	s.problem = st.Problem
	s.budgetUSD = st.BudgetUSD
	s.questions = st.Questions
	s.answers = st.Answers
	s.hasPRD = st.PRD != nil
	if st.PRD != nil {
		s.prd = *st.PRD
	}
	return nil
}

// Package scheduler dispatches ready tasks to the execution backend under
// the budget gate, records every transition as patches and events, and
// drives a run to its terminal state.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"orgrun/internal/budget"
	"orgrun/internal/domain"
	"orgrun/internal/events"
	"orgrun/internal/patch"
)

// Backend executes a single task. Implementations live in internal/backend.
type Backend interface {
	Execute(ctx context.Context, req domain.TaskRequest) (domain.TaskResult, error)
}

type Config struct {
	Concurrency  int
	MaxRetries   int
	TaskDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 2 * time.Minute
	}
	return c
}

// Summary is the terminal report of a run.
type Summary struct {
	Success      bool              `json:"success"`
	Done         int               `json:"done"`
	Failed       int               `json:"failed"`
	Skipped      int               `json:"skipped"`
	TotalCostUSD float64           `json:"total_cost_usd"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
}

type Scheduler struct {
	cfg     Config
	log     *patch.Log
	ctrl    *budget.Controller
	bus     *events.Bus
	backend Backend
	logger  *log.Logger

	// dispatchMu is the exclusive lock a reorg takes to block new dispatch
	// while its patch set lands. The run loop holds it for every scan.
	dispatchMu sync.Mutex
	aborted    atomic.Bool
	attempts   map[string]int
}

func New(l *patch.Log, ctrl *budget.Controller, bus *events.Bus, backend Backend, cfg Config, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		log:      l,
		ctrl:     ctrl,
		bus:      bus,
		backend:  backend,
		logger:   logger,
		attempts: make(map[string]int),
	}
}

// Pause blocks new dispatch until the returned resume func is called.
// In-flight tasks keep running under their pre-pause contracts.
func (s *Scheduler) Pause() (resume func()) {
	s.dispatchMu.Lock()
	var once sync.Once
	return func() { once.Do(s.dispatchMu.Unlock) }
}

// Abort stops new dispatch; pending tasks are skipped, running tasks finish
// or hit their per-task deadline.
func (s *Scheduler) Abort() {
	s.aborted.Store(true)
}

type execResult struct {
	taskID string
	est    float64
	res    domain.TaskResult
	err    error
}

// Run drives the graph to a terminal state: no task left pending, ready or
// running. It returns the run summary; the error reports infrastructure
// failures, not task failures.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	results := make(chan execResult, s.cfg.Concurrency)
	inflight := 0
	done := ctx.Done()

	for {
		if ctx.Err() != nil {
			s.aborted.Store(true)
		}

		launched, err := s.dispatchBatch(ctx, results, &inflight)
		if err != nil {
			return Summary{}, err
		}

		if inflight == 0 {
			if launched {
				continue
			}
			if err := s.drainUnreachable(ctx); err != nil {
				return Summary{}, err
			}
			break
		}

		select {
		case r := <-results:
			inflight--
			if err := s.handleResult(ctx, r); err != nil {
				return Summary{}, err
			}
		case <-done:
			s.aborted.Store(true)
			done = nil // only wait on in-flight results from here on
		}
	}

	sum := s.summarize()
	s.bus.Publish(ctx, domain.Event{Kind: domain.EventRunComplete, Payload: mustJSON(sum)})
	return sum, nil
}

// dispatchBatch scans for ready tasks and launches them up to the
// concurrency limit, holding the dispatch lock for the whole scan.
func (s *Scheduler) dispatchBatch(ctx context.Context, results chan<- execResult, inflight *int) (bool, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if s.aborted.Load() {
		return false, s.skipPending(ctx, "aborted")
	}

	launched := false
	g := s.log.Graph()
	for _, snap := range g.Tasks() {
		if *inflight >= s.cfg.Concurrency {
			break
		}
		// re-read, an earlier dispatch in this scan may have cascaded
		t, ok := g.Task(snap.ID)
		if !ok || t.Excluded || t.Status != domain.TaskStatusPending {
			continue
		}
		if !s.depsDone(t.ID) {
			continue
		}
		missing, err := g.MissingInputs(t.ID)
		if err != nil || len(missing) > 0 {
			continue
		}

		prevAlert := g.Budget().Alert
		if err := s.ctrl.Admit(ctx, t.EstCostUSD); err != nil {
			if !errors.Is(err, domain.ErrBudgetExceeded) {
				return launched, err
			}
			if lvl := g.Budget().Alert; lvl != prevAlert {
				s.bus.Publish(ctx, domain.Event{Kind: domain.EventBudgetAlertChanged, Payload: mustJSON(map[string]any{
					"level": lvl, "recommendations": budget.Recommendations(lvl),
				})})
			}
			// denial is final for the task, no retry is consumed
			if err := s.failTask(ctx, t.ID, "budget-exceeded"); err != nil {
				return launched, err
			}
			launched = true
			continue
		}

		if err := s.markRunning(ctx, t); err != nil {
			return launched, err
		}
		req := domain.TaskRequest{
			TaskID:      t.ID,
			Description: t.Description,
			Contract:    t.Contract,
			Inputs:      g.InputValues(t.ID),
		}
		if a, ok := g.Agent(t.AgentID); ok {
			req.AgentID = a.ID
			req.AgentRole = a.Role
			req.Tier = a.Tier
		}
		*inflight++
		launched = true
		go s.execute(ctx, req, t.EstCostUSD, results)
	}
	return launched, nil
}

func (s *Scheduler) execute(ctx context.Context, req domain.TaskRequest, est float64, results chan<- execResult) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TaskDeadline)
	defer cancel()
	res, err := s.backend.Execute(tctx, req)
	if err != nil && !errors.Is(err, domain.ErrProvider) {
		err = fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}
	results <- execResult{taskID: req.TaskID, est: est, res: res, err: err}
}

func (s *Scheduler) handleResult(ctx context.Context, r execResult) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if r.err != nil {
		s.ctrl.Release(r.est) // no spend to settle
		s.attempts[r.taskID]++
		if s.attempts[r.taskID] <= s.cfg.MaxRetries && !s.aborted.Load() {
			s.logger.Printf("scheduler: task %s attempt %d failed, retrying: %v", r.taskID, s.attempts[r.taskID], r.err)
			if err := s.applyTask(ctx, r.taskID, "last_error", r.err.Error(), "backend error, retrying"); err != nil {
				return err
			}
			if err := s.applyTask(ctx, r.taskID, "status", domain.TaskStatusPending, "retry"); err != nil {
				return err
			}
			s.bus.Publish(ctx, domain.Event{Kind: domain.EventTaskRetried, Payload: mustJSON(map[string]any{
				"task_id": r.taskID, "attempt": s.attempts[r.taskID], "error": r.err.Error(),
			})})
			return nil
		}
		return s.failTask(ctx, r.taskID, r.err.Error())
	}

	if err := s.applyTask(ctx, r.taskID, "outputs", r.res.Outputs, "backend outputs"); err != nil {
		return err
	}
	if err := s.applyTask(ctx, r.taskID, "actual_cost_usd", r.res.CostUSD, "backend cost"); err != nil {
		return err
	}
	if err := s.applyTask(ctx, r.taskID, "status", domain.TaskStatusDone, "backend success"); err != nil {
		return err
	}
	s.bus.Publish(ctx, domain.Event{Kind: domain.EventTaskComplete, Payload: mustJSON(map[string]any{
		"task_id": r.taskID, "cost_usd": r.res.CostUSD, "summary": r.res.Summary,
	})})

	d, err := s.ctrl.RecordSpend(ctx, r.res.CostUSD, r.est)
	if err != nil {
		return err
	}
	return s.applyDirective(ctx, d)
}

// depsDone reports whether every dependency of a task reached DONE.
func (s *Scheduler) depsDone(taskID string) bool {
	g := s.log.Graph()
	for _, dep := range g.Dependencies(taskID) {
		t, ok := g.Task(dep)
		if !ok || t.Status != domain.TaskStatusDone {
			return false
		}
	}
	return true
}

func (s *Scheduler) markRunning(ctx context.Context, t domain.TaskSpec) error {
	if err := s.applyTask(ctx, t.ID, "status", domain.TaskStatusRunning, "dispatch"); err != nil {
		return err
	}
	s.bus.Publish(ctx, domain.Event{Kind: domain.EventDispatchStart, Payload: mustJSON(map[string]any{
		"task_id": t.ID, "agent_id": t.AgentID, "est_cost_usd": t.EstCostUSD,
	})})
	return nil
}

// failTask marks a task FAILED and cascades SKIPPED through dependents whose
// required inputs can no longer be produced.
func (s *Scheduler) failTask(ctx context.Context, taskID, reason string) error {
	if err := s.applyTask(ctx, taskID, "last_error", reason, "failure"); err != nil {
		return err
	}
	if err := s.applyTask(ctx, taskID, "status", domain.TaskStatusFailed, reason); err != nil {
		return err
	}
	s.bus.Publish(ctx, domain.Event{Kind: domain.EventTaskFailed, Payload: mustJSON(map[string]any{
		"task_id": taskID, "error": reason,
	})})

	t, _ := s.log.Graph().Task(taskID)
	if t.Optional {
		return nil
	}
	return s.cascadeSkip(ctx, taskID)
}

func (s *Scheduler) cascadeSkip(ctx context.Context, fromID string) error {
	g := s.log.Graph()
	queue := g.Dependents(fromID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t, ok := g.Task(id)
		if !ok || t.Status != domain.TaskStatusPending {
			continue
		}
		if !g.InputBlocked(id) {
			continue // an alternate producer can still satisfy the contract
		}
		if err := s.skipTask(ctx, id, "upstream failure"); err != nil {
			return err
		}
		queue = append(queue, g.Dependents(id)...)
	}
	return nil
}

func (s *Scheduler) skipTask(ctx context.Context, taskID, reason string) error {
	if err := s.applyTask(ctx, taskID, "status", domain.TaskStatusSkipped, reason); err != nil {
		return err
	}
	s.bus.Publish(ctx, domain.Event{Kind: domain.EventTaskSkipped, Payload: mustJSON(map[string]any{
		"task_id": taskID, "reason": reason,
	})})
	return nil
}

func (s *Scheduler) skipPending(ctx context.Context, reason string) error {
	for _, t := range s.log.Graph().Tasks() {
		if t.Excluded || t.Status != domain.TaskStatusPending {
			continue
		}
		if err := s.skipTask(ctx, t.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

// drainUnreachable skips whatever is still pending once nothing can make
// progress: tasks downstream of failures that kept no viable path.
func (s *Scheduler) drainUnreachable(ctx context.Context) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.skipPending(ctx, "unreachable")
}

// applyDirective turns a budget escalation into graph patches.
func (s *Scheduler) applyDirective(ctx context.Context, d budget.Directive) error {
	if !d.Changed {
		return nil
	}
	s.bus.Publish(ctx, domain.Event{Kind: domain.EventBudgetAlertChanged, Payload: mustJSON(map[string]any{
		"level": d.Level, "recommendations": d.Recommendations,
	})})
	g := s.log.Graph()

	if d.StepDownTiers {
		for _, a := range g.Agents() {
			if a.Excluded {
				continue
			}
			next := a.Tier.Downgrade()
			if next == a.Tier {
				continue
			}
			if err := s.applyNodeField(ctx, a.ID, "tier", next, "budget downgrade"); err != nil {
				return err
			}
		}
		s.bus.Publish(ctx, domain.Event{Kind: domain.EventBudgetDowngrade, Payload: mustJSON(map[string]any{
			"step": "tier",
		})})
	}
	if d.PruneOptionalTools {
		for _, a := range g.Agents() {
			if a.Excluded {
				continue
			}
			kept := a.Tools[:0:0]
			for _, tool := range a.Tools {
				if !tool.Optional {
					kept = append(kept, tool)
				}
			}
			if len(kept) == len(a.Tools) {
				continue
			}
			if err := s.applyNodeField(ctx, a.ID, "tools", kept, "budget downgrade"); err != nil {
				return err
			}
		}
		s.bus.Publish(ctx, domain.Event{Kind: domain.EventBudgetDowngrade, Payload: mustJSON(map[string]any{
			"step": "tools",
		})})
	}
	if d.SkipLowestPriority {
		lowest := 0
		found := false
		for _, t := range g.Tasks() {
			if t.Excluded || t.Status != domain.TaskStatusPending {
				continue
			}
			if !found || t.Priority < lowest {
				lowest = t.Priority
				found = true
			}
		}
		for _, t := range g.Tasks() {
			if !found || t.Excluded || t.Status != domain.TaskStatusPending || t.Priority != lowest {
				continue
			}
			if err := s.skipTask(ctx, t.ID, "budget downgrade"); err != nil {
				return err
			}
		}
		s.bus.Publish(ctx, domain.Event{Kind: domain.EventBudgetDowngrade, Payload: mustJSON(map[string]any{
			"step": "skip", "priority": lowest,
		})})
	}
	return nil
}

func (s *Scheduler) summarize() Summary {
	g := s.log.Graph()
	sum := Summary{Success: true, Artifacts: map[string]string{}}
	for _, t := range g.Tasks() {
		if t.Excluded {
			continue
		}
		switch t.Status {
		case domain.TaskStatusDone:
			sum.Done++
			for k, v := range t.Outputs {
				sum.Artifacts[k] = v
			}
		case domain.TaskStatusFailed:
			sum.Failed++
			if !t.Optional {
				sum.Success = false
			}
		case domain.TaskStatusSkipped:
			sum.Skipped++
		}
	}
	sum.TotalCostUSD = g.Budget().SpentUSD
	return sum
}

func (s *Scheduler) applyTask(ctx context.Context, taskID, field string, v any, reason string) error {
	return s.applyNodeField(ctx, taskID, field, v, reason)
}

func (s *Scheduler) applyNodeField(ctx context.Context, nodeID, field string, v any, reason string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", nodeID, field, err)
	}
	_, err = s.log.Append(ctx, domain.PatchRecord{
		Op: domain.PatchOpReplace, Path: "/nodes/" + nodeID + "/" + field, Value: raw, Reason: reason,
	})
	return err
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

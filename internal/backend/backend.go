// Package backend provides task-execution adapters: a deterministic
// scripted one for tests and demos, and one that shells out to an external
// executor binary.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"orgrun/internal/domain"
)

// Scripted fulfils every task contract deterministically: each declared
// output gets a synthesized value and the cost is a fixed per-tier amount.
// Failures can be scripted per task to exercise retry and skip paths.
type Scripted struct {
	mu         sync.Mutex
	costByTier map[domain.ModelTier]float64
	failTimes  map[string]int
	latency    time.Duration
}

func NewScripted() *Scripted {
	return &Scripted{
		costByTier: map[domain.ModelTier]float64{
			domain.TierPremium:  8,
			domain.TierStandard: 4,
			domain.TierEconomy:  2,
		},
		failTimes: map[string]int{},
	}
}

// FailNext makes the next n executions of a task return a provider error.
func (s *Scripted) FailNext(taskID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTimes[taskID] = n
}

// SetCost overrides the per-execution cost for a tier.
func (s *Scripted) SetCost(tier domain.ModelTier, usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costByTier[tier] = usd
}

// SetLatency adds a fixed delay per execution.
func (s *Scripted) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

func (s *Scripted) Execute(ctx context.Context, req domain.TaskRequest) (domain.TaskResult, error) {
	s.mu.Lock()
	latency := s.latency
	cost := s.costByTier[req.Tier]
	fail := s.failTimes[req.TaskID] > 0
	if fail {
		s.failTimes[req.TaskID]--
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return domain.TaskResult{}, fmt.Errorf("%w: %v", domain.ErrProvider, ctx.Err())
		}
	}
	if fail {
		return domain.TaskResult{}, fmt.Errorf("%w: scripted failure for task %s", domain.ErrProvider, req.TaskID)
	}
	if cost == 0 {
		cost = 2
	}

	outputs := make(map[string]string, len(req.Contract.Outputs))
	var names []string
	for _, out := range req.Contract.Outputs {
		outputs[out.Name] = fmt.Sprintf("%s for %q by %s", out.Name, req.Description, req.AgentID)
		names = append(names, out.Name)
	}
	sort.Strings(names)
	return domain.TaskResult{
		Outputs: outputs,
		CostUSD: cost,
		Summary: fmt.Sprintf("produced %s", strings.Join(names, ", ")),
	}, nil
}

// Command executes tasks through an external binary: the task request is
// written to stdin as JSON and the result is read from stdout as JSON.
type Command struct {
	binary  string
	workdir string
	logger  *log.Logger
}

func NewCommand(binary, workdir string, logger *log.Logger) *Command {
	if strings.TrimSpace(binary) == "" {
		binary = "orgrun-exec"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Command{binary: binary, workdir: workdir, logger: logger}
}

func (c *Command) Execute(ctx context.Context, req domain.TaskRequest) (domain.TaskResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("encode task request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binary)
	cmd.Dir = c.workdir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return domain.TaskResult{}, fmt.Errorf("%w: %s failed for task %s: %v; stderr: %s",
			domain.ErrProvider, c.binary, req.TaskID, err, strings.TrimSpace(stderr.String()))
	}

	var res domain.TaskResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return domain.TaskResult{}, fmt.Errorf("%w: parse %s output for task %s: %v",
			domain.ErrProvider, c.binary, req.TaskID, err)
	}
	if res.CostUSD < 0 {
		return domain.TaskResult{}, fmt.Errorf("%w: %s reported negative cost for task %s",
			domain.ErrProvider, c.binary, req.TaskID)
	}
	c.logger.Printf("backend: %s finished task %s (cost %.4f)", c.binary, req.TaskID, res.CostUSD)
	return res, nil
}

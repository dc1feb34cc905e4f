// Package budget tracks spend against the run's caps, raises alert levels
// and decides degradation steps when spend approaches the hard cap.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"orgrun/internal/domain"
	"orgrun/internal/patch"
)

// Thresholds are the alert boundaries, expressed as fractions of the hard
// cap except for the soft cap which is an absolute amount in the budget model.
type Thresholds struct {
	WarnFrac      float64
	CriticalFrac  float64
	EmergencyFrac float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.WarnFrac <= 0 {
		t.WarnFrac = 0.70
	}
	if t.CriticalFrac <= 0 {
		t.CriticalFrac = 0.90
	}
	if t.EmergencyFrac <= 0 {
		t.EmergencyFrac = 0.99
	}
	return t
}

// Directive tells the scheduler which degradation step to take after an
// alert escalation. At most one of the step fields is set per escalation.
type Directive struct {
	Level              domain.AlertLevel
	Changed            bool
	StepDownTiers      bool
	PruneOptionalTools bool
	SkipLowestPriority bool
	Recommendations    []string
}

// Controller serializes all spend accounting for a run. Every admit check
// and spend record goes through its mutex so concurrent task completions
// cannot overshoot the hard cap between read and write.
type Controller struct {
	mu         sync.Mutex
	log        *patch.Log
	th         Thresholds
	logger     *log.Logger
	escalation int
	reserved   float64
}

func NewController(l *patch.Log, th Thresholds, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{log: l, th: th.withDefaults(), logger: logger}
}

// Evaluate maps a spend level onto an alert level. Boundaries are checked
// from most to least severe so a spend deep into the hard cap reports the
// hard-cap alert even when it also clears the soft cap.
func (c *Controller) Evaluate(b domain.BudgetModel) domain.AlertLevel {
	if b.HardCapUSD <= 0 {
		return domain.AlertNormal
	}
	frac := b.SpentUSD / b.HardCapUSD
	switch {
	case frac >= c.th.EmergencyFrac:
		return domain.AlertEmergency
	case frac >= c.th.CriticalFrac:
		return domain.AlertCritical
	case b.SpentUSD >= b.SoftCapUSD:
		return domain.AlertExceededSoft
	case frac >= c.th.WarnFrac:
		return domain.AlertWarning
	default:
		return domain.AlertNormal
	}
}

// Admit reports whether a unit of work with the given projected cost may
// start, and reserves that projection until RecordSpend or Release settles
// it. Reservations are what keep two concurrent dispatches from jointly
// overspending past the hard cap. A projection that would breach the hard
// cap is an emergency in its own right, so a denial journals that alert.
func (c *Controller) Admit(ctx context.Context, projectedUSD float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.log.Graph().Budget()
	projected := b.SpentUSD + c.reserved + projectedUSD
	if projected > b.HardCapUSD {
		if b.Alert != domain.AlertEmergency {
			lv, err := json.Marshal(domain.AlertEmergency)
			if err == nil {
				_, err = c.log.Append(ctx, domain.PatchRecord{
					Op: domain.PatchOpReplace, Path: "/budget/alert", Value: lv,
					Reason: fmt.Sprintf("projected spend %.2f would exceed hard cap %.2f", projected, b.HardCapUSD),
				})
			}
			if err != nil {
				c.logger.Printf("budget: journal emergency alert: %v", err)
			}
		}
		return fmt.Errorf("%w: projected spend %.2f over hard cap %.2f",
			domain.ErrBudgetExceeded, projected, b.HardCapUSD)
	}
	c.reserved += projectedUSD
	return nil
}

// Release frees an admitted reservation whose work ended without spend.
func (c *Controller) Release(projectedUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved -= projectedUSD
	if c.reserved < 0 {
		c.reserved = 0
	}
}

// RecordSpend settles an admitted reservation: the estimate is released,
// the actual cost is added to the running total (never past the hard cap),
// the alert level is
// re-evaluated and, on an upward crossing, the next degradation directive is
// returned. The spend and any alert change are journaled as patches.
func (c *Controller) RecordSpend(ctx context.Context, costUSD, taskEstimateUSD float64) (Directive, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reserved -= taskEstimateUSD
	if c.reserved < 0 {
		c.reserved = 0
	}
	b := c.log.Graph().Budget()
	prev := b.Alert

	// Spend is never journaled past the hard cap. The over-cap remainder of
	// an estimate overrun is refused, and the alert goes straight to
	// emergency instead.
	spend := costUSD
	capped := false
	if b.SpentUSD+spend > b.HardCapUSD {
		spend = b.HardCapUSD - b.SpentUSD
		if spend < 0 {
			spend = 0
		}
		capped = true
	}
	b.SpentUSD += spend

	if spend > 0 {
		reason := fmt.Sprintf("task cost %.4f", costUSD)
		if capped {
			reason = fmt.Sprintf("task cost %.4f, journaled %.4f at hard cap", costUSD, spend)
		}
		v, err := json.Marshal(b.SpentUSD)
		if err != nil {
			return Directive{}, fmt.Errorf("encode spend: %w", err)
		}
		if _, err := c.log.Append(ctx, domain.PatchRecord{
			Op: domain.PatchOpReplace, Path: "/budget/spent_usd", Value: v,
			Reason: reason,
		}); err != nil {
			return Directive{}, err
		}
	}

	level := c.Evaluate(b)
	if capped {
		level = domain.AlertEmergency
	}
	// a task overrunning its estimate 2x means the projections are broken;
	// treat anything past the soft cap as an emergency in that case
	if taskEstimateUSD > 0 && costUSD >= 2*taskEstimateUSD && b.SpentUSD >= b.SoftCapUSD {
		level = domain.AlertEmergency
	}
	if level == prev {
		return Directive{Level: level}, nil
	}

	lv, err := json.Marshal(level)
	if err != nil {
		return Directive{}, fmt.Errorf("encode alert: %w", err)
	}
	if _, err := c.log.Append(ctx, domain.PatchRecord{
		Op: domain.PatchOpReplace, Path: "/budget/alert", Value: lv,
		Reason: fmt.Sprintf("alert %s -> %s at spend %.2f", prev, level, b.SpentUSD),
	}); err != nil {
		return Directive{}, err
	}
	c.logger.Printf("budget: alert %s -> %s (spent %.2f of %.2f)", prev, level, b.SpentUSD, b.HardCapUSD)

	d := Directive{Level: level, Changed: true, Recommendations: Recommendations(level)}
	if level.Rank() > prev.Rank() {
		c.applyEscalation(&d, b)
	}
	return d, nil
}

// applyEscalation assigns the next step of the degradation ladder: first
// step tiers down, then prune optional tools, then skip low-priority work.
// Skipping additionally requires the soft cap to already be exceeded.
func (c *Controller) applyEscalation(d *Directive, b domain.BudgetModel) {
	c.escalation++
	switch {
	case c.escalation == 1:
		d.StepDownTiers = true
	case c.escalation == 2:
		d.PruneOptionalTools = true
	default:
		if b.SpentUSD >= b.SoftCapUSD {
			d.SkipLowestPriority = true
		} else {
			d.PruneOptionalTools = true
		}
	}
}

// Reset clears the escalation ladder, typically after a reorg changed the
// caps or the plan enough that earlier degradation no longer applies.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalation = 0
}

// Reevaluate recomputes the alert level from the current budget, journaling
// a patch when it changed. Used after reorgs that adjust the caps.
func (c *Controller) Reevaluate(ctx context.Context) (domain.AlertLevel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.log.Graph().Budget()
	level := c.Evaluate(b)
	if level == b.Alert {
		return level, nil
	}
	lv, err := json.Marshal(level)
	if err != nil {
		return level, fmt.Errorf("encode alert: %w", err)
	}
	if _, err := c.log.Append(ctx, domain.PatchRecord{
		Op: domain.PatchOpReplace, Path: "/budget/alert", Value: lv,
		Reason: "reevaluated after plan change",
	}); err != nil {
		return level, err
	}
	return level, nil
}

// Recommendations returns operator-facing advice for an alert level.
func Recommendations(level domain.AlertLevel) []string {
	switch level {
	case domain.AlertWarning:
		return []string{
			"review remaining task estimates against the hard cap",
			"prefer standard or economy tiers for new work",
		}
	case domain.AlertExceededSoft:
		return []string{
			"soft cap exceeded; defer optional tasks",
			"raise the soft cap or cut scope before continuing",
		}
	case domain.AlertCritical:
		return []string{
			"pause non-essential work",
			"downgrade remaining agents to economy tier",
			"raise the hard cap if the remaining scope must complete",
		}
	case domain.AlertEmergency:
		return []string{
			"stop dispatching new tasks",
			"only already-running work will finish",
			"a reorg with a larger budget is required to resume",
		}
	default:
		return nil
	}
}

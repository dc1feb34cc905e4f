package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"orgrun/internal/domain"
)

// TextGen produces free-form text for the discovery steps. Implementations
// receive the prompt plus a key/value context and return the raw reply; the
// service is responsible for parsing it.
type TextGen interface {
	Generate(ctx context.Context, prompt string, extra map[string]string) (string, error)
}

const (
	promptQuestions = "List the discovery questions a project lead would ask before planning this work. One question per line."
	promptPRD       = "Turn the problem statement and discovery answers into a requirements document. Reply with a single JSON object."
)

// Offline is a deterministic TextGen for tests, demos, and air-gapped runs.
// Questions are a fixed checklist; the requirements document is derived
// mechanically from the problem statement and the answers.
type Offline struct{}

func (Offline) Generate(_ context.Context, prompt string, extra map[string]string) (string, error) {
	switch prompt {
	case promptQuestions:
		return strings.Join([]string{
			"Who are the primary users of this solution?",
			"What are the top success criteria that would define completion?",
			"What technical constraints must be met?",
			"What is the expected timeline for delivery?",
			"Are there existing systems or data sources to integrate with?",
		}, "\n"), nil
	case promptPRD:
		return offlinePRD(extra)
	default:
		return "", fmt.Errorf("%w: unrecognized prompt", domain.ErrInvalidInput)
	}
}

func offlinePRD(extra map[string]string) (string, error) {
	problem := strings.TrimSpace(extra["problem"])
	if problem == "" {
		return "", fmt.Errorf("%w: problem statement is required", domain.ErrInvalidInput)
	}
	var answers []string
	if raw := extra["answers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &answers); err != nil {
			return "", fmt.Errorf("decode answers: %w", err)
		}
	}

	prd := domain.PRD{
		Title:            firstLine(problem),
		ProblemStatement: problem,
		Domain:           "general",
	}
	// One objective per substantive answer; the first answer is treated as
	// the audience, the rest become constraints past the objective cap.
	for i, a := range answers {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if len(prd.Objectives) < 4 {
			prd.Objectives = append(prd.Objectives, domain.Objective{
				ID:          fmt.Sprintf("obj-%d", i+1),
				Title:       firstLine(a),
				Description: a,
			})
		} else {
			prd.Constraints = append(prd.Constraints, a)
		}
	}
	if len(prd.Objectives) == 0 {
		prd.Objectives = []domain.Objective{{ID: "obj-1", Title: "Deliver the solution", Description: problem}}
	}
	prd.SuccessCriteria = []string{"satisfies the problem statement"}

	out, err := json.Marshal(prd)
	if err != nil {
		return "", fmt.Errorf("encode requirements: %w", err)
	}
	return string(out), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		s = strings.TrimSpace(s[:80])
	}
	return s
}

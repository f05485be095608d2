package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when an advisory response cannot be mapped onto
// the typed contract.
var ErrMalformed = errors.New("malformed advisory response")

// envelope is the {"success", "error", "analysis"|"plan"} wrapper some
// advisory services put around the payload.
type envelope struct {
	Success  *bool           `json:"success"`
	Error    string          `json:"error"`
	Analysis json.RawMessage `json:"analysis"`
	Plan     json.RawMessage `json:"plan"`
}

// unwrap strips markdown fences and an optional envelope and returns the
// payload object.
func unwrap(raw []byte) ([]byte, error) {
	body := stripFences(raw)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.Success != nil && !*env.Success {
		msg := env.Error
		if msg == "" {
			msg = "advisory service reported failure"
		}
		return nil, errors.New(msg)
	}

	switch {
	case len(env.Analysis) > 0 && !bytes.Equal(env.Analysis, []byte("null")):
		return env.Analysis, nil
	case len(env.Plan) > 0 && !bytes.Equal(env.Plan, []byte("null")):
		return env.Plan, nil
	}
	return body, nil
}

// stripFences removes a surrounding ``` or ```json block.
func stripFences(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return []byte(strings.TrimSpace(s))
}

func normalizeLevel(l Level, fallback Level) Level {
	l = Level(strings.ToLower(strings.TrimSpace(string(l))))
	if !l.valid() {
		return fallback
	}
	return l
}

// ParseReadiness maps a raw readiness response onto Readiness. A missing
// ready flag is malformed. Unknown risk ratings are treated as high.
func ParseReadiness(raw []byte) (*Readiness, error) {
	payload, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	var loose struct {
		Readiness
		Ready *bool `json:"ready"`
	}
	if err := json.Unmarshal(payload, &loose); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if loose.Ready == nil {
		return nil, fmt.Errorf("%w: missing ready", ErrMalformed)
	}

	r := loose.Readiness
	r.Ready = *loose.Ready
	r.Risk = normalizeLevel(r.Risk, LevelHigh)
	r.Confidence = normalizeLevel(r.Confidence, LevelLow)
	r.Fallback = false
	return &r, nil
}

// ParsePlan maps a raw plan response onto Plan. Steps may be plain strings or
// objects.
func ParsePlan(raw []byte) (*Plan, error) {
	payload, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	var loose struct {
		Summary           string            `json:"summary"`
		Steps             []json.RawMessage `json:"steps"`
		EstimatedDowntime string            `json:"estimated_downtime"`
		RollbackPlan      string            `json:"rollback_plan"`
	}
	if err := json.Unmarshal(payload, &loose); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(loose.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", ErrMalformed)
	}

	plan := &Plan{
		Summary:           loose.Summary,
		EstimatedDowntime: loose.EstimatedDowntime,
		RollbackPlan:      loose.RollbackPlan,
	}
	for i, rawStep := range loose.Steps {
		var text string
		if err := json.Unmarshal(rawStep, &text); err == nil {
			plan.Steps = append(plan.Steps, PlanStep{Step: i + 1, Description: text})
			continue
		}
		var step PlanStep
		if err := json.Unmarshal(rawStep, &step); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrMalformed, i+1, err)
		}
		if step.Step == 0 {
			step.Step = i + 1
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// ParseAssessment maps a raw result response onto Assessment. An unknown or
// missing recommendation is malformed.
func ParseAssessment(raw []byte) (*Assessment, error) {
	payload, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	var a Assessment
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	a.Recommendation = Recommendation(strings.ToLower(strings.TrimSpace(string(a.Recommendation))))
	if !a.Recommendation.Valid() {
		return nil, fmt.Errorf("%w: unknown recommendation %q", ErrMalformed, a.Recommendation)
	}
	a.Confidence = normalizeLevel(a.Confidence, LevelLow)
	a.Fallback = false
	return &a, nil
}

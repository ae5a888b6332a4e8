package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// errMalformed marks model output that failed strict parsing. Callers
// degrade to "no response" instead of propagating it.
var errMalformed = fmt.Errorf("malformed model output")

// classification is the small-model verdict on whether to respond.
type classification struct {
	Action string `json:"action"`
}

// plan is the single-shot planning result.
type plan struct {
	Thought   string   `json:"thought"`
	Actions   []string `json:"actions"`
	Providers []string `json:"providers"`
	Text      string   `json:"text"`
}

// step is one multi-step planning iteration.
type step struct {
	Thought    string   `json:"thought"`
	Providers  []string `json:"providers"`
	Action     string   `json:"action"`
	IsFinished bool     `json:"is_finished"`
}

// unmarshalLoose tries the raw text first, then falls back to the JSON
// object embedded in markdown fences or mixed prose.
func unmarshalLoose(raw string, v interface{}) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty response", errMalformed)
	}

	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: not valid JSON", errMalformed)
}

// parseClassification requires a non-empty action field; anything less
// is a parse failure, never a silently empty verdict.
func parseClassification(raw string) (classification, error) {
	var c classification
	if err := unmarshalLoose(raw, &c); err != nil {
		return classification{}, err
	}

	c.Action = strings.ToUpper(strings.TrimSpace(c.Action))
	if c.Action == "" {
		return classification{}, fmt.Errorf("%w: classification missing action", errMalformed)
	}
	return c, nil
}

// parsePlan requires both a thought and at least one action.
func parsePlan(raw string) (plan, error) {
	var p plan
	if err := unmarshalLoose(raw, &p); err != nil {
		return plan{}, err
	}

	p.Thought = strings.TrimSpace(p.Thought)
	if p.Thought == "" {
		return plan{}, fmt.Errorf("%w: plan missing thought", errMalformed)
	}

	actions := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a != "" {
			actions = append(actions, a)
		}
	}
	if len(actions) == 0 {
		return plan{}, fmt.Errorf("%w: plan missing actions", errMalformed)
	}
	p.Actions = actions
	p.Providers = cleanNames(p.Providers)
	p.Text = strings.TrimSpace(p.Text)
	return p, nil
}

// parseStep requires a thought; providers and action may both be
// empty, which the multi-step loop treats as a stop signal.
func parseStep(raw string) (step, error) {
	var s step
	if err := unmarshalLoose(raw, &s); err != nil {
		return step{}, err
	}

	s.Thought = strings.TrimSpace(s.Thought)
	if s.Thought == "" {
		return step{}, fmt.Errorf("%w: step missing thought", errMalformed)
	}
	s.Providers = cleanNames(s.Providers)
	s.Action = strings.ToUpper(strings.TrimSpace(s.Action))
	return s, nil
}

func cleanNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range in {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

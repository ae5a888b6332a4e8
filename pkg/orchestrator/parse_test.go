package orchestrator

import (
	"errors"
	"testing"
)

func TestParseClassificationFencedOutput(t *testing.T) {
	raw := "Sure, here's my verdict:\n```json\n{\"action\": \"ignore\"}\n```"
	c, err := parseClassification(raw)
	if err != nil {
		t.Fatalf("expected fenced JSON to parse, got %v", err)
	}
	if c.Action != "IGNORE" {
		t.Errorf("expected normalized action IGNORE, got %q", c.Action)
	}
}

func TestParseClassificationRejectsMissingAction(t *testing.T) {
	_, err := parseClassification(`{"verdict": "yes"}`)
	if !errors.Is(err, errMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestParsePlanRequiresThoughtAndActions(t *testing.T) {
	if _, err := parsePlan(`{"actions":["REPLY"],"text":"hi"}`); !errors.Is(err, errMalformed) {
		t.Errorf("expected missing thought to fail, got %v", err)
	}
	if _, err := parsePlan(`{"thought":"t","actions":[],"text":"hi"}`); !errors.Is(err, errMalformed) {
		t.Errorf("expected empty actions to fail, got %v", err)
	}

	p, err := parsePlan(`{"thought":"t","actions":[" reply "],"providers":["", "entities"],"text":" hi "}`)
	if err != nil {
		t.Fatalf("expected plan to parse, got %v", err)
	}
	if p.Actions[0] != "REPLY" {
		t.Errorf("expected action normalized to REPLY, got %q", p.Actions[0])
	}
	if len(p.Providers) != 1 || p.Providers[0] != "entities" {
		t.Errorf("expected blank provider names dropped, got %v", p.Providers)
	}
	if p.Text != "hi" {
		t.Errorf("expected trimmed text, got %q", p.Text)
	}
}

func TestParseStepAllowsEmptyWork(t *testing.T) {
	s, err := parseStep(`{"thought":"done here","is_finished":true}`)
	if err != nil {
		t.Fatalf("expected step to parse, got %v", err)
	}
	if !s.IsFinished {
		t.Error("expected is_finished carried through")
	}
	if len(s.Providers) != 0 || s.Action != "" {
		t.Errorf("expected no work requested, got providers=%v action=%q", s.Providers, s.Action)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "no json here", "{broken"} {
		if _, err := parseClassification(raw); !errors.Is(err, errMalformed) {
			t.Errorf("input %q: expected malformed error, got %v", raw, err)
		}
	}
}

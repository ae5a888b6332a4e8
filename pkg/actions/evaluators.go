package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/model"
)

// Completer is the slice of the model provider that evaluators need.
type Completer interface {
	Classify(ctx context.Context, messages []model.Message) (*model.Response, error)
}

// ReflectionEvaluator asks the small model for a one-line critique of
// the exchange and logs it. Failures never affect the response that
// already went out.
type ReflectionEvaluator struct {
	Provider Completer
}

func (*ReflectionEvaluator) Name() string { return "reflection" }

func (e *ReflectionEvaluator) Evaluate(ctx context.Context, ac *ActionContext, responseText string) error {
	var b strings.Builder
	b.WriteString("You are reviewing an agent's handling of one message.\n")
	fmt.Fprintf(&b, "Incoming message: %s\n", ac.Message.Content.Text)
	if responseText != "" {
		fmt.Fprintf(&b, "Agent's reply: %s\n", responseText)
	} else {
		b.WriteString("The agent chose not to reply.\n")
	}
	b.WriteString("In one sentence, note anything the agent should do differently next time, or say \"nothing\".")

	resp, err := e.Provider.Classify(ctx, []model.Message{
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return fmt.Errorf("reflection request failed: %w", err)
	}

	note := strings.TrimSpace(resp.Content)
	if note == "" || strings.EqualFold(note, "nothing") {
		return nil
	}

	logger.InfoCF("EVALUATOR", "reflection note", map[string]interface{}{
		"run_id":  ac.RunID,
		"room_id": ac.Room.ID,
		"note":    note,
	})
	return nil
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/memory"
	"github.com/dotsetgreg/turnpike/pkg/model"
)

const singleShotAttempts = 3

const singleShotInstructions = `Decide how to respond to the latest message.
Reply with a JSON object:
{
  "thought": "<your private reasoning>",
  "actions": ["<action name>", ...],
  "providers": ["<context provider name>", ...],
  "text": "<the reply text, empty if not replying>"
}
Use IGNORE as the only action if no reply is warranted.`

// runSingleShot issues one planning call and parses it strictly,
// retrying a bounded number of times on missing fields. Exhaustion
// degrades to no response at the caller.
func (o *Orchestrator) runSingleShot(ctx context.Context, decisionContext string, msg memory.Memory) (plan, error) {
	var b strings.Builder
	b.WriteString(singleShotInstructions)
	b.WriteString("\n\nLatest message:\n")
	b.WriteString(msg.Content.Text)

	messages := []model.Message{
		{Role: "system", Content: decisionContext},
		{Role: "user", Content: b.String()},
	}

	var lastErr error
	for attempt := 1; attempt <= singleShotAttempts; attempt++ {
		resp, err := o.provider.Complete(ctx, messages)
		if err != nil {
			lastErr = err
			continue
		}

		p, err := parsePlan(resp.Content)
		if err != nil {
			logger.DebugCF("ORCHESTRATOR", "plan parse failed, retrying", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			lastErr = err
			continue
		}
		return p, nil
	}

	return plan{}, fmt.Errorf("single-shot planning exhausted %d attempts: %w", singleShotAttempts, lastErr)
}

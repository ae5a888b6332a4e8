package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/turnpike/pkg/actions"
	"github.com/dotsetgreg/turnpike/pkg/events"
	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/model"
)

// StepTrace records one provider or action invocation inside a
// multi-step turn. The trace lives only as long as the turn.
type StepTrace struct {
	Name string
	Kind string // "provider" or "action"
	OK   bool
	Text string
	Err  string
}

const stepInstructions = `You are working through a task one step at a time.
Reply with a JSON object:
{
  "thought": "<your private reasoning>",
  "providers": ["<context provider to consult>", ...],
  "action": "<single action to run, or empty>",
  "is_finished": <true when no more steps are needed>
}`

// runMultiStep drives the iterative plan loop: decide, pull providers,
// run an action, decide again, capped at maxIterations. However the
// loop exits, one summary call over the accumulated trace produces the
// final reply text.
func (o *Orchestrator) runMultiStep(ctx context.Context, ac *actions.ActionContext, decisionContext string) (plan, error) {
	maxIterations := o.cfg.MaxStepIterations
	if maxIterations <= 0 {
		maxIterations = 6
	}

	var trace []StepTrace
	for iteration := 0; iteration < maxIterations; iteration++ {
		s, err := o.planStep(ctx, ac, decisionContext, trace)
		if err != nil {
			logger.DebugCF("ORCHESTRATOR", "step planning failed, stopping loop", map[string]interface{}{
				"iteration": iteration,
				"error":     err.Error(),
			})
			break
		}

		if s.IsFinished {
			break
		}
		if len(s.Providers) == 0 && s.Action == "" {
			// Malformed-output guard: a step that requests nothing
			// and does not finish would loop forever.
			logger.WarnC("ORCHESTRATOR", "step requested no work and did not finish, stopping loop")
			break
		}

		for _, name := range s.Providers {
			trace = append(trace, o.runTraceProvider(ctx, ac, name))
		}
		if s.Action != "" {
			trace = append(trace, o.runTraceAction(ctx, ac, s.Action))
		}
	}

	text, err := o.summarizeTrace(ctx, ac, trace)
	if err != nil {
		return plan{}, err
	}

	return plan{
		Thought: "multi-step plan complete",
		Actions: []string{actions.ActionReply},
		Text:    text,
	}, nil
}

func (o *Orchestrator) planStep(ctx context.Context, ac *actions.ActionContext, decisionContext string, trace []StepTrace) (step, error) {
	var b strings.Builder
	b.WriteString(stepInstructions)
	b.WriteString("\n\nTask: respond to this message:\n")
	b.WriteString(ac.Message.Content.Text)
	if len(trace) > 0 {
		b.WriteString("\n\nWork done so far:\n")
		b.WriteString(renderTrace(trace))
	}

	resp, err := o.provider.Complete(ctx, []model.Message{
		{Role: "system", Content: decisionContext},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return step{}, err
	}
	return parseStep(resp.Content)
}

func (o *Orchestrator) runTraceProvider(ctx context.Context, ac *actions.ActionContext, name string) StepTrace {
	entry := StepTrace{Name: name, Kind: "provider"}

	provider, err := o.registry.Provider(name)
	if err != nil {
		entry.Err = err.Error()
		return entry
	}

	text, err := provider.Provide(ctx, ac)
	if err != nil {
		entry.Err = err.Error()
		return entry
	}

	entry.OK = true
	entry.Text = text
	return entry
}

func (o *Orchestrator) runTraceAction(ctx context.Context, ac *actions.ActionContext, name string) StepTrace {
	entry := StepTrace{Name: name, Kind: "action"}

	action, err := o.registry.Action(name)
	if err != nil {
		entry.Err = err.Error()
		return entry
	}

	o.emitter.Emit(events.Stamp(events.Event{
		Type:  events.ActionStarted,
		RunID: ac.RunID,
		Name:  name,
	}))

	result, err := action.Execute(ctx, ac)

	status := "ok"
	if err != nil {
		status = "error"
		entry.Err = err.Error()
	} else {
		entry.OK = true
		entry.Text = result.Text
	}

	o.emitter.Emit(events.Stamp(events.Event{
		Type:   events.ActionCompleted,
		RunID:  ac.RunID,
		Name:   name,
		Status: status,
	}))
	return entry
}

func (o *Orchestrator) summarizeTrace(ctx context.Context, ac *actions.ActionContext, trace []StepTrace) (string, error) {
	var b strings.Builder
	b.WriteString("Write the final reply to this message:\n")
	b.WriteString(ac.Message.Content.Text)
	if len(trace) > 0 {
		b.WriteString("\n\nWork performed while deciding:\n")
		b.WriteString(renderTrace(trace))
	}
	b.WriteString("\n\nReply with plain text only.")

	resp, err := o.provider.Complete(ctx, []model.Message{
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty summary", errMalformed)
	}
	return text, nil
}

func renderTrace(trace []StepTrace) string {
	var b strings.Builder
	for i, entry := range trace {
		status := "ok"
		if !entry.OK {
			status = "failed: " + entry.Err
		}
		fmt.Fprintf(&b, "%d. [%s] %s (%s)", i+1, entry.Kind, entry.Name, status)
		if entry.Text != "" {
			fmt.Fprintf(&b, "\n%s", entry.Text)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

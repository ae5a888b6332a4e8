package actions

import (
	"context"
	"strings"
)

const (
	ActionReply  = "REPLY"
	ActionIgnore = "IGNORE"
	ActionNone   = "NONE"
)

// ReplyAction sends the planned text back into the room. The outbound
// delivery itself is the caller's job; execution only shapes the text.
type ReplyAction struct{}

func (ReplyAction) Name() string { return ActionReply }

func (ReplyAction) Description() string {
	return "Send a message back into the room where the triggering message arrived."
}

func (ReplyAction) Execute(_ context.Context, ac *ActionContext) (*ActionResult, error) {
	text := strings.TrimSpace(ac.Planned.Text)
	return &ActionResult{Text: text}, nil
}

// IgnoreAction deliberately produces no output.
type IgnoreAction struct{}

func (IgnoreAction) Name() string { return ActionIgnore }

func (IgnoreAction) Description() string {
	return "Deliberately produce no reply to the triggering message."
}

func (IgnoreAction) Execute(_ context.Context, _ *ActionContext) (*ActionResult, error) {
	return &ActionResult{}, nil
}

// NoneAction is the neutral terminal for plans that select nothing.
type NoneAction struct{}

func (NoneAction) Name() string { return ActionNone }

func (NoneAction) Description() string {
	return "Take no action at all."
}

func (NoneAction) Execute(_ context.Context, _ *ActionContext) (*ActionResult, error) {
	return &ActionResult{}, nil
}

// RegisterDefaults installs the built-in actions, context providers,
// and evaluators into the registry.
func RegisterDefaults(r *Registry, deps DefaultDeps) {
	r.RegisterAction(ReplyAction{})
	r.RegisterAction(IgnoreAction{})
	r.RegisterAction(NoneAction{})

	r.RegisterProvider(&RecentMessagesProvider{Limit: deps.RecentLimit})
	r.RegisterProvider(&EntitiesProvider{})
	r.RegisterProvider(&ActionsProvider{Registry: r})

	if deps.Provider != nil {
		r.RegisterEvaluator(&ReflectionEvaluator{Provider: deps.Provider})
	}
}

// DefaultDeps parameterizes the built-in set.
type DefaultDeps struct {
	RecentLimit int
	Provider    Completer
}

package actions

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RecentMessagesProvider renders the latest room transcript in
// chronological order.
type RecentMessagesProvider struct {
	Limit int
}

func (*RecentMessagesProvider) Name() string { return "recent_messages" }

func (p *RecentMessagesProvider) Provide(ctx context.Context, ac *ActionContext) (string, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 32
	}

	recent, err := ac.Store.ListRecentMemories(ctx, ac.Room.ID, limit)
	if err != nil {
		return "", fmt.Errorf("failed to load recent messages: %w", err)
	}
	if len(recent) == 0 {
		return "No prior messages in this room.", nil
	}

	var b strings.Builder
	b.WriteString("Recent messages (oldest first):\n")
	for _, m := range recent {
		speaker := m.EntityID
		if m.EntityID == ac.AgentID {
			speaker = "you"
		}
		ts := time.UnixMilli(m.CreatedAtMS).UTC().Format("15:04")
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts, speaker, m.Content.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// EntitiesProvider lists who is present in the room and their
// participation state.
type EntitiesProvider struct{}

func (*EntitiesProvider) Name() string { return "entities" }

func (p *EntitiesProvider) Provide(ctx context.Context, ac *ActionContext) (string, error) {
	entities, err := ac.Store.ListRoomEntities(ctx, ac.Room.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list room entities: %w", err)
	}
	if len(entities) == 0 {
		return "Nobody else is in this room.", nil
	}

	var b strings.Builder
	b.WriteString("People in this room:\n")
	for _, e := range entities {
		state, err := ac.Store.GetParticipation(ctx, ac.Room.ID, e.ID)
		if err != nil {
			state = ""
		}
		if state != "" {
			fmt.Fprintf(&b, "- %s (%s, participation: %s)\n", e.Name, e.Source, state)
		} else {
			fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Source)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ActionsProvider advertises the registered actions so the model knows
// what it may select.
type ActionsProvider struct {
	Registry *Registry
}

func (*ActionsProvider) Name() string { return "actions" }

func (p *ActionsProvider) Provide(_ context.Context, _ *ActionContext) (string, error) {
	descriptions := p.Registry.ActionDescriptions()
	names := p.Registry.ActionNames()

	var b strings.Builder
	b.WriteString("Available actions:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, descriptions[name])
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

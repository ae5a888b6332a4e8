package compose

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dotsetgreg/turnpike/pkg/actions"
	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/memory"
)

const cacheSize = 256

// Composer assembles the context block handed to the model before a
// decision. Provider output is cached briefly per room so bursts of
// messages in the same room don't re-query the store for every turn.
type Composer struct {
	store     memory.Store
	registry  *actions.Registry
	agentName string
	cache     *expirable.LRU[string, string]
}

func NewComposer(store memory.Store, registry *actions.Registry, agentName string, ttl time.Duration) *Composer {
	return &Composer{
		store:     store,
		registry:  registry,
		agentName: agentName,
		cache:     expirable.NewLRU[string, string](cacheSize, nil, ttl),
	}
}

// Context builds the provider blocks named in providerNames, in order,
// prefixed with the agent identity and a room mood line.
func (c *Composer) Context(ctx context.Context, ac *actions.ActionContext, providerNames []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", c.agentName)

	mood, err := c.roomMood(ctx, ac.Room.ID)
	if err == nil && mood != "" {
		fmt.Fprintf(&b, "The room feels %s right now.\n", mood)
	}

	for _, name := range providerNames {
		block, err := c.providerBlock(ctx, ac, name)
		if err != nil {
			return "", err
		}
		b.WriteString("\n")
		b.WriteString(block)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Composer) providerBlock(ctx context.Context, ac *actions.ActionContext, name string) (string, error) {
	key := ac.Room.ID + "|" + name + "|" + ac.Message.ID
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	provider, err := c.registry.Provider(name)
	if err != nil {
		return "", err
	}

	block, err := provider.Provide(ctx, ac)
	if err != nil {
		return "", fmt.Errorf("provider %s failed: %w", name, err)
	}

	c.cache.Add(key, block)
	return block, nil
}

// roomMood reads recent message density: more than one message a
// minute over the last ten minutes reads as lively, silence reads as
// quiet.
func (c *Composer) roomMood(ctx context.Context, roomID string) (string, error) {
	recent, err := c.store.ListRecentMemories(ctx, roomID, 32)
	if err != nil {
		logger.DebugCF("COMPOSE", "mood lookup failed", map[string]interface{}{
			"room_id": roomID,
			"error":   err.Error(),
		})
		return "", err
	}

	cutoff := time.Now().Add(-10 * time.Minute).UnixMilli()
	count := 0
	for _, m := range recent {
		if m.CreatedAtMS >= cutoff {
			count++
		}
	}

	switch {
	case count == 0:
		return "quiet", nil
	case count > 10:
		return "lively", nil
	default:
		return "relaxed", nil
	}
}

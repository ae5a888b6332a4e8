package channels

import (
	"context"
	"strings"

	"github.com/dotsetgreg/turnpike/pkg/bus"
	"github.com/dotsetgreg/turnpike/pkg/memory"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
		running:   false,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

type inboundParams struct {
	RoomID      string
	EntityID    string
	EntityName  string
	Content     string
	Kind        memory.ChannelKind
	ExternalID  string
	Attachments []memory.Attachment
	Metadata    map[string]string
}

func (c *BaseChannel) HandleMessage(p inboundParams) {
	if !c.IsAllowed(p.EntityID) {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:     c.name,
		RoomID:      p.RoomID,
		EntityID:    p.EntityID,
		EntityName:  p.EntityName,
		Content:     p.Content,
		Attachments: p.Attachments,
		ChannelKind: p.Kind,
		Source:      c.name,
		ExternalID:  p.ExternalID,
		Metadata:    p.Metadata,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running = running
}

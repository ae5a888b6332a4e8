package agent

import (
	"context"
	"sync/atomic"

	"github.com/dotsetgreg/turnpike/pkg/bus"
	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/memory"
	"github.com/dotsetgreg/turnpike/pkg/orchestrator"
)

// Loop consumes inbound messages from the bus and feeds them through
// the orchestrator, publishing whatever the turn produces back out.
type Loop struct {
	bus     *bus.MessageBus
	orch    *orchestrator.Orchestrator
	running atomic.Bool
}

func NewLoop(msgBus *bus.MessageBus, orch *orchestrator.Orchestrator) *Loop {
	return &Loop{bus: msgBus, orch: orch}
}

func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)

	for l.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := l.bus.ConsumeInbound(ctx)
			if !ok {
				continue
			}
			l.handle(ctx, msg)
		}
	}

	return nil
}

func (l *Loop) Stop() {
	l.running.Store(false)
}

func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage) {
	room := memory.Room{
		ID:          msg.RoomID,
		Source:      msg.Source,
		ChannelKind: msg.ChannelKind,
	}
	sender := memory.Entity{
		ID:     msg.EntityID,
		Name:   msg.EntityName,
		Source: msg.Source,
	}
	record := memory.Memory{
		EntityID:   msg.EntityID,
		RoomID:     msg.RoomID,
		Kind:       memory.KindMessage,
		ExternalID: msg.ExternalID,
		Content: memory.Content{
			Text:        msg.Content,
			Source:      msg.Source,
			ChannelKind: msg.ChannelKind,
			Attachments: msg.Attachments,
			Metadata:    msg.Metadata,
		},
	}
	if msg.ExternalID != "" {
		record.ID = msg.ExternalID
	}

	callback := func(content memory.Content) {
		if content.Text == "" {
			return
		}
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel:   msg.Channel,
			RoomID:    msg.RoomID,
			Content:   content.Text,
			InReplyTo: content.InReplyTo,
			Metadata:  msg.Metadata,
		})
	}

	result := l.orch.HandleMessage(ctx, record, room, sender, callback, nil)
	logger.DebugCF("AGENT", "turn finished", map[string]interface{}{
		"run_id":   result.RunID,
		"status":   result.Status,
		"room_id":  msg.RoomID,
		"duration": result.DurationMS,
	})
}

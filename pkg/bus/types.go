package bus

import "github.com/dotsetgreg/turnpike/pkg/memory"

// InboundMessage is one message arriving from a channel adapter.
type InboundMessage struct {
	Channel     string
	RoomID      string
	EntityID    string
	EntityName  string
	Content     string
	Attachments []memory.Attachment
	ChannelKind memory.ChannelKind
	Source      string
	ExternalID  string
	Metadata    map[string]string
}

// OutboundMessage is one response on its way to a channel adapter.
type OutboundMessage struct {
	Channel   string
	RoomID    string
	Content   string
	InReplyTo string
	Metadata  map[string]string
}

// MessageHandler processes messages for a specific channel.
type MessageHandler func(msg InboundMessage)

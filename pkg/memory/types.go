package memory

// ChannelKind classifies the conversation surface a room lives on.
type ChannelKind string

const (
	ChannelDM         ChannelKind = "dm"
	ChannelVoiceDM    ChannelKind = "voice_dm"
	ChannelSelf       ChannelKind = "self"
	ChannelAPI        ChannelKind = "api"
	ChannelGroup      ChannelKind = "group"
	ChannelVoiceGroup ChannelKind = "voice_group"
	ChannelThread     ChannelKind = "thread"
)

// Participation is the per-(room, agent) response setting.
type Participation string

const (
	ParticipationActive Participation = "active"
	ParticipationMuted  Participation = "muted"
	ParticipationOff    Participation = "off"
)

// MemoryKind classifies stored records.
type MemoryKind string

const (
	KindMessage  MemoryKind = "message"
	KindIgnored  MemoryKind = "ignored"
	KindReaction MemoryKind = "reaction"
)

// Attachment is a media reference carried by a message.
type Attachment struct {
	URL   string `json:"url"`
	Kind  string `json:"kind,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Content is the structured payload of a memory record.
type Content struct {
	Text        string            `json:"text,omitempty"`
	Thought     string            `json:"thought,omitempty"`
	Actions     []string          `json:"actions,omitempty"`
	Providers   []string          `json:"providers,omitempty"`
	Source      string            `json:"source,omitempty"`
	ChannelKind ChannelKind       `json:"channel_kind,omitempty"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Memory is the canonical durable record for one message-like unit.
type Memory struct {
	ID          string
	EntityID    string
	AgentID     string
	RoomID      string
	Kind        MemoryKind
	Content     Content
	Embedding   []float32
	ExternalID  string
	CreatedAtMS int64
}

// HasEmbedding reports whether an embedding vector is attached.
func (m Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// Room captures per-conversation state.
type Room struct {
	ID          string
	Source      string
	ChannelKind ChannelKind
	Name        string
	CreatedAtMS int64
}

// Entity is a participant (user or agent) known to the store.
type Entity struct {
	ID          string
	Name        string
	Source      string
	CreatedAtMS int64
}

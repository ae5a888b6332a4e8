package memory

import "context"

// Store provides durable persistence for rooms, entities and memory records.
type Store interface {
	Close() error

	EnsureRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, id string) (Room, error)

	EnsureEntity(ctx context.Context, entity Entity) error
	ListRoomEntities(ctx context.Context, roomID string) ([]Entity, error)

	EnsureParticipant(ctx context.Context, roomID, entityID string, initial Participation) error
	GetParticipation(ctx context.Context, roomID, entityID string) (Participation, error)
	SetParticipation(ctx context.Context, roomID, entityID string, state Participation) error

	// CreateMemory persists a record exactly once per id. When a record with
	// the same id already exists it is returned unchanged with created=false.
	CreateMemory(ctx context.Context, m Memory) (stored Memory, created bool, err error)
	GetMemory(ctx context.Context, id string) (Memory, error)
	UpdateMemoryContent(ctx context.Context, id string, content Content) error
	ListRecentMemories(ctx context.Context, roomID string, limit int) ([]Memory, error)

	SetEmbedding(ctx context.Context, id string, vector []float32) error
	HasEmbedding(ctx context.Context, id string) (bool, error)

	SweepRetention(ctx context.Context, nowMS, retentionMS int64) (removed int64, err error)
}

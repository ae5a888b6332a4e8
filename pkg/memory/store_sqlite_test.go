package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mem.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRoom(t *testing.T, store *SQLiteStore) Room {
	t.Helper()
	room := Room{ID: "room-1", Source: "test", ChannelKind: ChannelGroup, Name: "general"}
	if err := store.EnsureRoom(context.Background(), room); err != nil {
		t.Fatalf("failed to ensure room: %v", err)
	}
	return room
}

func TestCreateMemoryIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store)

	m := Memory{
		ID:       "mem-1",
		EntityID: "user-1",
		AgentID:  "agent-1",
		RoomID:   room.ID,
		Kind:     KindMessage,
		Content:  Content{Text: "hello"},
	}

	first, created, err := store.CreateMemory(ctx, m)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if !created {
		t.Fatal("expected first create to report created")
	}

	m.Content.Text = "changed text must not overwrite"
	second, created, err := store.CreateMemory(ctx, m)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Fatal("expected second create to reuse the existing record")
	}
	if second.Content.Text != first.Content.Text {
		t.Errorf("expected original content preserved, got %q", second.Content.Text)
	}
}

func TestDuplicateReactionIsConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store)

	reaction := Memory{
		ID:       "react-1",
		EntityID: "user-1",
		AgentID:  "agent-1",
		RoomID:   room.ID,
		Kind:     KindReaction,
		Content:  Content{Text: "👍", InReplyTo: "mem-1"},
	}
	if _, _, err := store.CreateMemory(ctx, reaction); err != nil {
		t.Fatalf("first reaction failed: %v", err)
	}

	// Same (room, entity, target) under a different id.
	reaction.ID = "react-2"
	_, _, err := store.CreateMemory(ctx, reaction)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate reaction, got %v", err)
	}
}

func TestListRecentMemoriesChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store)

	for i := 0; i < 5; i++ {
		_, _, err := store.CreateMemory(ctx, Memory{
			ID:          fmt.Sprintf("mem-%d", i),
			EntityID:    "user-1",
			AgentID:     "agent-1",
			RoomID:      room.ID,
			Kind:        KindMessage,
			Content:     Content{Text: fmt.Sprintf("message %d", i)},
			CreatedAtMS: int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	recent, err := store.ListRecentMemories(ctx, room.ID, 3)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recent))
	}
	// Latest 3, oldest first.
	want := []string{"mem-2", "mem-3", "mem-4"}
	for i, id := range want {
		if recent[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, recent[i].ID)
		}
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store)

	_, _, err := store.CreateMemory(ctx, Memory{
		ID: "mem-1", EntityID: "user-1", AgentID: "agent-1", RoomID: room.ID,
		Kind: KindMessage, Content: Content{Text: "embed me"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	has, err := store.HasEmbedding(ctx, "mem-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if has {
		t.Fatal("expected no embedding yet")
	}

	if err := store.SetEmbedding(ctx, "mem-1", []float32{0.5, -1.25}); err != nil {
		t.Fatalf("set embedding failed: %v", err)
	}

	m, err := store.GetMemory(ctx, "mem-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(m.Embedding) != 2 || m.Embedding[1] != -1.25 {
		t.Errorf("unexpected embedding %v", m.Embedding)
	}
	if !m.HasEmbedding() {
		t.Error("expected HasEmbedding true after SetEmbedding")
	}
}

func TestParticipationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store)

	if _, err := store.GetParticipation(ctx, room.ID, "agent-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first contact, got %v", err)
	}

	if err := store.EnsureParticipant(ctx, room.ID, "agent-1", ParticipationOff); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	// Ensure is first-write-wins.
	if err := store.EnsureParticipant(ctx, room.ID, "agent-1", ParticipationActive); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	state, err := store.GetParticipation(ctx, room.ID, "agent-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state != ParticipationOff {
		t.Errorf("expected initial state preserved, got %s", state)
	}

	if err := store.SetParticipation(ctx, room.ID, "agent-1", ParticipationMuted); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	state, err = store.GetParticipation(ctx, room.ID, "agent-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state != ParticipationMuted {
		t.Errorf("expected muted, got %s", state)
	}
}

func TestSweepRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store)

	now := time.Now().UnixMilli()
	old := now - 10*24*int64(time.Hour/time.Millisecond)

	for i, ts := range []int64{old, now} {
		_, _, err := store.CreateMemory(ctx, Memory{
			ID: fmt.Sprintf("mem-%d", i), EntityID: "user-1", AgentID: "agent-1",
			RoomID: room.ID, Kind: KindMessage,
			Content: Content{Text: "x"}, CreatedAtMS: ts,
		})
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	removed, err := store.SweepRetention(ctx, now, 7*24*int64(time.Hour/time.Millisecond))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed record, got %d", removed)
	}
	if _, err := store.GetMemory(ctx, "mem-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old record gone, got %v", err)
	}
	if _, err := store.GetMemory(ctx, "mem-1"); err != nil {
		t.Errorf("expected recent record kept, got %v", err)
	}
}

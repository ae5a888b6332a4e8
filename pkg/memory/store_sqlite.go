package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. Use one shared connection to avoid writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			channel_kind TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS participants (
			room_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(room_id, entity_id)
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			room_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content_json TEXT NOT NULL DEFAULT '{}',
			embedding_json TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memories_room_idx ON memories(room_id, created_at_ms DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memories_reaction_unique
			ON memories(room_id, entity_id, kind, json_extract(content_json, '$.in_reply_to'))
			WHERE kind = 'reaction';`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func (s *SQLiteStore) EnsureRoom(ctx context.Context, room Room) error {
	if strings.TrimSpace(room.ID) == "" {
		return fmt.Errorf("room id is required")
	}
	created := room.CreatedAtMS
	if created == 0 {
		created = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, source, channel_kind, name, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = CASE WHEN excluded.source != '' THEN excluded.source ELSE rooms.source END,
			channel_kind = CASE WHEN excluded.channel_kind != '' THEN excluded.channel_kind ELSE rooms.channel_kind END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END
	`, room.ID, room.Source, string(room.ChannelKind), room.Name, created)
	if err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, channel_kind, name, created_at_ms FROM rooms WHERE id = ?
	`, id)

	var room Room
	var kind string
	if err := row.Scan(&room.ID, &room.Source, &kind, &room.Name, &room.CreatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	room.ChannelKind = ChannelKind(kind)
	return room, nil
}

func (s *SQLiteStore) EnsureEntity(ctx context.Context, entity Entity) error {
	if strings.TrimSpace(entity.ID) == "" {
		return fmt.Errorf("entity id is required")
	}
	created := entity.CreatedAtMS
	if created == 0 {
		created = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, source, created_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE entities.name END
	`, entity.ID, entity.Name, entity.Source, created)
	if err != nil {
		return fmt.Errorf("ensure entity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRoomEntities(ctx context.Context, roomID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.source, e.created_at_ms
		FROM entities e
		JOIN participants p ON p.entity_id = e.id
		WHERE p.room_id = ?
		ORDER BY e.created_at_ms ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Source, &e.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnsureParticipant(ctx context.Context, roomID, entityID string, initial Participation) error {
	if initial == "" {
		initial = ParticipationActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (room_id, entity_id, state, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, entity_id) DO NOTHING
	`, roomID, entityID, string(initial), nowMS())
	if err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetParticipation(ctx context.Context, roomID, entityID string) (Participation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state FROM participants WHERE room_id = ? AND entity_id = ?
	`, roomID, entityID)

	var state string
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get participation: %w", err)
	}
	return Participation(state), nil
}

func (s *SQLiteStore) SetParticipation(ctx context.Context, roomID, entityID string, state Participation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (room_id, entity_id, state, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, entity_id) DO UPDATE SET
			state = excluded.state,
			updated_at_ms = excluded.updated_at_ms
	`, roomID, entityID, string(state), nowMS())
	if err != nil {
		return fmt.Errorf("set participation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateMemory(ctx context.Context, m Memory) (Memory, bool, error) {
	if strings.TrimSpace(m.ID) == "" {
		return Memory{}, false, fmt.Errorf("memory id is required")
	}
	if m.CreatedAtMS == 0 {
		m.CreatedAtMS = nowMS()
	}
	if m.Kind == "" {
		m.Kind = KindMessage
	}

	existing, err := s.GetMemory(ctx, m.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Memory{}, false, err
	}

	contentJSON, err := json.Marshal(m.Content)
	if err != nil {
		return Memory{}, false, fmt.Errorf("encode memory content: %w", err)
	}
	embeddingJSON := ""
	if len(m.Embedding) > 0 {
		raw, err := json.Marshal(m.Embedding)
		if err != nil {
			return Memory{}, false, fmt.Errorf("encode embedding: %w", err)
		}
		embeddingJSON = string(raw)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, entity_id, agent_id, room_id, kind, content_json, embedding_json, external_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.EntityID, m.AgentID, m.RoomID, string(m.Kind), string(contentJSON), embeddingJSON, m.ExternalID, m.CreatedAtMS)
	if err != nil {
		if isUniqueViolation(err) {
			return Memory{}, false, fmt.Errorf("create %s memory: %w", m.Kind, ErrAlreadyExists)
		}
		return Memory{}, false, fmt.Errorf("create memory: %w", err)
	}
	return m, true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, agent_id, room_id, kind, content_json, embedding_json, external_id, created_at_ms
		FROM memories WHERE id = ?
	`, id)
	return scanMemory(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var kind, contentJSON, embeddingJSON string
	err := row.Scan(&m.ID, &m.EntityID, &m.AgentID, &m.RoomID, &kind, &contentJSON, &embeddingJSON, &m.ExternalID, &m.CreatedAtMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, fmt.Errorf("scan memory: %w", err)
	}
	m.Kind = MemoryKind(kind)
	if contentJSON != "" {
		if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
			return Memory{}, fmt.Errorf("decode memory content: %w", err)
		}
	}
	if embeddingJSON != "" {
		if err := json.Unmarshal([]byte(embeddingJSON), &m.Embedding); err != nil {
			return Memory{}, fmt.Errorf("decode embedding: %w", err)
		}
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMemoryContent(ctx context.Context, id string, content Content) error {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode memory content: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content_json = ? WHERE id = ?
	`, string(contentJSON), id)
	if err != nil {
		return fmt.Errorf("update memory content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRecentMemories(ctx context.Context, roomID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, agent_id, room_id, kind, content_json, embedding_json, external_id, created_at_ms
		FROM memories WHERE room_id = ?
		ORDER BY created_at_ms DESC, id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Chronological order for prompt assembly.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) SetEmbedding(ctx context.Context, id string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET embedding_json = ? WHERE id = ?
	`, string(raw), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) HasEmbedding(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT embedding_json != '' FROM memories WHERE id = ?
	`, id)
	var has bool
	if err := row.Scan(&has); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("has embedding: %w", err)
	}
	return has, nil
}

func (s *SQLiteStore) SweepRetention(ctx context.Context, nowMS, retentionMS int64) (int64, error) {
	if retentionMS <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE created_at_ms < ?
	`, nowMS-retentionMS)
	if err != nil {
		return 0, fmt.Errorf("sweep retention: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

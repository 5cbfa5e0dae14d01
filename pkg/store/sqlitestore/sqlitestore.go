// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/observability"
	"github.com/rivermind-ai/om/pkg/store"
)

// Store is a SQLite-backed RecordStore. It serializes its om_records
// updates (other than Clear) with a process-local mutex on top of SQLite's
// own locking; PersistMessages, UpdateThread and Clear rely on SQLite's
// locking alone. Two engine
// instances in the same process still observe the flag-then-mutate
// sequence atomically; across processes, SQLite's file locking plus the
// persisted flags provide the coordination the design calls for.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	tracer observability.Tracer
}

// New opens (creating if necessary) a SQLite-backed store at config.Path
// and initializes its schema.
func New(config DBConfig, tracer observability.Tracer) (*Store, error) {
	db, err := OpenDB(config)
	if err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = observability.NewZapTracer(nil) // falls back to zap.NewNop()
	}
	s := &Store{db: db, tracer: tracer}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, span := s.tracer.StartSpan(context.Background(), "sqlitestore.init_schema")
	defer s.tracer.EndSpan(span)
	_ = ctx

	schema := `
	CREATE TABLE IF NOT EXISTS om_records (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		thread_id TEXT,
		resource_id TEXT,
		active_observations TEXT NOT NULL DEFAULT '',
		observation_token_count INTEGER NOT NULL DEFAULT 0,
		pending_message_tokens INTEGER NOT NULL DEFAULT 0,
		last_observed_at INTEGER NOT NULL DEFAULT 0,
		observed_message_ids_json TEXT NOT NULL DEFAULT '[]',
		buffered_chunks_json TEXT NOT NULL DEFAULT '[]',
		buffered_reflection TEXT NOT NULL DEFAULT '',
		reflected_observation_lines INTEGER NOT NULL DEFAULT 0,
		is_observing INTEGER NOT NULL DEFAULT 0,
		is_reflecting INTEGER NOT NULL DEFAULT 0,
		is_buffering_observation INTEGER NOT NULL DEFAULT 0,
		is_buffering_reflection INTEGER NOT NULL DEFAULT 0,
		last_buffered_at_tokens INTEGER NOT NULL DEFAULT 0,
		generation_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS om_records_scope_key ON om_records(scope, thread_id, resource_id);

	CREATE TABLE IF NOT EXISTS om_messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS om_messages_thread_idx ON om_messages(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS om_threads (
		thread_id TEXT PRIMARY KEY,
		last_observed_at INTEGER NOT NULL DEFAULT 0,
		current_task TEXT NOT NULL DEFAULT '',
		suggested_response TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scopeKeyParts(key domain.ScopeKey) (scope, threadID, resourceID string) {
	if key.Scope == domain.ScopeResource {
		return string(domain.ScopeResource), "", key.ResourceID
	}
	return string(domain.ScopeThread), key.ThreadID, ""
}

func (s *Store) Get(ctx context.Context, key domain.ScopeKey) (*domain.Record, error) {
	scope, threadID, resourceID := scopeKeyParts(key)
	row := s.db.QueryRowContext(ctx, `SELECT id, active_observations, observation_token_count,
		pending_message_tokens, last_observed_at, observed_message_ids_json, buffered_chunks_json,
		buffered_reflection, reflected_observation_lines, is_observing, is_reflecting,
		is_buffering_observation, is_buffering_reflection, last_buffered_at_tokens, generation_count
		FROM om_records WHERE scope = ? AND thread_id = ? AND resource_id = ?`, scope, threadID, resourceID)
	r, err := scanRecord(row, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get record: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, key domain.ScopeKey) (*domain.Record, error) {
	var (
		id                        string
		activeObservations        string
		observationTokenCount     int
		pendingMessageTokens      int
		lastObservedAtUnix        int64
		observedIDsJSON           string
		bufferedChunksJSON        string
		bufferedReflection        string
		reflectedObservationLines int
		isObserving               bool
		isReflecting              bool
		isBufferingObservation    bool
		isBufferingReflection     bool
		lastBufferedAtTokens      int
		generationCount           int
	)
	if err := row.Scan(&id, &activeObservations, &observationTokenCount, &pendingMessageTokens,
		&lastObservedAtUnix, &observedIDsJSON, &bufferedChunksJSON, &bufferedReflection,
		&reflectedObservationLines, &isObserving, &isReflecting, &isBufferingObservation,
		&isBufferingReflection, &lastBufferedAtTokens, &generationCount); err != nil {
		return nil, err
	}

	var ids []string
	_ = json.Unmarshal([]byte(observedIDsJSON), &ids)
	idSet := make(map[string]struct{}, len(ids))
	for _, i := range ids {
		idSet[i] = struct{}{}
	}

	var chunks []domain.BufferedChunk
	_ = json.Unmarshal([]byte(bufferedChunksJSON), &chunks)

	return &domain.Record{
		ID:                         id,
		Key:                        key,
		ActiveObservations:         activeObservations,
		ObservationTokenCount:      observationTokenCount,
		PendingMessageTokens:       pendingMessageTokens,
		LastObservedAt:             time.Unix(0, lastObservedAtUnix),
		ObservedMessageIDs:         idSet,
		BufferedObservationChunks:  chunks,
		BufferedReflection:         bufferedReflection,
		ReflectedObservationLines:  reflectedObservationLines,
		IsObserving:                isObserving,
		IsReflecting:               isReflecting,
		IsBufferingObservation:     isBufferingObservation,
		IsBufferingReflection:      isBufferingReflection,
		LastBufferedAtTokens:       lastBufferedAtTokens,
		GenerationCount:            generationCount,
	}, nil
}

func (s *Store) Initialize(ctx context.Context, key domain.ScopeKey) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.Get(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	scope, threadID, resourceID := scopeKeyParts(key)
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `INSERT INTO om_records
		(id, scope, thread_id, resource_id, observed_message_ids_json, buffered_chunks_json)
		VALUES (?, ?, ?, ?, '[]', '[]')`, id, scope, threadID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: initialize record: %w", err)
	}
	return &domain.Record{ID: id, Key: key, ObservedMessageIDs: map[string]struct{}{}}, nil
}

func (s *Store) UpdateActiveObservations(ctx context.Context, args store.UpdateActiveObservationsArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(args.ObservedMessageIDs))
	for id := range args.ObservedMessageIDs {
		ids = append(ids, id)
	}
	idsJSON, _ := json.Marshal(ids)

	_, err := s.db.ExecContext(ctx, `UPDATE om_records SET active_observations = ?, observation_token_count = ?,
		last_observed_at = ?, observed_message_ids_json = ? WHERE id = ?`,
		args.Text, args.TokenCount, args.LastObservedAt.UnixNano(), string(idsJSON), args.ID)
	if err != nil {
		return fmt.Errorf("sqlitestore: update active observations: %w", err)
	}
	return nil
}

func (s *Store) UpdateBufferedObservations(ctx context.Context, id string, chunk domain.BufferedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chunksJSON string
	if err := s.db.QueryRowContext(ctx, `SELECT buffered_chunks_json FROM om_records WHERE id = ?`, id).Scan(&chunksJSON); err != nil {
		return fmt.Errorf("sqlitestore: load buffered chunks: %w", err)
	}
	var chunks []domain.BufferedChunk
	_ = json.Unmarshal([]byte(chunksJSON), &chunks)
	chunks = append(chunks, chunk)
	data, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal buffered chunks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE om_records SET buffered_chunks_json = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("sqlitestore: append buffered chunk: %w", err)
	}
	return nil
}

func (s *Store) UpdateBufferedReflection(ctx context.Context, args store.UpdateBufferedReflectionArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE om_records SET buffered_reflection = ?, reflected_observation_lines = ? WHERE id = ?`,
		args.Text, args.ReflectedObservationLines, args.ID)
	if err != nil {
		return fmt.Errorf("sqlitestore: update buffered reflection: %w", err)
	}
	return nil
}

func (s *Store) SwapBufferedToActive(ctx context.Context, args store.SwapBufferedToActiveArgs) (store.SwapBufferedToActiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var activeObservations string
	var observationTokenCount int
	var chunksJSON, idsJSON string
	var lastObservedAtUnix int64
	row := s.db.QueryRowContext(ctx, `SELECT active_observations, observation_token_count, buffered_chunks_json,
		observed_message_ids_json, last_observed_at FROM om_records WHERE id = ?`, args.ID)
	if err := row.Scan(&activeObservations, &observationTokenCount, &chunksJSON, &idsJSON, &lastObservedAtUnix); err != nil {
		return store.SwapBufferedToActiveResult{}, fmt.Errorf("sqlitestore: load record for swap: %w", err)
	}

	var chunks []domain.BufferedChunk
	_ = json.Unmarshal([]byte(chunksJSON), &chunks)
	if len(chunks) == 0 {
		return store.SwapBufferedToActiveResult{}, nil
	}
	var ids []string
	_ = json.Unmarshal([]byte(idsJSON), &ids)
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	target := int(args.ActivationRatio * float64(total))

	cum, n := 0, 0
	for n < len(chunks) && cum < target {
		cum += chunks[n].TokenCount
		n++
	}
	if n == 0 {
		n = 1
	}
	activated, remaining := chunks[:n], chunks[n:]

	result := store.SwapBufferedToActiveResult{}
	lastObservedAt := time.Unix(0, lastObservedAtUnix)
	for _, c := range activated {
		result.ActivatedCycleIDs = append(result.ActivatedCycleIDs, c.CycleID)
		result.ChunksActivated++
		result.MessageTokensActivated += c.MessageTokens
		result.ObservationTokensActivated += c.TokenCount
		result.MessagesActivated += len(c.MessageIDs)
		if activeObservations != "" {
			activeObservations += "\n"
		}
		activeObservations += c.Observations
		observationTokenCount += c.TokenCount
		for _, id := range c.MessageIDs {
			idSet[id] = struct{}{}
		}
		if c.LastObservedAt.After(lastObservedAt) {
			lastObservedAt = c.LastObservedAt
		}
	}
	result.Observations = activeObservations

	remainingJSON, _ := json.Marshal(remaining)
	newIDs := make([]string, 0, len(idSet))
	for id := range idSet {
		newIDs = append(newIDs, id)
	}
	newIDsJSON, _ := json.Marshal(newIDs)

	_, err := s.db.ExecContext(ctx, `UPDATE om_records SET active_observations = ?, observation_token_count = ?,
		buffered_chunks_json = ?, observed_message_ids_json = ?, last_observed_at = ?, last_buffered_at_tokens = 0
		WHERE id = ?`, activeObservations, observationTokenCount, string(remainingJSON), string(newIDsJSON),
		lastObservedAt.UnixNano(), args.ID)
	if err != nil {
		return store.SwapBufferedToActiveResult{}, fmt.Errorf("sqlitestore: commit swap: %w", err)
	}
	return result, nil
}

func (s *Store) SwapBufferedReflectionToActive(ctx context.Context, args store.SwapBufferedReflectionToActiveArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var activeObservations, bufferedReflection string
	var reflectedLines int
	row := s.db.QueryRowContext(ctx, `SELECT active_observations, buffered_reflection, reflected_observation_lines
		FROM om_records WHERE id = ?`, args.CurrentRecord.ID)
	if err := row.Scan(&activeObservations, &bufferedReflection, &reflectedLines); err != nil {
		return fmt.Errorf("sqlitestore: load record for reflection swap: %w", err)
	}

	lines := splitLines(activeObservations)
	if reflectedLines > len(lines) {
		reflectedLines = len(lines)
	}
	remainder := lines[reflectedLines:]
	merged := bufferedReflection
	if len(remainder) > 0 {
		merged += "\n" + joinLines(remainder)
	}

	_, err := s.db.ExecContext(ctx, `UPDATE om_records SET active_observations = ?, observation_token_count = ?,
		buffered_reflection = '', reflected_observation_lines = 0, generation_count = generation_count + 1
		WHERE id = ?`, merged, args.TokenCount, args.CurrentRecord.ID)
	if err != nil {
		return fmt.Errorf("sqlitestore: commit reflection swap: %w", err)
	}
	return nil
}

func (s *Store) CreateReflectionGeneration(ctx context.Context, args store.CreateReflectionGenerationArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE om_records SET active_observations = ?, observation_token_count = ?,
		generation_count = generation_count + 1 WHERE id = ?`, args.Reflection, args.TokenCount, args.CurrentRecord.ID)
	if err != nil {
		return fmt.Errorf("sqlitestore: create reflection generation: %w", err)
	}
	return nil
}

func (s *Store) setFlag(ctx context.Context, column, id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE om_records SET %s = ? WHERE id = ?`, column), on, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: set %s: %w", column, err)
	}
	return nil
}

func (s *Store) SetObservingFlag(ctx context.Context, id string, on bool) error {
	return s.setFlag(ctx, "is_observing", id, on)
}

func (s *Store) SetReflectingFlag(ctx context.Context, id string, on bool) error {
	return s.setFlag(ctx, "is_reflecting", id, on)
}

func (s *Store) SetBufferingObservationFlag(ctx context.Context, id string, on bool, boundaryTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		_, err := s.db.ExecContext(ctx, `UPDATE om_records SET is_buffering_observation = 1, last_buffered_at_tokens = ? WHERE id = ?`,
			boundaryTokens, id)
		if err != nil {
			return fmt.Errorf("sqlitestore: set buffering observation flag: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE om_records SET is_buffering_observation = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: clear buffering observation flag: %w", err)
	}
	return nil
}

func (s *Store) SetBufferingReflectionFlag(ctx context.Context, id string, on bool) error {
	return s.setFlag(ctx, "is_buffering_reflection", id, on)
}

func (s *Store) ListThreads(ctx context.Context, filter store.ThreadFilter) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM om_threads ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list threads: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) queryMessages(ctx context.Context, where string, args []interface{}, filter store.MessageFilter) ([]domain.Message, error) {
	order := "created_at ASC"
	if filter.OrderBy == "created_at desc" {
		order = "created_at DESC"
	}
	query := fmt.Sprintf(`SELECT id, thread_id, role, parts_json, created_at FROM om_messages WHERE %s ORDER BY %s`, where, order)
	if filter.PerPage > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.PerPage)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var id, threadID, role, partsJSON string
		var createdAtUnix int64
		if err := rows.Scan(&id, &threadID, &role, &partsJSON, &createdAtUnix); err != nil {
			return nil, err
		}
		if filter.ExcludeIDs != nil {
			if _, skip := filter.ExcludeIDs[id]; skip {
				continue
			}
		}
		var parts []domain.Part
		_ = json.Unmarshal([]byte(partsJSON), &parts)
		out = append(out, domain.Message{ID: id, ThreadID: threadID, Role: role, Parts: parts, CreatedAt: time.Unix(0, createdAtUnix)})
	}
	return out, rows.Err()
}

func (s *Store) ListMessages(ctx context.Context, filter store.MessageFilter) ([]domain.Message, error) {
	where := "thread_id = ?"
	args := []interface{}{filter.ThreadID}
	if !filter.After.IsZero() {
		where += " AND created_at > ?"
		args = append(args, filter.After.UnixNano())
	}
	return s.queryMessages(ctx, where, args, filter)
}

func (s *Store) ListMessagesByResourceID(ctx context.Context, filter store.MessageFilter) ([]domain.Message, error) {
	where := "thread_id IN (SELECT thread_id FROM om_threads)"
	var args []interface{}
	if !filter.After.IsZero() {
		where += " AND created_at > ?"
		args = append(args, filter.After.UnixNano())
	}
	return s.queryMessages(ctx, where, args, filter)
}

func (s *Store) GetThreadByID(ctx context.Context, threadID string) (domain.ThreadMetadata, error) {
	var lastObservedAtUnix int64
	var currentTask, suggestedResponse string
	row := s.db.QueryRowContext(ctx, `SELECT last_observed_at, current_task, suggested_response FROM om_threads WHERE thread_id = ?`, threadID)
	if err := row.Scan(&lastObservedAtUnix, &currentTask, &suggestedResponse); err != nil {
		if err == sql.ErrNoRows {
			return domain.ThreadMetadata{}, nil
		}
		return domain.ThreadMetadata{}, fmt.Errorf("sqlitestore: get thread: %w", err)
	}
	return domain.ThreadMetadata{
		LastObservedAt:    time.Unix(0, lastObservedAtUnix),
		CurrentTask:       currentTask,
		SuggestedResponse: suggestedResponse,
	}, nil
}

func (s *Store) UpdateThread(ctx context.Context, threadID string, meta domain.ThreadMetadata) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO om_threads (thread_id, last_observed_at, current_task, suggested_response)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET last_observed_at = excluded.last_observed_at,
			current_task = excluded.current_task, suggested_response = excluded.suggested_response`,
		threadID, meta.LastObservedAt.UnixNano(), meta.CurrentTask, meta.SuggestedResponse)
	if err != nil {
		return fmt.Errorf("sqlitestore: update thread: %w", err)
	}
	return nil
}

func (s *Store) PersistMessages(ctx context.Context, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin persist tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		partsJSON, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal parts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO om_messages (id, thread_id, role, parts_json, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET parts_json = excluded.parts_json`,
			m.ID, m.ThreadID, m.Role, string(partsJSON), m.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("sqlitestore: persist message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO om_threads (thread_id) VALUES (?)`, m.ThreadID); err != nil {
			return fmt.Errorf("sqlitestore: ensure thread row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Clear(ctx context.Context, key domain.ScopeKey) error {
	scope, threadID, resourceID := scopeKeyParts(key)
	_, err := s.db.ExecContext(ctx, `DELETE FROM om_records WHERE scope = ? AND thread_id = ? AND resource_id = ?`,
		scope, threadID, resourceID)
	if err != nil {
		return fmt.Errorf("sqlitestore: clear record: %w", err)
	}
	if key.Scope == domain.ScopeThread {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM om_messages WHERE thread_id = ?`, key.ThreadID); err != nil {
			return fmt.Errorf("sqlitestore: clear messages: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM om_threads WHERE thread_id = ?`, key.ThreadID); err != nil {
			return fmt.Errorf("sqlitestore: clear thread: %w", err)
		}
	}
	return nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

var _ store.RecordStore = (*Store)(nil)

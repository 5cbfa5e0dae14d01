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

// Package memstore is an in-process, map-backed RecordStore. It has no
// cross-instance coordination (its persisted flags live only as long as
// the process does) and exists for tests and single-process deployments
// where sqlitestore's durability isn't needed.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/store"
)

// Store is a sync.RWMutex-guarded map of records and threads, mirroring
// the teacher's in-process session map pattern.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*domain.Record // keyed by recordKey(scopeKey)
	messages map[string][]domain.Message // keyed by threadID
	threads  map[string]domain.ThreadMetadata
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records:  make(map[string]*domain.Record),
		messages: make(map[string][]domain.Message),
		threads:  make(map[string]domain.ThreadMetadata),
	}
}

func recordKey(key domain.ScopeKey) string {
	if key.Scope == domain.ScopeResource {
		return "resource:" + key.ResourceID
	}
	return "thread:" + key.ThreadID
}

func (s *Store) Get(ctx context.Context, key domain.ScopeKey) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey(key)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *Store) Initialize(ctx context.Context, key domain.ScopeKey) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := recordKey(key)
	if r, ok := s.records[rk]; ok {
		cp := *r
		return &cp, nil
	}
	r := &domain.Record{
		ID:                 uuid.New().String(),
		Key:                key,
		ObservedMessageIDs: make(map[string]struct{}),
	}
	s.records[rk] = r
	cp := *r
	return &cp, nil
}

func (s *Store) byID(id string) *domain.Record {
	for _, r := range s.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *Store) UpdateActiveObservations(ctx context.Context, args store.UpdateActiveObservationsArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(args.ID)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", args.ID)
	}
	r.ActiveObservations = args.Text
	r.ObservationTokenCount = args.TokenCount
	r.LastObservedAt = args.LastObservedAt
	r.ObservedMessageIDs = args.ObservedMessageIDs
	return nil
}

func (s *Store) UpdateBufferedObservations(ctx context.Context, id string, chunk domain.BufferedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(id)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", id)
	}
	r.BufferedObservationChunks = append(r.BufferedObservationChunks, chunk)
	return nil
}

func (s *Store) UpdateBufferedReflection(ctx context.Context, args store.UpdateBufferedReflectionArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(args.ID)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", args.ID)
	}
	r.BufferedReflection = args.Text
	r.ReflectedObservationLines = args.ReflectedObservationLines
	return nil
}

func (s *Store) SwapBufferedToActive(ctx context.Context, args store.SwapBufferedToActiveArgs) (store.SwapBufferedToActiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(args.ID)
	if r == nil {
		return store.SwapBufferedToActiveResult{}, fmt.Errorf("memstore: record %s not found", args.ID)
	}
	if len(r.BufferedObservationChunks) == 0 {
		return store.SwapBufferedToActiveResult{}, nil
	}

	total := 0
	for _, c := range r.BufferedObservationChunks {
		total += c.TokenCount
	}
	target := int(args.ActivationRatio * float64(total))

	cum := 0
	n := 0
	for n < len(r.BufferedObservationChunks) && cum < target {
		cum += r.BufferedObservationChunks[n].TokenCount
		n++
	}
	if n == 0 {
		n = 1 // at least one chunk activates, per "partial swap is allowed"
	}

	activated := r.BufferedObservationChunks[:n]
	remaining := r.BufferedObservationChunks[n:]

	result := store.SwapBufferedToActiveResult{}
	var maxObserved time.Time
	for _, c := range activated {
		result.ActivatedCycleIDs = append(result.ActivatedCycleIDs, c.CycleID)
		result.ChunksActivated++
		result.MessageTokensActivated += c.MessageTokens
		result.ObservationTokensActivated += c.TokenCount
		result.MessagesActivated += len(c.MessageIDs)
		if r.ActiveObservations != "" {
			r.ActiveObservations += "\n"
		}
		r.ActiveObservations += c.Observations
		r.ObservationTokenCount += c.TokenCount
		for _, id := range c.MessageIDs {
			r.ObservedMessageIDs[id] = struct{}{}
		}
		if c.LastObservedAt.After(maxObserved) {
			maxObserved = c.LastObservedAt
		}
	}
	if maxObserved.After(r.LastObservedAt) {
		r.LastObservedAt = maxObserved
	}
	r.BufferedObservationChunks = remaining
	r.LastBufferedAtTokens = 0
	result.Observations = r.ActiveObservations
	return result, nil
}

func (s *Store) SwapBufferedReflectionToActive(ctx context.Context, args store.SwapBufferedReflectionToActiveArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(args.CurrentRecord.ID)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", args.CurrentRecord.ID)
	}
	lines := splitLines(r.ActiveObservations)
	cut := r.ReflectedObservationLines
	if cut > len(lines) {
		cut = len(lines)
	}
	remainder := lines[cut:]

	merged := r.BufferedReflection
	if len(remainder) > 0 {
		merged += "\n" + joinLines(remainder)
	}
	r.ActiveObservations = merged
	r.ObservationTokenCount = args.TokenCount
	r.BufferedReflection = ""
	r.ReflectedObservationLines = 0
	r.GenerationCount++
	return nil
}

func (s *Store) CreateReflectionGeneration(ctx context.Context, args store.CreateReflectionGenerationArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(args.CurrentRecord.ID)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", args.CurrentRecord.ID)
	}
	r.ActiveObservations = args.Reflection
	r.ObservationTokenCount = args.TokenCount
	r.GenerationCount++
	return nil
}

func (s *Store) SetObservingFlag(ctx context.Context, id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(id)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", id)
	}
	r.IsObserving = on
	return nil
}

func (s *Store) SetReflectingFlag(ctx context.Context, id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(id)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", id)
	}
	r.IsReflecting = on
	return nil
}

func (s *Store) SetBufferingObservationFlag(ctx context.Context, id string, on bool, boundaryTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(id)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", id)
	}
	r.IsBufferingObservation = on
	if on {
		r.LastBufferedAtTokens = boundaryTokens
	}
	return nil
}

func (s *Store) SetBufferingReflectionFlag(ctx context.Context, id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(id)
	if r == nil {
		return fmt.Errorf("memstore: record %s not found", id)
	}
	r.IsBufferingReflection = on
	return nil
}

func (s *Store) ListThreads(ctx context.Context, filter store.ThreadFilter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id := range s.threads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, filter store.MessageFilter) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterMessages(s.messages[filter.ThreadID], filter), nil
}

func (s *Store) ListMessagesByResourceID(ctx context.Context, filter store.MessageFilter) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.Message
	for _, msgs := range s.messages {
		all = append(all, msgs...)
	}
	return s.filterMessages(all, filter), nil
}

func (s *Store) filterMessages(msgs []domain.Message, filter store.MessageFilter) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if !filter.After.IsZero() && !m.CreatedAt.After(filter.After) {
			continue
		}
		if filter.ExcludeIDs != nil {
			if _, skip := filter.ExcludeIDs[m.ID]; skip {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.OrderBy == "created_at desc" {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.PerPage > 0 && len(out) > filter.PerPage {
		out = out[:filter.PerPage]
	}
	return out
}

func (s *Store) GetThreadByID(ctx context.Context, threadID string) (domain.ThreadMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[threadID], nil
}

func (s *Store) UpdateThread(ctx context.Context, threadID string, meta domain.ThreadMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = meta
	return nil
}

// PersistMessages upserts each message by ID within its thread (mirroring
// sqlitestore's ON CONFLICT DO UPDATE), so re-persisting a message whose
// Parts were mutated in place — e.g. to append a sealing marker — replaces
// the existing row instead of appending a duplicate.
func (s *Store) PersistMessages(ctx context.Context, msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		thread := s.messages[m.ThreadID]
		replaced := false
		for i, existing := range thread {
			if existing.ID == m.ID {
				thread[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			thread = append(thread, m)
		}
		s.messages[m.ThreadID] = thread
		if _, ok := s.threads[m.ThreadID]; !ok {
			s.threads[m.ThreadID] = domain.ThreadMetadata{}
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key domain.ScopeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(key))
	if key.Scope == domain.ScopeThread {
		delete(s.messages, key.ThreadID)
		delete(s.threads, key.ThreadID)
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
	lines = append(lines, s[start:])
	return lines
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

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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "om.db")
	s, err := New(DBConfig{Path: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSqliteInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}

	r1, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	r2, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
}

func TestSqliteUpdateActiveObservationsAndFlags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	r, err := s.Initialize(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.SetObservingFlag(ctx, r.ID, true))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.IsObserving)

	require.NoError(t, s.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: r.ID, Text: "obs", TokenCount: 10, LastObservedAt: time.Unix(100, 0),
		ObservedMessageIDs: map[string]struct{}{"m1": {}},
	}))
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "obs", got.ActiveObservations)
	assert.True(t, got.HasObserved("m1"))
}

func TestSqliteSwapBufferedToActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	r, err := s.Initialize(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.UpdateBufferedObservations(ctx, r.ID, domain.BufferedChunk{
		CycleID: "c1", Observations: "first", TokenCount: 30, MessageIDs: []string{"m1"},
	}))
	require.NoError(t, s.UpdateBufferedObservations(ctx, r.ID, domain.BufferedChunk{
		CycleID: "c2", Observations: "second", TokenCount: 70, MessageIDs: []string{"m2"},
	}))

	res, err := s.SwapBufferedToActive(ctx, store.SwapBufferedToActiveArgs{ID: r.ID, ActivationRatio: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksActivated)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got.BufferedObservationChunks)
	assert.Contains(t, got.ActiveObservations, "first")
}

func TestSqlitePersistAndListMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	msgs := []domain.Message{
		{ID: "m1", ThreadID: "t1", Role: "user", CreatedAt: now},
		{ID: "m2", ThreadID: "t1", Role: "assistant", CreatedAt: now.Add(time.Second)},
	}
	require.NoError(t, s.PersistMessages(ctx, msgs))

	out, err := s.ListMessages(ctx, store.MessageFilter{ThreadID: "t1"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "m1", out[0].ID)
}

func TestSqliteClearRemovesRecordAndMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	_, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.PersistMessages(ctx, []domain.Message{{ID: "m1", ThreadID: "t1", CreatedAt: time.Now()}}))

	require.NoError(t, s.Clear(ctx, key))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	msgs, err := s.ListMessages(ctx, store.MessageFilter{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEncryptionRequiresKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.db")
	_, err := New(DBConfig{Path: path, EncryptDatabase: true}, nil)
	assert.Error(t, err)
}

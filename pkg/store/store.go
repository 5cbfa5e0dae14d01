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
package store

import (
	"context"
	"time"

	"github.com/rivermind-ai/om/pkg/domain"
)

// MessageFilter narrows ListMessages/ListMessagesByResourceID queries.
type MessageFilter struct {
	ThreadID   string
	ResourceID string
	After      time.Time // createdAt > After
	ExcludeIDs map[string]struct{}
	OrderBy    string // "created_at asc" | "created_at desc"
	PerPage    int
}

// ThreadFilter narrows ListThreads queries.
type ThreadFilter struct {
	ResourceID string
}

// UpdateActiveObservationsArgs is the payload for UpdateActiveObservations.
type UpdateActiveObservationsArgs struct {
	ID                 string
	Text               string
	TokenCount         int
	LastObservedAt     time.Time
	ObservedMessageIDs map[string]struct{}
}

// UpdateBufferedReflectionArgs is the payload for UpdateBufferedReflection.
type UpdateBufferedReflectionArgs struct {
	ID                        string
	Text                      string
	TokenCount                int
	ReflectedObservationLines int
}

// SwapBufferedToActiveArgs is the payload for SwapBufferedToActive.
type SwapBufferedToActiveArgs struct {
	ID              string
	ActivationRatio float64
}

// SwapBufferedToActiveResult reports what the swap actually moved.
type SwapBufferedToActiveResult struct {
	ActivatedCycleIDs          []string
	ChunksActivated            int
	MessageTokensActivated     int
	ObservationTokensActivated int
	MessagesActivated          int
	Observations               string
}

// SwapBufferedReflectionToActiveArgs is the payload for
// SwapBufferedReflectionToActive.
type SwapBufferedReflectionToActiveArgs struct {
	CurrentRecord *domain.Record
	TokenCount    int
}

// CreateReflectionGenerationArgs is the payload for
// CreateReflectionGeneration, the synchronous equivalent of a buffered
// reflection activation.
type CreateReflectionGenerationArgs struct {
	CurrentRecord *domain.Record
	Reflection    string
	TokenCount    int
}

// RecordStore is the storage capability the engine consumes for OM record
// CRUD, atomic flag toggles, and the thread/message reads it needs to
// build observer context. All field updates on a single record must be
// atomic with respect to flag inspection — two goroutines racing a flag
// check-and-set must not both proceed.
type RecordStore interface {
	Get(ctx context.Context, key domain.ScopeKey) (*domain.Record, error)
	Initialize(ctx context.Context, key domain.ScopeKey) (*domain.Record, error)

	UpdateActiveObservations(ctx context.Context, args UpdateActiveObservationsArgs) error
	UpdateBufferedObservations(ctx context.Context, id string, chunk domain.BufferedChunk) error
	UpdateBufferedReflection(ctx context.Context, args UpdateBufferedReflectionArgs) error

	SwapBufferedToActive(ctx context.Context, args SwapBufferedToActiveArgs) (SwapBufferedToActiveResult, error)
	SwapBufferedReflectionToActive(ctx context.Context, args SwapBufferedReflectionToActiveArgs) error
	CreateReflectionGeneration(ctx context.Context, args CreateReflectionGenerationArgs) error

	SetObservingFlag(ctx context.Context, id string, on bool) error
	SetReflectingFlag(ctx context.Context, id string, on bool) error
	SetBufferingObservationFlag(ctx context.Context, id string, on bool, boundaryTokens int) error
	SetBufferingReflectionFlag(ctx context.Context, id string, on bool) error

	ListThreads(ctx context.Context, filter ThreadFilter) ([]string, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]domain.Message, error)
	ListMessagesByResourceID(ctx context.Context, filter MessageFilter) ([]domain.Message, error)
	GetThreadByID(ctx context.Context, threadID string) (domain.ThreadMetadata, error)
	UpdateThread(ctx context.Context, threadID string, meta domain.ThreadMetadata) error

	PersistMessages(ctx context.Context, msgs []domain.Message) error

	Clear(ctx context.Context, key domain.ScopeKey) error
}

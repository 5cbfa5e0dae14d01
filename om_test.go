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
package om

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/store"
	"github.com/rivermind-ai/om/pkg/store/memstore"
	"github.com/rivermind-ai/om/pkg/threshold"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type scriptedAgent struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (a *scriptedAgent) Call(ctx context.Context, model, system, user string, settings store.ModelSettings) (string, domain.Usage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp := a.responses[a.calls%len(a.responses)]
	a.calls++
	return resp, domain.Usage{InputTokens: 1, OutputTokens: 1}, nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type nopWriter struct{}

func (nopWriter) WritePart(ctx context.Context, threadID string, part domain.Part) error { return nil }

func userMessage(id, text string, createdAt time.Time) domain.Message {
	return domain.Message{
		ID: id, ThreadID: "t1", Role: "user", CreatedAt: createdAt,
		Parts: []domain.Part{{Kind: domain.PartKindText, Text: text}},
	}
}

func TestNewRejectsBothModelsSet(t *testing.T) {
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"x"}}
	_, err := New(s, agent, nopWriter{}, nil, Options{
		Scope: domain.ScopeThread,
		Model: "a",
		Observation: ObservationOptions{
			Model:         "b",
			MessageTokens: threshold.Scalar(100),
		},
	})
	require.ErrorIs(t, err, ErrBothModelsSet)
}

func TestNewRejectsUnknownProfile(t *testing.T) {
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"x"}}
	_, err := New(s, agent, nopWriter{}, nil, Options{
		Scope:   domain.ScopeThread,
		Profile: threshold.Profile("not-a-real-profile"),
	})
	require.ErrorIs(t, err, ErrUnknownProfile)
}

func TestNewRejectsShareTokenBudgetWithoutRange(t *testing.T) {
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"x"}}
	_, err := New(s, agent, nopWriter{}, nil, Options{
		Scope:            domain.ScopeThread,
		Model:            "claude",
		ShareTokenBudget: true,
		Observation: ObservationOptions{
			MessageTokens: threshold.Scalar(1000),
		},
	})
	require.ErrorIs(t, err, ErrShareTokenBudgetRequiresRange)
}

func TestNewAppliesProfileDefaults(t *testing.T) {
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"x"}}
	engine, err := New(s, agent, nopWriter{}, nil, Options{
		Scope:   domain.ScopeThread,
		Model:   "claude",
		Profile: ProfileBalanced,
		Reflection: ReflectionOptions{
			ObservationTokens: 100,
			AsyncActivation:   0.5,
		},
	})
	require.NoError(t, err)
	resolved := engine.GetResolvedConfig()
	assert.Equal(t, 6_000, resolved.ObservationResolver.Threshold.Max)
}

func TestNewDefaultsMaxOutputTokensFromModelContextLimit(t *testing.T) {
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"x"}}
	engine, err := New(s, agent, nopWriter{}, nil, Options{
		Scope: domain.ScopeThread,
		Model: "claude-sonnet-4",
		Observation: ObservationOptions{
			MessageTokens: threshold.Scalar(1000),
		},
	})
	require.NoError(t, err)
	resolved := engine.GetResolvedConfig()
	assert.Equal(t, 10_000, resolved.ObservationSettings.MaxOutputTokens)
	assert.Equal(t, 10_000, resolved.ReflectionSettings.MaxOutputTokens)
}

func TestNewDefaultsMaxOutputTokensForUnknownModel(t *testing.T) {
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"x"}}
	engine, err := New(s, agent, nopWriter{}, nil, Options{
		Scope: domain.ScopeThread,
		Model: "some-unlisted-model",
		Observation: ObservationOptions{
			MessageTokens: threshold.Scalar(1000),
		},
	})
	require.NoError(t, err)
	resolved := engine.GetResolvedConfig()
	assert.Equal(t, 4_096, resolved.ObservationSettings.MaxOutputTokens)
}

func TestProcessInputStepBelowThresholdSkipsObservation(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"<observations>\n- should not fire\n</observations>"}}
	engine, err := New(s, agent, nopWriter{}, fixedClock{time.Now()}, Options{
		Scope: domain.ScopeThread,
		Model: "claude",
		Observation: ObservationOptions{
			MessageTokens: threshold.Scalar(1000),
		},
	})
	require.NoError(t, err)

	now := time.Now()
	result, err := engine.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID:   "t1",
		StepNumber: 0,
		Messages:   []domain.Message{userMessage("m1", "hi", now)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, agent.callCount())
	assert.False(t, result.Progress.WillObserve)
}

func TestObserveAndGetObservations(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"<observations>\n- the user likes Go\n</observations>\n<current-task>none</current-task>"}}
	engine, err := New(s, agent, nopWriter{}, fixedClock{time.Now()}, Options{
		Scope: domain.ScopeThread,
		Model: "claude",
		Observation: ObservationOptions{
			MessageTokens: threshold.Scalar(1_000_000), // never trips automatically
		},
	})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.PersistMessages(ctx, []domain.Message{userMessage("m1", "I love Go", now)}))

	require.NoError(t, engine.Observe(ctx, "t1", ""))

	obs, err := engine.GetObservations(ctx, "t1", "")
	require.NoError(t, err)
	assert.Contains(t, obs, "the user likes Go")
	assert.Equal(t, 1, agent.callCount())
}

func TestReflectForcesCompressionRegardlessOfThreshold(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"compressed summary"}}
	engine, err := New(s, agent, nopWriter{}, fixedClock{time.Now()}, Options{
		Scope: domain.ScopeThread,
		Model: "claude",
		Observation: ObservationOptions{
			MessageTokens: threshold.Scalar(1_000_000),
		},
		Reflection: ReflectionOptions{
			ObservationTokens: 1_000_000, // far above current size, wouldn't auto-fire
		},
	})
	require.NoError(t, err)

	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	rec, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: rec.ID, Text: "- old note", TokenCount: 5,
	}))

	require.NoError(t, engine.Reflect(ctx, "t1", "", "be terser"))

	obs, err := engine.GetObservations(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "compressed summary", obs)
}

func TestClearRemovesRecord(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	agent := &scriptedAgent{responses: []string{"x"}}
	engine, err := New(s, agent, nopWriter{}, fixedClock{time.Now()}, Options{
		Scope: domain.ScopeThread,
		Model: "claude",
		Observation: ObservationOptions{
			MessageTokens: threshold.Scalar(1000),
		},
	})
	require.NoError(t, err)

	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	_, err = s.Initialize(ctx, key)
	require.NoError(t, err)

	require.NoError(t, engine.Clear(ctx, "t1", ""))

	rec, err := engine.GetRecord(ctx, "t1", "")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

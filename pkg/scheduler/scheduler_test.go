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
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivermind-ai/om/pkg/asyncbuffer"
	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/llmrole"
	"github.com/rivermind-ai/om/pkg/marker"
	"github.com/rivermind-ai/om/pkg/store"
	"github.com/rivermind-ai/om/pkg/store/memstore"
	"github.com/rivermind-ai/om/pkg/threshold"
	"github.com/rivermind-ai/om/pkg/tokencount"
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

type capturingWriter struct {
	mu    sync.Mutex
	parts []domain.Part
}

func (w *capturingWriter) WritePart(ctx context.Context, threadID string, part domain.Part) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.parts = append(w.parts, part)
	return nil
}

func (w *capturingWriter) kinds() []marker.Kind {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []marker.Kind
	for _, p := range w.parts {
		if m, ok := marker.Decode(p); ok {
			out = append(out, m.Kind)
		}
	}
	return out
}

func userMessage(id, text string, createdAt time.Time) domain.Message {
	return domain.Message{
		ID: id, ThreadID: "t1", Role: "user", CreatedAt: createdAt,
		Parts: []domain.Part{{Kind: domain.PartKindText, Text: text}},
	}
}

func newTestScheduler(t *testing.T, agent *scriptedAgent, writer *capturingWriter, cfg Config) (*Scheduler, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	observer := llmrole.NewObserver(agent, fixedClock{time.Now()})
	reflector := llmrole.NewReflector(agent, fixedClock{time.Now()}, nil)
	async := asyncbuffer.New(s, agent, writer, fixedClock{time.Now()}, nil)
	if cfg.Observation == nil {
		resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1000)})
		require.NoError(t, err)
		cfg.Observation = resolver
	}
	if cfg.Model == "" {
		cfg.Model = "claude"
	}
	sched := New(s, async, observer, reflector, writer, fixedClock{time.Now()}, tokencount.New(), cfg)
	return sched, s
}

func TestProcessInputStepBelowThresholdSkipsObservation(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{"<observations>\n- should not be called\n</observations>"}}
	sched, _ := newTestScheduler(t, agent, &capturingWriter{}, Config{Scope: domain.ScopeThread})

	now := time.Now()
	result, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID:   "t1",
		StepNumber: 0,
		Messages:   []domain.Message{userMessage("m1", "hello", now)},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, agent.callCount(), "below-threshold messages must not trigger a synchronous observation")
	assert.False(t, result.Progress.WillObserve)
	// The injected system message and continuation reminder bracket the
	// original message even when nothing was observed.
	require.Len(t, result.Messages, 3)
	assert.Equal(t, "m1", result.Messages[1].ID)
}

func TestProcessInputStepSynchronousObservationAtThreshold(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{
		"<observations>\n- the user said hello\n</observations>\n<current-task>say hi back</current-task>",
	}}
	writer := &capturingWriter{}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(5)})
	require.NoError(t, err)
	sched, st := newTestScheduler(t, agent, writer, Config{Scope: domain.ScopeThread, Observation: resolver})

	now := time.Now()
	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	turn := newTurn(key, "t1")

	// Step 0 bootstraps; the single long message already exceeds the
	// five-token threshold, so step 1 (StepNumber > 0) observes it
	// synchronously.
	res0, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 0, Turn: turn,
		Messages: []domain.Message{userMessage("m1", "a long enough message to cross the tiny threshold", now)},
	})
	require.NoError(t, err)

	res1, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 1, Turn: res0.Turn,
	})
	require.NoError(t, err)
	_ = res1

	assert.Equal(t, 1, agent.callCount())
	assert.Contains(t, writer.kinds(), marker.KindObservationStart)
	assert.Contains(t, writer.kinds(), marker.KindObservationEnd)

	rec, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, rec.ActiveObservations, "the user said hello")
	assert.True(t, rec.HasObserved("m1"))

	// The observed message (m1, the only and therefore last message of the
	// batch) is the host the observation-end marker was appended to, which
	// must seal it (I5/P4): the persisted copy's last part carries
	// Metadata.SealedAt, and marker.FindLastCompletedObservationBoundary
	// finds the observation-end part on it.
	persisted, err := st.ListMessages(ctx, store.MessageFilter{ThreadID: "t1", OrderBy: "created_at asc"})
	require.NoError(t, err)
	var host *domain.Message
	for i := range persisted {
		if persisted[i].ID == "m1" {
			host = &persisted[i]
		}
	}
	require.NotNil(t, host, "m1 must have been re-persisted with its sealing marker appended")
	last := host.LastPart()
	require.NotNil(t, last)
	assert.True(t, last.Metadata.Sealed)
	require.NotNil(t, last.Metadata.SealedAt)
	assert.GreaterOrEqual(t, marker.FindLastCompletedObservationBoundary(host), 0)
}

// Once a message is sealed by an observation-end marker, a later save that
// reuses its ID (e.g. the caller streaming more content into the same
// logical message) must land under a fresh ID instead of mutating the
// sealed row (I5): persistWithSealRewrite's turn.SealedIDs bookkeeping is
// what makes this possible, and it only has entries because
// observeSingleThread's HostMessage wiring actually seals the persisted
// message in the first place.
func TestSealedHostMessageIsRewrittenOnNextSave(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{
		"<observations>\n- the user said hello\n</observations>",
	}}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(5)})
	require.NoError(t, err)
	sched, st := newTestScheduler(t, agent, &capturingWriter{}, Config{Scope: domain.ScopeThread, Observation: resolver})

	now := time.Now()
	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	turn := newTurn(key, "t1")

	res0, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 0, Turn: turn,
		Messages: []domain.Message{userMessage("m1", "a long enough message to cross the tiny threshold", now)},
	})
	require.NoError(t, err)
	res1, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 1, Turn: res0.Turn,
	})
	require.NoError(t, err)

	require.Contains(t, res1.Turn.SealedIDs, "m1")

	// The caller streams a continuation into what it still calls "m1";
	// persistWithSealRewrite must give it a new ID rather than overwrite
	// the sealed row.
	err = sched.ProcessOutputResult(ctx, ProcessOutputResultArgs{
		Turn: res1.Turn,
		Messages: []domain.Message{
			userMessage("m1", "more content streamed after the seal", now.Add(time.Minute)),
		},
	})
	require.NoError(t, err)

	persisted, err := st.ListMessages(ctx, store.MessageFilter{ThreadID: "t1", OrderBy: "created_at asc"})
	require.NoError(t, err)
	var sealedRow, rewrittenRow *domain.Message
	for i := range persisted {
		switch {
		case persisted[i].ID == "m1":
			sealedRow = &persisted[i]
		case persisted[i].CreatedAt.Equal(now.Add(time.Minute)):
			rewrittenRow = &persisted[i]
		}
	}
	require.NotNil(t, sealedRow, "the original sealed m1 row must still exist, untouched")
	assert.True(t, sealedRow.LastPart().Metadata.Sealed)
	require.NotNil(t, rewrittenRow, "the continuation must have been persisted under a new ID")
	assert.NotEqual(t, "m1", rewrittenRow.ID)
	assert.Equal(t, "more content streamed after the seal", rewrittenRow.Parts[0].Text)
}

func TestProcessInputStepPersistsEachMessageExactlyOnce(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{"<observations></observations>"}}
	sched, st := newTestScheduler(t, agent, &capturingWriter{}, Config{Scope: domain.ScopeThread})

	now := time.Now()
	turn := newTurn(domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}, "t1")

	res0, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 0, Turn: turn,
		Messages: []domain.Message{userMessage("m1", "hi", now)},
	})
	require.NoError(t, err)

	_, err = sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 1, Turn: res0.Turn,
		Messages: []domain.Message{userMessage("m2", "again", now.Add(time.Second))},
	})
	require.NoError(t, err)

	msgs, err := st.ListMessages(ctx, store.MessageFilter{ThreadID: "t1", OrderBy: "created_at asc"})
	require.NoError(t, err)
	// m1 must appear exactly once across both per-step saves, not once per
	// step it remained pending for.
	count := 0
	for _, m := range msgs {
		if m.ID == "m1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestProcessInputStepBufferedActivationAtStepZero(t *testing.T) {
	ctx := context.Background()
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1000), BufferEvery: 10})
	require.NoError(t, err)
	sched, s := newTestScheduler(t, &scriptedAgent{}, &capturingWriter{}, Config{Scope: domain.ScopeThread, Observation: resolver})

	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	rec, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.UpdateBufferedObservations(ctx, rec.ID, domain.BufferedChunk{
		CycleID: "c1", Observations: "- earlier buffered fact", TokenCount: 4, MessageIDs: []string{"buffered-m"},
	}))

	result, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 0,
		Messages: []domain.Message{userMessage("m1", "hi", time.Now())},
	})
	require.NoError(t, err)
	// Step 3 (buffered activation) runs before step 4 builds the progress
	// snapshot, so by the time progress is reported the chunk is gone.
	assert.False(t, result.Progress.HasBufferedChunks)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, got.ActiveObservations, "earlier buffered fact")
	assert.Empty(t, got.BufferedObservationChunks)
}

// observeResourceScope's greedy batch selection stops as soon as the
// cumulative token budget crosses the threshold, so this is exercised
// directly with a deliberately generous threshold rather than through the
// full ProcessInputStep cascade, where the exact BPE token counts of the
// fixtures would otherwise decide (non-obviously) how many threads get
// selected.
func TestObserveResourceScopeCoversEveryThreadWithBudgetToSpare(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{
		`<thread id="t1"><observations>
- t1 fact
</observations></thread><thread id="t2"><observations>
- t2 fact
</observations></thread>`,
	}}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1_000_000)})
	require.NoError(t, err)
	sched, s := newTestScheduler(t, agent, &capturingWriter{}, Config{Scope: domain.ScopeResource, Observation: resolver})

	now := time.Now()
	otherThread := userMessage("t2-m1", "a message already sitting in the other thread of this resource", now)
	otherThread.ThreadID = "t2"
	require.NoError(t, s.PersistMessages(ctx, []domain.Message{
		userMessage("t1-m1", "a long enough new message in thread one", now),
		otherThread,
	}))
	require.NoError(t, s.UpdateThread(ctx, "t1", domain.ThreadMetadata{}))
	require.NoError(t, s.UpdateThread(ctx, "t2", domain.ThreadMetadata{}))

	key := domain.ScopeKey{Scope: domain.ScopeResource, ResourceID: "r1"}
	rec, err := s.Initialize(ctx, key)
	require.NoError(t, err)

	err = sched.observeResourceScope(ctx, key, rec, "r1", newTurn(key, "t1"))
	require.NoError(t, err)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, got.ActiveObservations, "t1 fact")
	assert.Contains(t, got.ActiveObservations, "t2 fact")
	assert.True(t, got.HasObserved("t1-m1"))
	assert.True(t, got.HasObserved("t2-m1"))
}

// ProcessInputStep's threshold-reached branch must actually delegate to the
// resource-scope observer rather than silently no-op; this only checks that
// an observation cycle ran, not which of the (possibly several) threads'
// content the greedy selector picked up.
func TestProcessInputStepResourceScopeTriggersObservation(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{
		`<thread id="t1"><observations>
- t1 fact
</observations></thread>`,
	}}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1)})
	require.NoError(t, err)
	writer := &capturingWriter{}
	sched, _ := newTestScheduler(t, agent, writer, Config{Scope: domain.ScopeResource, Observation: resolver})

	now := time.Now()
	key := domain.ScopeKey{Scope: domain.ScopeResource, ResourceID: "r1", ThreadID: "t1"}
	turn := newTurn(key, "t1")
	res0, err := sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", ResourceID: "r1", StepNumber: 0, Turn: turn,
		Messages: []domain.Message{userMessage("t1-m1", "a long enough new message in thread one", now)},
	})
	require.NoError(t, err)

	_, err = sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", ResourceID: "r1", StepNumber: 1, Turn: res0.Turn,
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, agent.callCount(), 1)
	assert.Contains(t, writer.kinds(), marker.KindObservationEnd)
}

func TestProcessInputStepReflectionFiresPastObservationThreshold(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{"condensed reflection"}}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1000)})
	require.NoError(t, err)
	sched, s := newTestScheduler(t, agent, &capturingWriter{}, Config{
		Scope: domain.ScopeThread, Observation: resolver, ReflectionThreshold: 5,
	})

	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	rec, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: rec.ID, Text: "a pile of existing observations that is already far over budget", TokenCount: 50,
	}))
	rec, err = s.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, sched.maybeReflect(ctx, key, newTurn(key, "t1")))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "condensed reflection", got.ActiveObservations)
	assert.False(t, got.IsReflecting)
	assert.Equal(t, 1, got.GenerationCount)
}

func TestProcessInputStepAbortErrorPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already aborted before the call
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1)})
	require.NoError(t, err)
	sched, _ := newTestScheduler(t, &scriptedAgent{responses: []string{"x"}}, &capturingWriter{}, Config{
		Scope: domain.ScopeThread, Observation: resolver,
	})

	turn := newTurn(domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}, "t1")
	res0, err := sched.ProcessInputStep(context.Background(), ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 0, Turn: turn,
		Messages: []domain.Message{userMessage("m1", "hello there, this is plenty of text", time.Now())},
	})
	require.NoError(t, err)

	_, err = sched.ProcessInputStep(ctx, ProcessInputStepArgs{
		ThreadID: "t1", StepNumber: 1, Turn: res0.Turn,
	})
	require.Error(t, err)
	var abortErr *llmrole.AbortError
	assert.ErrorAs(t, err, &abortErr)
}

func TestProcessOutputResultPersistsFinalMessages(t *testing.T) {
	ctx := context.Background()
	sched, s := newTestScheduler(t, &scriptedAgent{}, &capturingWriter{}, Config{Scope: domain.ScopeThread})

	turn := newTurn(domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}, "t1")
	err := sched.ProcessOutputResult(ctx, ProcessOutputResultArgs{
		Turn: turn,
		Messages: []domain.Message{
			{ID: "resp1", ThreadID: "t1", Role: "assistant", CreatedAt: time.Now(),
				Parts: []domain.Part{{Kind: domain.PartKindText, Text: "sure, happy to help"}}},
		},
	})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, store.MessageFilter{ThreadID: "t1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "resp1", msgs[0].ID)
}

// The reflection buffering trigger (§4.7) fires a background BufferReflection
// call once ObservationTokenCount crosses ReflectionAsyncActivation times
// ReflectionThreshold, ahead of ReflectionThreshold itself being crossed.
func TestMaybeTriggerReflectionBufferingFiresPastAsyncActivation(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{"buffered reflection text"}}
	writer := &capturingWriter{}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1000)})
	require.NoError(t, err)
	sched, s := newTestScheduler(t, agent, writer, Config{
		Scope: domain.ScopeThread, Observation: resolver,
		ReflectionThreshold: 100, ReflectionAsyncActivation: 0.5,
	})

	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	rec, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: rec.ID, Text: "existing notes", TokenCount: 60,
	}))
	rec, err = s.Get(ctx, key)
	require.NoError(t, err)

	sched.maybeTriggerReflectionBuffering(key, rec, "t1")

	require.Eventually(t, func() bool {
		got, err := s.Get(ctx, key)
		return err == nil && got.BufferedReflection != ""
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "buffered reflection text", got.BufferedReflection)
	assert.False(t, got.IsBufferingReflection)
	assert.Contains(t, writer.kinds(), marker.KindBufferingStart)
	assert.Contains(t, writer.kinds(), marker.KindBufferingEnd)
}

func TestMaybeTriggerReflectionBufferingSkipsBelowAsyncActivation(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{"buffered reflection text"}}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1000)})
	require.NoError(t, err)
	sched, s := newTestScheduler(t, agent, &capturingWriter{}, Config{
		Scope: domain.ScopeThread, Observation: resolver,
		ReflectionThreshold: 100, ReflectionAsyncActivation: 0.5,
	})

	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	rec, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: rec.ID, Text: "existing notes", TokenCount: 10,
	}))
	rec, err = s.Get(ctx, key)
	require.NoError(t, err)

	sched.maybeTriggerReflectionBuffering(key, rec, "t1")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, agent.callCount())

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got.BufferedReflection)
}

func TestMaybeTriggerReflectionBufferingSkipsWhenAlreadyBuffered(t *testing.T) {
	ctx := context.Background()
	agent := &scriptedAgent{responses: []string{"buffered reflection text"}}
	resolver, err := threshold.NewResolver(threshold.Config{Threshold: threshold.Scalar(1000)})
	require.NoError(t, err)
	sched, s := newTestScheduler(t, agent, &capturingWriter{}, Config{
		Scope: domain.ScopeThread, Observation: resolver,
		ReflectionThreshold: 100, ReflectionAsyncActivation: 0.5,
	})

	key := domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: "t1"}
	rec, err := s.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: rec.ID, Text: "existing notes", TokenCount: 60,
	}))
	require.NoError(t, s.UpdateBufferedReflection(ctx, store.UpdateBufferedReflectionArgs{
		ID: rec.ID, Text: "already buffered", TokenCount: 3, ReflectedObservationLines: 1,
	}))
	rec, err = s.Get(ctx, key)
	require.NoError(t, err)

	sched.maybeTriggerReflectionBuffering(key, rec, "t1")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, agent.callCount())
}

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

// Package asyncbuffer runs Observer/Reflector calls in the background
// ("buffering", §4.7) and activates their results into a record's active
// state once a caller asks for them (§4.8 step 6, §4.12). Buffering runs
// for one scope are chained: a new run awaits the prior one rather than
// running concurrently with it, so a record's BufferedObservationChunks
// never race each other.
package asyncbuffer

import (
	"context"
	"sync"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/llmrole"
	"github.com/rivermind-ai/om/pkg/marker"
	"github.com/rivermind-ai/om/pkg/store"
	"github.com/rivermind-ai/om/pkg/tokencount"
)

// sealForBuffering stamps Metadata.Sealed/SealedAt on the last part of
// every message in msgs, returning sealed copies. Called before a message
// batch is handed to a background Observer call (§4.7 step 4), so content
// streamed concurrently into one of these messages lands in a new message
// instead of mutating the one the buffering cycle is reading.
func sealForBuffering(msgs []domain.Message, now int64) []domain.Message {
	sealed := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		if len(m.Parts) == 0 {
			sealed[i] = m
			continue
		}
		parts := make([]domain.Part, len(m.Parts))
		copy(parts, m.Parts)
		at := now
		parts[len(parts)-1].Metadata.Sealed = true
		parts[len(parts)-1].Metadata.SealedAt = &at
		m.Parts = parts
		sealed[i] = m
	}
	return sealed
}

// Engine coordinates background buffering and activation for one process.
// It holds no per-record state of its own; everything durable lives in
// Store. The in-memory chain map is purely a same-process serialization
// aid — cross-process coordination is the persisted Is*Buffering* flags.
type Engine struct {
	Store   store.RecordStore
	Agent   store.AgentCall
	Writer  store.StreamWriter
	Clock   store.ClockSource
	Counter *tokencount.Counter

	mu     sync.Mutex
	chains map[string]chan struct{}
}

// New returns an Engine. counter defaults to tokencount.New() when nil and
// clock to store.SystemClock{} when nil.
func New(recordStore store.RecordStore, agent store.AgentCall, writer store.StreamWriter, clock store.ClockSource, counter *tokencount.Counter) *Engine {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if counter == nil {
		counter = tokencount.New()
	}
	return &Engine{
		Store: recordStore, Agent: agent, Writer: writer, Clock: clock, Counter: counter,
		chains: make(map[string]chan struct{}),
	}
}

// InFlight reports whether a buffering run is currently chained for key
// (running or waiting on a predecessor).
func (e *Engine) InFlight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.chains[key]
	return ok
}

// await blocks until any prior chained run for key has finished, then
// registers the caller as the new tail of the chain. The returned release
// must be called exactly once when the caller's own run finishes (success
// or failure) to let the next waiter proceed and to remove the chain entry
// if no one else has since replaced it.
func (e *Engine) await(ctx context.Context, key string) (release func(), err error) {
	e.mu.Lock()
	prior, running := e.chains[key]
	done := make(chan struct{})
	e.chains[key] = done
	e.mu.Unlock()

	if running {
		select {
		case <-prior:
		case <-ctx.Done():
			e.mu.Lock()
			if e.chains[key] == done {
				delete(e.chains, key)
			}
			e.mu.Unlock()
			close(done)
			return func() {}, ctx.Err()
		}
	}

	release = func() {
		close(done)
		e.mu.Lock()
		if e.chains[key] == done {
			delete(e.chains, key)
		}
		e.mu.Unlock()
	}
	return release, nil
}

// BufferObservationsArgs is the input to BufferObservations.
type BufferObservationsArgs struct {
	Model                 string
	Record                *domain.Record
	Messages              []domain.Message
	MessageIDs            []string
	TokensToObserve       int
	HostThreadID          string
	SkipContinuationHints bool
	Settings              store.ModelSettings
}

// BufferObservations runs one background Observer call and appends its
// result to the record's BufferedObservationChunks. It emits
// buffering-start/buffering-end/buffering-failed markers rather than the
// observation-* markers a synchronous call would use (§4.7), and toggles
// IsBufferingObservation for the duration.
func (e *Engine) BufferObservations(ctx context.Context, key domain.ScopeKey, args BufferObservationsArgs) error {
	release, err := e.await(ctx, key.String())
	if err != nil {
		return err
	}
	defer release()

	if err := e.Store.SetBufferingObservationFlag(ctx, args.Record.ID, true, args.Record.ObservationTokenCount); err != nil {
		return err
	}
	defer func() { _ = e.Store.SetBufferingObservationFlag(ctx, args.Record.ID, false, 0) }()

	// §4.7 step 4: seal the chosen batch and persist it before the Observer
	// reads it, so a concurrently streaming message can't keep mutating
	// the same row this buffering cycle is summarizing.
	sealed := sealForBuffering(args.Messages, e.Clock.Now().UnixNano())
	if err := e.Store.PersistMessages(ctx, sealed); err != nil {
		return err
	}

	system, user := llmrole.BuildObserverPrompt(args.Record.ActiveObservations, sealed, args.SkipContinuationHints)
	res, err := llmrole.Execute(ctx, llmrole.Attempt{
		Agent: e.Agent, Writer: e.Writer, Clock: e.Clock,
		OperationType: marker.OperationObservation, Model: args.Model,
		SystemPrompt: system, UserPrompt: user, Settings: args.Settings,
		RecordID: args.Record.ID, ThreadID: key.ThreadID, TokensToObserve: args.TokensToObserve,
		HostThreadID: args.HostThreadID,
		StartKind: marker.KindBufferingStart, EndKind: marker.KindBufferingEnd, FailedKind: marker.KindBufferingFailed,
	})
	if err != nil {
		return err
	}

	parsed := llmrole.ParseSingleThreadObserverOutput(res.Text)
	chunk := domain.BufferedChunk{
		CycleID:        res.CycleID,
		Observations:   parsed.Observations,
		TokenCount:     e.Counter.CountObservations(parsed.Observations),
		MessageIDs:     args.MessageIDs,
		MessageTokens:  e.Counter.CountMessages(domain.CountableMessages(sealed)),
		LastObservedAt: e.Clock.Now(),
	}
	return e.Store.UpdateBufferedObservations(ctx, args.Record.ID, chunk)
}

// BufferReflectionArgs is the input to BufferReflection.
type BufferReflectionArgs struct {
	Model        string
	Record       *domain.Record
	Guidance     string
	TargetTokens int
	HostThreadID string
	Settings     store.ModelSettings
}

// BufferReflection runs one background Reflector call over the record's
// current ActiveObservations and stores the result as BufferedReflection,
// recording how many of the current ActiveObservations lines it
// summarized so a later activation (ActivateReflection) can append the
// unreflected tail. Like BufferObservations, it uses the buffering-*
// marker kinds, not the reflector's normal observation-* ones, so it calls
// llmrole.Execute directly rather than going through Reflector.Call.
func (e *Engine) BufferReflection(ctx context.Context, key domain.ScopeKey, args BufferReflectionArgs) error {
	release, err := e.await(ctx, key.String())
	if err != nil {
		return err
	}
	defer release()

	if err := e.Store.SetBufferingReflectionFlag(ctx, args.Record.ID, true); err != nil {
		return err
	}
	defer func() { _ = e.Store.SetBufferingReflectionFlag(ctx, args.Record.ID, false) }()

	reflectedLines := len(splitLines(args.Record.ActiveObservations))
	system, user := llmrole.BuildReflectorPrompt(args.Record.ActiveObservations, args.Guidance, args.TargetTokens, "")

	res, err := llmrole.Execute(ctx, llmrole.Attempt{
		Agent: e.Agent, Writer: e.Writer, Clock: e.Clock,
		OperationType: marker.OperationReflection, Model: args.Model,
		SystemPrompt: system, UserPrompt: user, Settings: args.Settings,
		RecordID: args.Record.ID, ThreadID: key.ThreadID,
		HostThreadID: args.HostThreadID,
		StartKind: marker.KindBufferingStart, EndKind: marker.KindBufferingEnd, FailedKind: marker.KindBufferingFailed,
	})
	if err != nil {
		return err
	}

	return e.Store.UpdateBufferedReflection(ctx, store.UpdateBufferedReflectionArgs{
		ID:                        args.Record.ID,
		Text:                      res.Text,
		TokenCount:                e.Counter.CountObservations(res.Text),
		ReflectedObservationLines: reflectedLines,
	})
}

// ActivateObservations swaps some or all of the record's buffered
// observation chunks into ActiveObservations (§4.8 step 6). ratio selects
// a token-budget-aware prefix of the buffered chunks; 1.0 activates every
// buffered chunk. It emits an activation marker summarizing what moved.
func (e *Engine) ActivateObservations(ctx context.Context, recordID, hostThreadID string, ratio float64) (store.SwapBufferedToActiveResult, error) {
	result, err := e.Store.SwapBufferedToActive(ctx, store.SwapBufferedToActiveArgs{ID: recordID, ActivationRatio: ratio})
	if err != nil {
		return store.SwapBufferedToActiveResult{}, err
	}
	e.emitActivation(ctx, hostThreadID, result.ChunksActivated, result.ObservationTokensActivated, result.MessagesActivated)
	return result, nil
}

// ActivateReflection swaps the record's buffered reflection into
// ActiveObservations, appending the unreflected tail via
// domain.Record.MergeReflection so the swap's persisted TokenCount matches
// exactly what's installed. Activation is all-or-nothing: unlike
// observation activation there is no ratio, per §4.8/§4.12.
func (e *Engine) ActivateReflection(ctx context.Context, record *domain.Record, hostThreadID string) error {
	merged := record.MergeReflection()
	tokenCount := e.Counter.CountObservations(merged)
	if err := e.Store.SwapBufferedReflectionToActive(ctx, store.SwapBufferedReflectionToActiveArgs{
		CurrentRecord: record,
		TokenCount:    tokenCount,
	}); err != nil {
		return err
	}
	e.emitActivation(ctx, hostThreadID, 0, tokenCount, 0)
	return nil
}

func (e *Engine) emitActivation(ctx context.Context, hostThreadID string, chunks, tokens, messages int) {
	if e.Writer == nil {
		return
	}
	part := marker.New().Encode(marker.Marker{
		Kind: marker.KindActivation, CycleID: marker.NewCycleID(),
		CompletedAt: e.Clock.Now(),
		ChunksActivated: chunks, TokensActivated: tokens, MessagesActivated: messages,
	})
	_ = e.Writer.WritePart(ctx, hostThreadID, part)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	out := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

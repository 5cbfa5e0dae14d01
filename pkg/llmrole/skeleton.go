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
package llmrole

import (
	"context"
	"fmt"
	"time"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/marker"
	"github.com/rivermind-ai/om/pkg/store"
)

var markerCodec = marker.New()

// AbortError wraps context cancellation observed at a suspension point
// inside the shared call skeleton, distinguishing "abort, propagate" from
// ordinary transient failures that are logged and swallowed.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string { return fmt.Sprintf("llmrole: aborted: %v", e.Cause) }
func (e *AbortError) Unwrap() error { return e.Cause }

// Attempt is one invocation of the shared "call with retry and marker
// emission" skeleton, parameterized by OperationType so a single routine
// serves both Observer and Reflector.
type Attempt struct {
	Agent  store.AgentCall
	Writer store.StreamWriter // may be nil to skip marker emission
	Clock  store.ClockSource

	OperationType marker.OperationType
	Model         string
	SystemPrompt  string
	UserPrompt    string
	Settings      store.ModelSettings

	RecordID        string
	ThreadID        string
	ThreadIDs       []string
	TokensToObserve int
	HostThreadID    string // thread the markers are written against

	// HostMessage, when non-nil, is the real conversation message the
	// emitted markers are appended to (its last part, per §4.2/§4.10
	// step 1/6). Appending the observation-end marker here is what seals
	// it. May be nil (e.g. reflection, which has no message batch of its
	// own) to fall back to stream-only emission.
	HostMessage *domain.Message

	StartKind  marker.Kind
	EndKind    marker.Kind
	FailedKind marker.Kind
}

// Result is the outcome of one successful Execute.
type Result struct {
	Text    string
	Usage   domain.Usage
	CycleID string
}

// Execute runs one attempt: emits the start marker, checks for abortion
// before and after the LLM call (§5 "Suspension points"), invokes the
// agent, and emits either the end or failed marker. Callers needing the
// Reflector's oversize-retry behavior call Execute twice with fresh cycle
// IDs; Execute itself never retries.
func Execute(ctx context.Context, a Attempt) (Result, error) {
	cycleID := marker.NewCycleID()
	now := a.Clock.Now()

	a.emit(ctx, marker.Marker{
		Kind: a.StartKind, CycleID: cycleID, OperationType: a.OperationType,
		StartedAt: now, TokensToObserve: a.TokensToObserve, RecordID: a.RecordID,
		ThreadID: a.ThreadID, ThreadIDs: a.ThreadIDs,
	}, now)

	if err := ctx.Err(); err != nil {
		a.emitFailed(ctx, cycleID, err)
		return Result{}, &AbortError{Cause: err}
	}

	text, usage, err := a.Agent.Call(ctx, a.Model, a.SystemPrompt, a.UserPrompt, a.Settings)
	if err != nil {
		a.emitFailed(ctx, cycleID, err)
		return Result{}, fmt.Errorf("llmrole: %s call: %w", a.OperationType, err)
	}

	if cerr := ctx.Err(); cerr != nil {
		a.emitFailed(ctx, cycleID, cerr)
		return Result{}, &AbortError{Cause: cerr}
	}

	completed := a.Clock.Now()
	a.emit(ctx, marker.Marker{
		Kind: a.EndKind, CycleID: cycleID, OperationType: a.OperationType,
		CompletedAt: completed, DurationMs: completed.Sub(now).Milliseconds(),
		TokensObserved: a.TokensToObserve,
	}, completed)

	return Result{Text: text, Usage: usage, CycleID: cycleID}, nil
}

// emit appends m onto a.HostMessage's Parts (sealing it, for
// KindObservationEnd) and, if a Writer is configured, also streams it.
func (a Attempt) emit(ctx context.Context, m marker.Marker, at time.Time) {
	if a.HostMessage != nil {
		markerCodec.Append(a.HostMessage, m, at)
	}
	if a.Writer == nil {
		return
	}
	part := markerCodec.Encode(m)
	_ = a.Writer.WritePart(ctx, a.HostThreadID, part)
}

func (a Attempt) emitFailed(ctx context.Context, cycleID string, cause error) {
	at := a.Clock.Now()
	m := marker.Marker{
		Kind: a.FailedKind, CycleID: cycleID, OperationType: a.OperationType,
		FailedAt: at, Error: cause.Error(),
	}
	if a.HostMessage != nil {
		markerCodec.Append(a.HostMessage, m, at)
	}
	if a.Writer == nil {
		return
	}
	part := markerCodec.Encode(m)
	_ = a.Writer.WritePart(ctx, a.HostThreadID, part)
}

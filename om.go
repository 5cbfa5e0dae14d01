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

// Package om is the OMFacade (§6): the small set of public operations a
// caller actually wires into an agent loop — processInputStep,
// processOutputResult, observe, reflect, getObservations, clear — built on
// top of the Scheduler, AsyncBufferEngine, and RecordStore capability the
// rest of this module implements.
package om

import (
	"context"

	"github.com/rivermind-ai/om/pkg/asyncbuffer"
	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/llmrole"
	"github.com/rivermind-ai/om/pkg/scheduler"
	"github.com/rivermind-ai/om/pkg/store"
	"github.com/rivermind-ai/om/pkg/threshold"
	"github.com/rivermind-ai/om/pkg/tokencount"
)

// Engine is the top-level entry point: one Engine per process per
// configuration (§9, "module-level global state"). It holds no record
// state of its own — everything durable is reached through Store.
type Engine struct {
	store     store.RecordStore
	scheduler *scheduler.Scheduler
	async     *asyncbuffer.Engine
	resolved  ResolvedConfig
	options   Options
}

// New wires an Engine from its component capabilities and options. writer
// and clock may be nil (writer disables marker emission, clock defaults to
// the system clock).
func New(recordStore store.RecordStore, agent store.AgentCall, writer store.StreamWriter, clock store.ClockSource, opts Options) (*Engine, error) {
	resolved, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	counter := tokencount.New()
	asyncEngine := asyncbuffer.New(recordStore, agent, writer, clock, counter)
	observer := llmrole.NewObserver(agent, clock)
	reflector := llmrole.NewReflector(agent, clock, counter)

	schedCfg := scheduler.Config{
		Scope:                     opts.Scope,
		Model:                     resolved.ObservationModel,
		ReflectionModel:           resolved.ReflectionModel,
		Settings:                  resolved.ObservationSettings,
		ReflectionSettings:        resolved.ReflectionSettings,
		Observation:               resolved.ObservationResolver,
		ReflectionThreshold:       resolved.ReflectionThreshold,
		ReflectionAsyncActivation: resolved.ReflectionAsyncActivation,
		MaxTokensPerBatch:         opts.Observation.MaxTokensPerBatch,
		ObscureThreadIDs:          opts.ObscureThreadIDs,
		OnDebugEvent:              opts.OnDebugEvent,
	}

	sched := scheduler.New(recordStore, asyncEngine, observer, reflector, writer, clock, counter, schedCfg)

	return &Engine{
		store: recordStore, scheduler: sched, async: asyncEngine,
		resolved: resolved, options: opts,
	}, nil
}

// ProcessInputStepArgs mirrors scheduler.ProcessInputStepArgs; re-exported
// so callers depend only on the root package.
type ProcessInputStepArgs = scheduler.ProcessInputStepArgs

// ProcessInputStepResult mirrors scheduler.ProcessInputStepResult.
type ProcessInputStepResult = scheduler.ProcessInputStepResult

// ProcessOutputResultArgs mirrors scheduler.ProcessOutputResultArgs.
type ProcessOutputResultArgs = scheduler.ProcessOutputResultArgs

// DebugEvent mirrors scheduler.DebugEvent; re-exported so Options.
// OnDebugEvent callers depend only on the root package.
type DebugEvent = scheduler.DebugEvent

// ProcessInputStep runs one iteration of the per-step state machine (§4.8).
func (e *Engine) ProcessInputStep(ctx context.Context, args ProcessInputStepArgs) (ProcessInputStepResult, error) {
	return e.scheduler.ProcessInputStep(ctx, args)
}

// ProcessOutputResult performs the final per-turn save (§4.8, last
// paragraph).
func (e *Engine) ProcessOutputResult(ctx context.Context, args ProcessOutputResultArgs) error {
	return e.scheduler.ProcessOutputResult(ctx, args)
}

// Observe forces a synchronous observation cycle for (threadID,
// resourceID), independent of whether the pending-token threshold has
// been crossed.
func (e *Engine) Observe(ctx context.Context, threadID, resourceID string) error {
	return e.scheduler.ObserveNow(ctx, threadID, resourceID)
}

// Reflect forces a reflection cycle for (threadID, resourceID), optionally
// carrying human-directed guidance, independent of
// ObservationTokenCount/ReflectionThreshold.
func (e *Engine) Reflect(ctx context.Context, threadID, resourceID, guidance string) error {
	return e.scheduler.ReflectNow(ctx, threadID, resourceID, guidance)
}

func (e *Engine) scopeKey(threadID, resourceID string) domain.ScopeKey {
	if e.options.Scope == domain.ScopeResource {
		return domain.ScopeKey{Scope: domain.ScopeResource, ResourceID: resourceID, ThreadID: threadID}
	}
	return domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: threadID}
}

// GetObservations returns the current activeObservations text for
// (threadID, resourceID), or "" if no record exists yet.
func (e *Engine) GetObservations(ctx context.Context, threadID, resourceID string) (string, error) {
	record, err := e.store.Get(ctx, e.scopeKey(threadID, resourceID))
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", nil
	}
	return record.ActiveObservations, nil
}

// GetRecord returns the full OM record for (threadID, resourceID), or nil
// if one hasn't been initialized yet.
func (e *Engine) GetRecord(ctx context.Context, threadID, resourceID string) (*domain.Record, error) {
	return e.store.Get(ctx, e.scopeKey(threadID, resourceID))
}

// GetHistory returns a thread's messages through the configured
// RecordStore, for callers that want raw history without going through
// ProcessInputStep's bootstrap/filter logic.
func (e *Engine) GetHistory(ctx context.Context, threadID string, filter store.MessageFilter) ([]domain.Message, error) {
	filter.ThreadID = threadID
	return e.store.ListMessages(ctx, filter)
}

// Clear destroys the OM record for (threadID, resourceID). It does not
// touch the underlying message history — only the engine's derived state.
func (e *Engine) Clear(ctx context.Context, threadID, resourceID string) error {
	return e.store.Clear(ctx, e.scopeKey(threadID, resourceID))
}

// Config returns the Options the Engine was constructed with.
func (e *Engine) Config() Options {
	return e.options
}

// GetResolvedConfig returns the construction-time-resolved thresholds
// (absolute token counts, not the raw fractional input).
func (e *Engine) GetResolvedConfig() ResolvedConfig {
	return e.resolved
}

// Re-exported so callers composing Options don't need a second import for
// Scalar/RangeSpec/Profile.
var (
	Scalar                = threshold.Scalar
	RangeSpec             = threshold.RangeSpec
	ProfileBalanced       = threshold.ProfileBalanced
	ProfileDataIntensive  = threshold.ProfileDataIntensive
	ProfileConversational = threshold.ProfileConversational
)

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

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/marker"
	"github.com/rivermind-ai/om/pkg/store"
)

// Observer builds Observer prompts, calls the external LLM, and parses its
// XML-tagged output. It holds no per-call state.
type Observer struct {
	Agent store.AgentCall
	Clock store.ClockSource
}

// NewObserver returns an Observer. clock defaults to store.SystemClock{}
// when nil.
func NewObserver(agent store.AgentCall, clock store.ClockSource) *Observer {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Observer{Agent: agent, Clock: clock}
}

// SingleThreadArgs is the input to CallSingleThread.
type SingleThreadArgs struct {
	Model                 string
	ExistingObservations  string
	Messages              []domain.Message
	SkipContinuationHints bool
	RecordID, ThreadID    string
	TokensToObserve       int
	HostThreadID          string
	HostMessage           *domain.Message // sealed on observation-end, per §4.2/§4.10
	Writer                store.StreamWriter
	Settings              store.ModelSettings
}

// CallSingleThread runs one thread-scope Observer call.
func (o *Observer) CallSingleThread(ctx context.Context, args SingleThreadArgs) (ObserverResult, domain.Usage, error) {
	system, user := BuildObserverPrompt(args.ExistingObservations, args.Messages, args.SkipContinuationHints)

	res, err := Execute(ctx, Attempt{
		Agent: o.Agent, Writer: args.Writer, Clock: o.Clock,
		OperationType: marker.OperationObservation, Model: args.Model,
		SystemPrompt: system, UserPrompt: user, Settings: args.Settings,
		RecordID: args.RecordID, ThreadID: args.ThreadID, TokensToObserve: args.TokensToObserve,
		HostThreadID: args.HostThreadID, HostMessage: args.HostMessage,
		StartKind: marker.KindObservationStart, EndKind: marker.KindObservationEnd, FailedKind: marker.KindObservationFailed,
	})
	if err != nil {
		return ObserverResult{}, domain.Usage{}, err
	}
	return ParseSingleThreadObserverOutput(res.Text), res.Usage, nil
}

// MultiThreadArgs is the input to CallMultiThread.
type MultiThreadArgs struct {
	Model                 string
	ExistingObservations  string
	ThreadMessages        map[string][]domain.Message
	ThreadIDs             []string
	SkipContinuationHints bool
	RecordID              string
	TokensToObserve       int
	HostThreadID          string
	HostMessage           *domain.Message // sealed on observation-end, per §4.2/§4.11
	Writer                store.StreamWriter
	Settings              store.ModelSettings
}

// CallMultiThread runs one resource-scope, multi-thread Observer call.
// Threads the model doesn't report get a zero-value ObserverResult — the
// caller still advances their cursor.
func (o *Observer) CallMultiThread(ctx context.Context, args MultiThreadArgs) (map[string]ObserverResult, domain.Usage, error) {
	system, user := BuildMultiThreadObserverPrompt(args.ExistingObservations, args.ThreadMessages, args.ThreadIDs, args.SkipContinuationHints)

	res, err := Execute(ctx, Attempt{
		Agent: o.Agent, Writer: args.Writer, Clock: o.Clock,
		OperationType: marker.OperationObservation, Model: args.Model,
		SystemPrompt: system, UserPrompt: user, Settings: args.Settings,
		RecordID: args.RecordID, ThreadIDs: args.ThreadIDs, TokensToObserve: args.TokensToObserve,
		HostThreadID: args.HostThreadID, HostMessage: args.HostMessage,
		StartKind: marker.KindObservationStart, EndKind: marker.KindObservationEnd, FailedKind: marker.KindObservationFailed,
	})
	if err != nil {
		return nil, domain.Usage{}, err
	}
	return ParseMultiThreadObserverOutput(res.Text, args.ThreadIDs), res.Usage, nil
}

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
	"github.com/rivermind-ai/om/pkg/tokencount"
)

// Reflector builds Reflector prompts, calls the external LLM, and
// validates the result against a target token size, retrying once with a
// stronger compression directive if the first pass comes out oversize.
type Reflector struct {
	Agent   store.AgentCall
	Clock   store.ClockSource
	Counter *tokencount.Counter
}

// NewReflector returns a Reflector. clock defaults to store.SystemClock{}
// and counter to tokencount.New() when nil.
func NewReflector(agent store.AgentCall, clock store.ClockSource, counter *tokencount.Counter) *Reflector {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if counter == nil {
		counter = tokencount.New()
	}
	return &Reflector{Agent: agent, Clock: clock, Counter: counter}
}

// CallArgs is the input to Call.
type CallArgs struct {
	Model                string
	ExistingObservations string
	Guidance             string
	TargetTokens         int
	RecordID             string
	HostThreadID         string
	HostMessage          *domain.Message // reflection has no message batch of its own; normally nil
	Writer               store.StreamWriter
	Settings             store.ModelSettings
}

// CallResult reports the accepted replacement text, the usage summed
// across attempts, and whether the retry path was taken (P5: after
// reflect, countObservations(result) <= max(target, firstPassTokens)).
type CallResult struct {
	Text            string
	Usage           domain.Usage
	Retried         bool
	FirstPassTokens int
}

// Call runs the Reflector. If the first-pass result exceeds TargetTokens,
// it re-prompts with StrongerCompressionDirective under a fresh cycle (a
// second Execute) and accepts the second result unconditionally. The
// oversize first cycle is closed with an ordinary end marker; no failed
// marker is emitted for it.
func (r *Reflector) Call(ctx context.Context, args CallArgs) (CallResult, error) {
	system, user := BuildReflectorPrompt(args.ExistingObservations, args.Guidance, args.TargetTokens, "")

	first, err := Execute(ctx, Attempt{
		Agent: r.Agent, Writer: args.Writer, Clock: r.Clock,
		OperationType: marker.OperationReflection, Model: args.Model,
		SystemPrompt: system, UserPrompt: user, Settings: args.Settings,
		RecordID: args.RecordID, HostThreadID: args.HostThreadID, HostMessage: args.HostMessage,
		StartKind: marker.KindObservationStart, EndKind: marker.KindObservationEnd, FailedKind: marker.KindObservationFailed,
	})
	if err != nil {
		return CallResult{}, err
	}

	firstPassTokens := r.Counter.CountObservations(first.Text)
	if firstPassTokens <= args.TargetTokens {
		return CallResult{Text: first.Text, Usage: first.Usage, FirstPassTokens: firstPassTokens}, nil
	}

	// Oversize: retry under a fresh cycleId (allocated inside Execute)
	// with stronger compression guidance; the second result is accepted
	// unconditionally regardless of size.
	retrySystem, retryUser := BuildReflectorPrompt(args.ExistingObservations, args.Guidance, args.TargetTokens, StrongerCompressionDirective)

	second, err := Execute(ctx, Attempt{
		Agent: r.Agent, Writer: args.Writer, Clock: r.Clock,
		OperationType: marker.OperationReflection, Model: args.Model,
		SystemPrompt: retrySystem, UserPrompt: retryUser, Settings: args.Settings,
		RecordID: args.RecordID, HostThreadID: args.HostThreadID, HostMessage: args.HostMessage,
		StartKind: marker.KindObservationStart, EndKind: marker.KindObservationEnd, FailedKind: marker.KindObservationFailed,
	})
	if err != nil {
		return CallResult{}, err
	}

	return CallResult{
		Text:            second.Text,
		Usage:           first.Usage.Add(second.Usage),
		Retried:         true,
		FirstPassTokens: firstPassTokens,
	}, nil
}

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

// Package store defines the capability interfaces the engine is
// polymorphic over — RecordStore (OM record + thread/message CRUD),
// AgentCall (the external LLM), StreamWriter (marker emission), and
// ClockSource (injectable wall clock) — plus reference implementations.
package store

import (
	"context"
	"time"

	"github.com/rivermind-ai/om/pkg/domain"
)

// AgentCall is the capability the engine consumes for all external LLM
// invocations; both ObserverCall and ReflectorCall are built on top of it.
// Given a fully-built prompt and model settings, it returns raw text and
// usage. The engine never talks to a provider SDK directly.
type AgentCall interface {
	Call(ctx context.Context, model string, systemPrompt, userPrompt string, settings ModelSettings) (text string, usage domain.Usage, err error)
}

// ModelSettings is passed through to the provider verbatim.
type ModelSettings struct {
	Temperature     *float64
	MaxOutputTokens int
	ProviderOptions map[string]interface{}
}

// StreamWriter is the capability used to emit marker data parts (and,
// incidentally, the injected observation system message) onto the
// outgoing stream for a thread.
type StreamWriter interface {
	WritePart(ctx context.Context, threadID string, part domain.Part) error
}

// ClockSource is an injectable wall clock, used so tests can control
// "now" without sleeping.
type ClockSource interface {
	Now() time.Time
}

// SystemClock is the production ClockSource.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

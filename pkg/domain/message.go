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

// Package domain holds the shared data model that every OM component reads
// or writes: messages and their parts, the OM record, thread metadata, and
// the small value types (Scope, Usage) that thread through all of them.
package domain

import "time"

// PartKind distinguishes content parts from the boundary-marker data parts
// MarkerCodec appends.
type PartKind string

const (
	PartKindText       PartKind = "text"
	PartKindToolCall   PartKind = "tool-call"
	PartKindToolResult PartKind = "tool-result"
	PartKindData       PartKind = "data"
)

// PartMetadata carries the sealing primitive (I5): once SealedAt is set on
// the last part of a message, that value is never mutated again, and later
// streaming content for the same logical message must land in a new
// message row.
type PartMetadata struct {
	SealedAt *int64 // monotonic timestamp, nil if unsealed
	Sealed   bool
}

// Part is one element of a message's content array. DataKey/DataValue hold
// marker payloads when Kind == PartKindData.
type Part struct {
	Kind       PartKind
	Text       string
	ToolName   string
	ToolArgs   interface{}
	ToolResult interface{}
	DataKey    string // e.g. "observation-start"
	DataValue  interface{}
	Metadata   PartMetadata
}

// Message is the DB form of one turn's content. Immutable across turns
// except for Parts on the currently-streaming assistant message, which may
// grow in place until sealed.
type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Parts     []Part
	CreatedAt time.Time
}

// LastPart returns a pointer to the final part of m, or nil if m has no
// parts.
func (m *Message) LastPart() *Part {
	if len(m.Parts) == 0 {
		return nil
	}
	return &m.Parts[len(m.Parts)-1]
}

// Scope selects whether an OM record is keyed per-thread or per-resource.
type Scope string

const (
	ScopeThread   Scope = "thread"
	ScopeResource Scope = "resource"
)

// Usage is token accounting returned by an LLM call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// ThreadMetadata is the per-thread cursor and scratch state stored
// alongside the thread itself.
type ThreadMetadata struct {
	LastObservedAt     time.Time
	CurrentTask        string
	SuggestedResponse  string
}

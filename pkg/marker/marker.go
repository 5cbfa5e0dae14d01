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

// Package marker creates and parses the boundary-marker data parts the
// engine embeds in message parts to mark observation/buffering cycles.
package marker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rivermind-ai/om/pkg/domain"
)

// Kind is one of the seven boundary-marker shapes or the per-step progress
// marker.
type Kind string

const (
	KindObservationStart  Kind = "observation-start"
	KindObservationEnd    Kind = "observation-end"
	KindObservationFailed Kind = "observation-failed"
	KindBufferingStart    Kind = "buffering-start"
	KindBufferingEnd      Kind = "buffering-end"
	KindBufferingFailed   Kind = "buffering-failed"
	KindActivation        Kind = "activation"
	KindProgress          Kind = "progress"
)

// OperationType distinguishes an observation cycle from a reflection
// cycle; both use the same marker kinds.
type OperationType string

const (
	OperationObservation OperationType = "observation"
	OperationReflection  OperationType = "reflection"
)

// Marker is the parsed/unparsed payload of one boundary marker. Fields not
// relevant to Kind are left zero.
type Marker struct {
	Kind          Kind
	CycleID       string
	OperationType OperationType

	// observation/buffering-start
	StartedAt               time.Time
	TokensToObserve         int
	RecordID                string
	ThreadID                string
	ThreadIDs               []string
	ConfigMessageTokens     int
	ConfigObservationTokens int
	ConfigScope             domain.Scope

	// observation/buffering-end
	CompletedAt       time.Time
	DurationMs        int64
	TokensObserved    int
	ObservationTokens int
	Observations      string
	CurrentTask       string
	SuggestedResponse string

	// *-failed
	FailedAt        time.Time
	TokensAttempted int
	Error           string

	// activation
	ChunksActivated   int
	TokensActivated   int
	MessagesActivated int

	// progress (emitted every Scheduler step, not tied to a cycle); the
	// current observation count is carried in ObservationTokens above.
	PendingTokens              int
	MessageTokens              int
	MessageTokensPercent       float64
	ObservationTokensThreshold int
	ObservationTokensPercent   float64
	WillObserve                bool
	BufferedChunksCount        int
	BufferedMessageTokens      int
	BufferedObservationTokens  int
	HasBufferedChunks          bool
	StepNumber                 int
}

// NewCycleID returns a fresh random cycle identifier linking a start
// marker to its end or failed counterpart.
func NewCycleID() string {
	return uuid.New().String()
}

// Codec creates marker data parts and appends them to a message's part
// list via a StreamWriter-like sink. It holds no state; operations are
// pure functions over Marker/Message values.
type Codec struct{}

// New returns a Codec.
func New() *Codec {
	return &Codec{}
}

// Encode renders m as a domain.Part of kind PartKindData.
func (c *Codec) Encode(m Marker) domain.Part {
	return domain.Part{
		Kind:      domain.PartKindData,
		DataKey:   string(m.Kind),
		DataValue: m,
	}
}

// Append appends the encoded marker to the tail of msg's parts. For
// KindObservationEnd it additionally seals msg by stamping Metadata.SealedAt
// on the (new) last part, per §4.2.
func (c *Codec) Append(msg *domain.Message, m Marker, now time.Time) {
	part := c.Encode(m)
	msg.Parts = append(msg.Parts, part)
	if m.Kind == KindObservationEnd {
		sealAt := now.UnixNano()
		last := msg.LastPart()
		last.Metadata.Sealed = true
		last.Metadata.SealedAt = &sealAt
	}
}

// Decode extracts the Marker payload from a marker data part. ok is false
// if p is not a marker part.
func Decode(p domain.Part) (Marker, bool) {
	if p.Kind != domain.PartKindData {
		return Marker{}, false
	}
	m, ok := p.DataValue.(Marker)
	return m, ok
}

// SerializeJSON renders m as the JSON payload a StreamWriter would send
// over the wire.
func SerializeJSON(m Marker) ([]byte, error) {
	return json.Marshal(m)
}

// ParseMarker reverses SerializeJSON. Round-tripping a Marker through
// SerializeJSON/ParseMarker yields an equal value (P6).
func ParseMarker(data []byte) (Marker, error) {
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, err
	}
	return m, nil
}

// FindLastCompletedObservationBoundary returns the index of the most
// recent observation-end part in msg, or -1 if none exists.
func FindLastCompletedObservationBoundary(msg *domain.Message) int {
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if m, ok := Decode(msg.Parts[i]); ok && m.Kind == KindObservationEnd {
			return i
		}
	}
	return -1
}

// HasInProgressObservation reports whether the last observation-start in
// msg comes after the last observation-end or observation-failed.
func HasInProgressObservation(msg *domain.Message) bool {
	lastStart, lastEnd := -1, -1
	for i, p := range msg.Parts {
		m, ok := Decode(p)
		if !ok {
			continue
		}
		switch m.Kind {
		case KindObservationStart:
			lastStart = i
		case KindObservationEnd, KindObservationFailed:
			lastEnd = i
		}
	}
	return lastStart > lastEnd
}

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
package domain

import (
	"strings"
	"time"
)

// ScopeKey identifies one OM record: a thread-scoped record is keyed by
// ThreadID, a resource-scoped one by ResourceID.
type ScopeKey struct {
	Scope      Scope
	ThreadID   string
	ResourceID string
}

// String renders k as the key used by scopelock.Registry and the
// AsyncBufferEngine's per-scope await-chain and boundary maps.
func (k ScopeKey) String() string {
	if k.Scope == ScopeResource {
		return "resource:" + k.ResourceID
	}
	return "thread:" + k.ThreadID
}

// BufferedChunk is one background-observed slice awaiting activation.
type BufferedChunk struct {
	CycleID        string
	Observations   string
	TokenCount     int
	MessageIDs     []string
	MessageTokens  int
	LastObservedAt time.Time
}

// Record is the OM Record described by the data model: one per (scope,
// key). All mutation goes through a RecordStore implementation; nothing in
// this package mutates a Record's persisted fields directly.
type Record struct {
	ID   string
	Key  ScopeKey

	ActiveObservations    string
	ObservationTokenCount int
	PendingMessageTokens  int
	LastObservedAt        time.Time
	ObservedMessageIDs    map[string]struct{}

	BufferedObservationChunks []BufferedChunk
	BufferedReflection        string
	ReflectedObservationLines int

	IsObserving           bool
	IsReflecting          bool
	IsBufferingObservation bool
	IsBufferingReflection  bool

	LastBufferedAtTokens int
	GenerationCount      int
}

// HasObserved reports whether messageID is already accounted for, either
// directly or inside a buffered chunk (used to enforce I1/P2).
func (r *Record) HasObserved(messageID string) bool {
	if r.ObservedMessageIDs != nil {
		if _, ok := r.ObservedMessageIDs[messageID]; ok {
			return true
		}
	}
	for _, chunk := range r.BufferedObservationChunks {
		for _, id := range chunk.MessageIDs {
			if id == messageID {
				return true
			}
		}
	}
	return false
}

// CloneObservedMessageIDs returns a copy of the observed-ID set, suitable
// for building an updated set without mutating the original record.
func (r *Record) CloneObservedMessageIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(r.ObservedMessageIDs))
	for id := range r.ObservedMessageIDs {
		out[id] = struct{}{}
	}
	return out
}

// MergeReflection computes the text a reflection activation installs as
// ActiveObservations: BufferedReflection followed by whatever lines of the
// current ActiveObservations fall after ReflectedObservationLines (the
// "unreflected" tail that must be appended verbatim, per §3).
func (r *Record) MergeReflection() string {
	lines := splitLines(r.ActiveObservations)
	cut := r.ReflectedObservationLines
	if cut > len(lines) {
		cut = len(lines)
	}
	remainder := lines[cut:]
	merged := r.BufferedReflection
	if len(remainder) > 0 {
		if merged != "" {
			merged += "\n"
		}
		merged += strings.Join(remainder, "\n")
	}
	return merged
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

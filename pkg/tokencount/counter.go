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

// Package tokencount provides a deterministic, BPE-based token counter for
// strings, messages, and message lists.
package tokencount

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoder() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(encodingName)
	})
	return enc, encErr
}

// PartKind identifies the kind of a message content part for counting
// purposes. Unrecognized kinds fall back to the flat "other" cost.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
	PartData       PartKind = "data" // markers and other non-content parts
)

// Part is the minimal shape of a message content part this package needs to
// count. Callers adapt their richer message types into this view.
type Part struct {
	Kind       PartKind
	Text       string
	ToolName   string
	ToolArgs   interface{} // serialized via JSON for counting
	ToolResult interface{}
}

// Message is the minimal shape of a message this package needs to count.
type Message struct {
	Role  string
	Parts []Part
}

// Counter counts tokens deterministically using a fixed cl100k_base BPE
// table. It has no failure mode: if the encoder cannot be constructed (for
// example, a corrupted embedded vocabulary), CountString falls back to a
// byte-length heuristic rather than returning an error, since token
// accounting must never be fatal to the calling turn.
type Counter struct{}

// New returns a Counter. Construction never fails; the singleton encoder is
// lazily built and cached on first use.
func New() *Counter {
	return &Counter{}
}

// CountString returns the BPE token count of s.
func (c *Counter) CountString(s string) int {
	if s == "" {
		return 0
	}
	e, err := encoder()
	if err != nil {
		return fallbackCount(s)
	}
	return len(e.Encode(s, nil, nil))
}

func fallbackCount(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// CountMessage returns 4 (role overhead) + 3 per part + the BPE length of
// the part's textual payload (text, tool name, serialized tool args, or
// serialized tool result); unrecognized part kinds cost a flat 10.
func (c *Counter) CountMessage(m Message) int {
	total := 4
	for _, p := range m.Parts {
		total += 3
		total += c.countPart(p)
	}
	return total
}

func (c *Counter) countPart(p Part) int {
	switch p.Kind {
	case PartText:
		return c.CountString(p.Text)
	case PartToolCall:
		n := c.CountString(p.ToolName)
		n += c.CountString(marshalForCount(p.ToolArgs))
		return n
	case PartToolResult:
		return c.CountString(marshalForCount(p.ToolResult))
	default:
		return 10
	}
}

func marshalForCount(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// CountMessages returns the sum of CountMessage over ms.
func (c *Counter) CountMessages(ms []Message) int {
	total := 0
	for _, m := range ms {
		total += c.CountMessage(m)
	}
	return total
}

// CountObservations is CountString under a name that mirrors how the
// scheduler refers to it: the token count of a serialized observations
// blob.
func (c *Counter) CountObservations(activeObservations string) int {
	return c.CountString(activeObservations)
}

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

import "github.com/rivermind-ai/om/pkg/tokencount"

// Countable adapts m into the minimal view tokencount.Counter needs,
// keeping tokencount free of a dependency on the richer domain types.
func (m Message) Countable() tokencount.Message {
	parts := make([]tokencount.Part, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = p.Countable()
	}
	return tokencount.Message{Role: m.Role, Parts: parts}
}

// Countable adapts p into tokencount's minimal part view.
func (p Part) Countable() tokencount.Part {
	kind := tokencount.PartData
	switch p.Kind {
	case PartKindText:
		kind = tokencount.PartText
	case PartKindToolCall:
		kind = tokencount.PartToolCall
	case PartKindToolResult:
		kind = tokencount.PartToolResult
	}
	return tokencount.Part{
		Kind:       kind,
		Text:       p.Text,
		ToolName:   p.ToolName,
		ToolArgs:   p.ToolArgs,
		ToolResult: p.ToolResult,
	}
}

// CountableMessages adapts a slice of Messages in one call.
func CountableMessages(ms []Message) []tokencount.Message {
	out := make([]tokencount.Message, len(ms))
	for i, m := range ms {
		out[i] = m.Countable()
	}
	return out
}

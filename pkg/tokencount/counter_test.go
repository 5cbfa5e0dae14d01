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
package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountString(t *testing.T) {
	c := New()
	assert.Equal(t, 0, c.CountString(""))
	assert.Greater(t, c.CountString("hello world"), 0)
}

func TestCountMessageOverhead(t *testing.T) {
	c := New()
	empty := c.CountMessage(Message{Role: "user"})
	assert.Equal(t, 4, empty, "role overhead with no parts")

	withText := c.CountMessage(Message{
		Role: "user",
		Parts: []Part{
			{Kind: PartText, Text: "hi"},
		},
	})
	assert.Equal(t, 4+3+c.CountString("hi"), withText)
}

func TestCountMessageToolParts(t *testing.T) {
	c := New()
	m := Message{
		Role: "assistant",
		Parts: []Part{
			{Kind: PartToolCall, ToolName: "search", ToolArgs: map[string]string{"q": "x"}},
			{Kind: PartToolResult, ToolResult: "result text"},
			{Kind: PartData},
		},
	}
	got := c.CountMessage(m)
	expected := 4 +
		3 + (c.CountString("search") + c.CountString(marshalForCount(map[string]string{"q": "x"}))) +
		3 + c.CountString("result text") +
		3 + 10
	assert.Equal(t, expected, got)
}

func TestCountMessagesSum(t *testing.T) {
	c := New()
	ms := []Message{
		{Role: "user", Parts: []Part{{Kind: PartText, Text: "a"}}},
		{Role: "assistant", Parts: []Part{{Kind: PartText, Text: "b"}}},
	}
	assert.Equal(t, c.CountMessage(ms[0])+c.CountMessage(ms[1]), c.CountMessages(ms))
}

func TestContextLimitFor(t *testing.T) {
	limit, ok := ContextLimitFor("claude-opus-4")
	assert.True(t, ok)
	assert.Equal(t, 200_000, limit)

	_, ok = ContextLimitFor("unknown-model")
	assert.False(t, ok)
}

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
package inject

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotateDateHeadersAddsRelativeLabels(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	obs := "Date: July 31, 2026\n- did a thing\nDate: July 29, 2026\n- earlier thing"
	out := AnnotateDateHeaders(obs, now)

	assert.Contains(t, out, "Date: July 31, 2026 (today)")
	assert.Contains(t, out, "Date: July 29, 2026 (2 days ago)")
}

func TestAnnotateDateHeadersInsertsGapMarker(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	obs := "Date: July 20, 2026\n- old\nDate: July 30, 2026\n- newer"
	out := AnnotateDateHeaders(obs, now)

	assert.Contains(t, out, "[10 days later]")
}

func TestAnnotateDateHeadersEmptyInput(t *testing.T) {
	assert.Equal(t, "", AnnotateDateHeaders("", time.Now()))
}

func TestObscureThreadIDIsDeterministicAndHidesInput(t *testing.T) {
	h1 := ObscureThreadID("thread-123")
	h2 := ObscureThreadID("thread-123")
	require.Equal(t, h1, h2)
	assert.NotContains(t, h1, "thread-123")
	assert.Len(t, h1, 8)
}

func TestBuildSystemMessageIncludesAllSections(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	msg := BuildSystemMessage(SystemMessageArgs{
		ActiveObservations: "Date: July 31, 2026\n- thing happened",
		Now:                now,
		OtherConversations: []OtherConversation{{ThreadID: "t2", Body: "some other thread content"}},
		ObscureThreadIDs:   false,
		CurrentTask:        "write the report",
		SuggestedResponse:  "offer to send a draft",
	})

	assert.Contains(t, msg, "<observations>")
	assert.Contains(t, msg, "thing happened")
	assert.Contains(t, msg, `<other-conversation id="t2">`)
	assert.Contains(t, msg, "some other thread content")
	assert.Contains(t, msg, "<current-task>write the report</current-task>")
	assert.Contains(t, msg, "<suggested-response>offer to send a draft</suggested-response>")
}

func TestBuildSystemMessageObscuresThreadIDs(t *testing.T) {
	msg := BuildSystemMessage(SystemMessageArgs{
		OtherConversations: []OtherConversation{{ThreadID: "real-thread-id", Body: "x"}},
		ObscureThreadIDs:   true,
	})
	assert.NotContains(t, msg, "real-thread-id")
}

func TestBuildSystemMessageOmitsEmptySections(t *testing.T) {
	msg := BuildSystemMessage(SystemMessageArgs{})
	assert.NotContains(t, msg, "<current-task>")
	assert.NotContains(t, msg, "<suggested-response>")
	assert.NotContains(t, msg, "<other-conversation")
}

func TestContinuationReminderHasFixedIDAndZeroTime(t *testing.T) {
	m := ContinuationReminder("t1")
	assert.Equal(t, ContinuationReminderID, m.ID)
	assert.Equal(t, "t1", m.ThreadID)
	assert.True(t, m.CreatedAt.Equal(time.Unix(0, 0)))
	require.Len(t, m.Parts, 1)
	assert.Equal(t, ContinuationReminderText, m.Parts[0].Text)
}

func TestSystemMessageUsesFixedID(t *testing.T) {
	m := SystemMessage("t1", SystemMessageArgs{ActiveObservations: "x", Now: time.Now()})
	assert.Equal(t, InjectedSystemMessageID, m.ID)
	assert.Equal(t, "system", m.Role)
}

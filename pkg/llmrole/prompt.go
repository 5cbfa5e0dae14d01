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

// Package llmrole implements the Observer and Reflector LLM roles as two
// specializations of one "call with retry and marker emission" skeleton.
package llmrole

import (
	"fmt"
	"strings"

	"github.com/rivermind-ai/om/pkg/domain"
)

const observerSystemPrompt = `You are the Observer half of a long-horizon memory system. Read the
messages you are given and extract a dense, bulleted summary of what happened: decisions made,
facts established, open threads. Also infer the current task (if any) and a one-line suggested
next response. Be exhaustive about facts, terse about phrasing.

Output format (single thread):
<observations>
- bullet
- bullet
</observations>
<current-task>short description, or omit the tag if none</current-task>
<suggested-response>one line, or omit the tag if none</suggested-response>`

const observerMultiThreadSystemPrompt = observerSystemPrompt + `

You are being given multiple conversation threads in one call. Emit one block per thread you were
given, in this form, and nothing else outside these blocks:
<thread id="THREAD_ID">
<observations>...</observations>
<current-task>...</current-task>
<suggested-response>...</suggested-response>
</thread>
If a thread has nothing worth reporting, omit its block entirely — its place in the conversation is
still considered read.`

// formatMessage renders one message as plain text for the prompt body.
func formatMessage(m domain.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch p.Kind {
		case domain.PartKindText:
			b.WriteString(p.Text)
		case domain.PartKindToolCall:
			fmt.Fprintf(&b, "[called tool %s]", p.ToolName)
		case domain.PartKindToolResult:
			b.WriteString("[tool result]")
		}
	}
	return fmt.Sprintf("%s: %s", m.Role, b.String())
}

// FormatMessages renders a batch of messages as plain text, one per line,
// using the same formatting Observer prompts use — exported for callers
// (e.g. the Scheduler's cross-thread context block) that need the same
// textual rendering outside of a prompt.
func FormatMessages(msgs []domain.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(formatMessage(m))
	}
	return b.String()
}

// BuildObserverPrompt builds the single-thread Observer prompt.
func BuildObserverPrompt(existingObservations string, messages []domain.Message, skipContinuationHints bool) (system, user string) {
	var b strings.Builder
	if existingObservations != "" {
		b.WriteString("Existing observations so far:\n")
		b.WriteString(existingObservations)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages to observe:\n")
	for _, m := range messages {
		b.WriteString(formatMessage(m))
		b.WriteString("\n")
	}
	if skipContinuationHints {
		b.WriteString("\nDo not emit <current-task> or <suggested-response>.")
	}
	return observerSystemPrompt, b.String()
}

// BuildMultiThreadObserverPrompt builds the resource-scoped, multi-thread
// Observer prompt: one block of context per thread, named by threadIDs
// order.
func BuildMultiThreadObserverPrompt(existingObservations string, threadMessages map[string][]domain.Message, threadIDs []string, skipContinuationHints bool) (system, user string) {
	var b strings.Builder
	if existingObservations != "" {
		b.WriteString("Existing observations so far:\n")
		b.WriteString(existingObservations)
		b.WriteString("\n\n")
	}
	for _, tid := range threadIDs {
		fmt.Fprintf(&b, "<thread id=%q>\n", tid)
		for _, m := range threadMessages[tid] {
			b.WriteString(formatMessage(m))
			b.WriteString("\n")
		}
		b.WriteString("</thread>\n")
	}
	if skipContinuationHints {
		b.WriteString("\nDo not emit <current-task> or <suggested-response> for any thread.")
	}
	return observerMultiThreadSystemPrompt, b.String()
}

const reflectorSystemPrompt = `You are the Reflector half of a long-horizon memory system. You are given an
existing observations block that has grown too large. Produce a denser replacement that preserves
every fact and decision but drops redundant phrasing. Output only the replacement text, no
preamble, no XML tags.`

// BuildReflectorPrompt builds the Reflector prompt. targetTokens and
// compressionDirective (non-empty on retry) steer the requested density.
func BuildReflectorPrompt(existingObservations, guidance string, targetTokens int, compressionDirective string) (system, user string) {
	var b strings.Builder
	b.WriteString("Existing observations:\n")
	b.WriteString(existingObservations)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Target size: approximately %d tokens or fewer.\n", targetTokens)
	if guidance != "" {
		fmt.Fprintf(&b, "Additional guidance: %s\n", guidance)
	}
	if compressionDirective != "" {
		b.WriteString(compressionDirective)
	}
	return reflectorSystemPrompt, b.String()
}

// StrongerCompressionDirective is used on the Reflector's single retry
// after an oversize first pass (§4.5).
const StrongerCompressionDirective = "Your previous output was still too large. Be far more aggressive: merge related bullets, drop all but the essential facts, and do not explain your reasoning."

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

// Package inject builds the system message the Scheduler injects on every
// step (§6): the observations block, date-relativized and gap-annotated,
// plus optional cross-thread context and continuation hints. It also builds
// the synthetic "continuation reminder" user message.
package inject

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/rivermind-ai/om/pkg/domain"
)

// dateHeaderLayout is the "Date: <Month Day, Year>" header format the
// Observer/Reflector are prompted to emit when starting a new date section.
const dateHeaderLayout = "January 2, 2006"

var dateHeaderRe = regexp.MustCompile(`(?m)^Date: (.+)$`)

// AnnotateDateHeaders finds every "Date: <Month Day, Year>" header line in
// observations, appends a relative-time label (e.g. "(5 days ago)"), and
// inserts a "[N days later]" separator ahead of any header that falls two
// or more days after the previous one.
func AnnotateDateHeaders(observations string, now time.Time) string {
	if observations == "" {
		return observations
	}
	lines := strings.Split(observations, "\n")
	out := make([]string, 0, len(lines))
	var prev time.Time
	havePrev := false

	for _, line := range lines {
		m := dateHeaderRe.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		d, err := time.Parse(dateHeaderLayout, strings.TrimSpace(m[1]))
		if err != nil {
			out = append(out, line)
			continue
		}
		if havePrev {
			gapDays := int(d.Sub(prev).Hours() / 24)
			if gapDays >= 2 {
				out = append(out, fmt.Sprintf("[%d days later]", gapDays))
			}
		}
		out = append(out, line+" "+relativeLabel(d, now))
		prev, havePrev = d, true
	}
	return strings.Join(out, "\n")
}

func relativeLabel(d, now time.Time) string {
	days := int(now.Sub(d).Hours() / 24)
	switch {
	case days <= 0:
		return "(today)"
	case days == 1:
		return "(yesterday)"
	default:
		return fmt.Sprintf("(%d days ago)", days)
	}
}

// ObscureThreadID returns a 32-bit FNV-1a hash of id, rendered as 8 hex
// digits, used when config.ObscureThreadIds hides real thread identifiers
// from cross-thread context blocks.
func ObscureThreadID(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("%08x", h.Sum32())
}

// OtherConversation is one <other-conversation> block built from another
// thread's unobserved tail, per §4.8 step 2.
type OtherConversation struct {
	ThreadID string
	Body     string
}

// SystemMessageArgs is the input to BuildSystemMessage.
type SystemMessageArgs struct {
	ActiveObservations string
	Now                time.Time
	OtherConversations []OtherConversation
	ObscureThreadIDs   bool
	CurrentTask        string
	SuggestedResponse  string
}

// BuildSystemMessage renders the full injected system message described in
// §6: the observations block (date-relativized), standing guidance, any
// cross-thread context, and the optional current-task/suggested-response
// tags carried over from the last observation cycle.
func BuildSystemMessage(args SystemMessageArgs) string {
	var b strings.Builder

	b.WriteString("The following observations block contains your memory of past conversations. ")
	b.WriteString("Use it to stay consistent with decisions already made and facts already established; ")
	b.WriteString("do not re-derive what it already tells you.\n\n")

	b.WriteString("<observations>\n")
	b.WriteString(AnnotateDateHeaders(args.ActiveObservations, args.Now))
	b.WriteString("\n</observations>\n\n")

	b.WriteString("IMPORTANT: the block above is a compressed record, not a verbatim transcript. ")
	b.WriteString("Treat it as ground truth for what happened, but it will not capture every detail of the ")
	b.WriteString("original conversation.\n\n")

	b.WriteString("KNOWLEDGE UPDATES: when something in the current conversation contradicts an observation, ")
	b.WriteString("the current conversation wins; do not silently prefer old state.\n")
	b.WriteString("PLANNED ACTIONS: continue any task already in progress below unless the user redirects you.\n")

	for _, oc := range args.OtherConversations {
		id := oc.ThreadID
		if args.ObscureThreadIDs {
			id = ObscureThreadID(id)
		}
		fmt.Fprintf(&b, "\n<other-conversation id=%q>\n%s\n</other-conversation>\n", id, oc.Body)
	}

	if strings.TrimSpace(args.CurrentTask) != "" {
		fmt.Fprintf(&b, "\n<current-task>%s</current-task>\n", args.CurrentTask)
	}
	if strings.TrimSpace(args.SuggestedResponse) != "" {
		fmt.Fprintf(&b, "\n<suggested-response>%s</suggested-response>\n", args.SuggestedResponse)
	}

	return b.String()
}

// ContinuationReminderID is the fixed message id the synthetic continuation
// reminder always carries, so the Scheduler can find and replace the prior
// one on the next step (§4.8 step 8: "clear prior injected system
// message").
const ContinuationReminderID = "om-continuation-reminder"

// ContinuationReminderText is the default reminder body.
const ContinuationReminderText = "(Continue the conversation naturally, using the observations above for context.)"

// ContinuationReminder builds the synthetic user message appended after the
// injected system message, with a fixed id and a timestamp of zero so it
// sorts first among recently-added messages.
func ContinuationReminder(threadID string) domain.Message {
	return domain.Message{
		ID:       ContinuationReminderID,
		ThreadID: threadID,
		Role:     "user",
		Parts:    []domain.Part{{Kind: domain.PartKindText, Text: ContinuationReminderText}},
		// Timestamp 0 per §4.8 step 8.
		CreatedAt: time.Unix(0, 0),
	}
}

// InjectedSystemMessageID is the fixed id used for the observations system
// message so a later step can find and remove the prior one before adding
// the fresh one.
const InjectedSystemMessageID = "om-observations"

// SystemMessage builds the full domain.Message wrapper around
// BuildSystemMessage's text, ready to be prepended to the outgoing list.
func SystemMessage(threadID string, args SystemMessageArgs) domain.Message {
	return domain.Message{
		ID:        InjectedSystemMessageID,
		ThreadID:  threadID,
		Role:      "system",
		Parts:     []domain.Part{{Kind: domain.PartKindText, Text: BuildSystemMessage(args)}},
		CreatedAt: args.Now,
	}
}

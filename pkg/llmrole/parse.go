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
package llmrole

import (
	"regexp"
	"strings"
)

// ObserverResult is the parsed per-thread output of an Observer call.
type ObserverResult struct {
	Observations        string
	CurrentTask         string
	SuggestedResponse   string
}

var (
	threadBlockRe  = regexp.MustCompile(`(?s)<thread\s+id="([^"]+)">(.*?)</thread>`)
	observationsRe = regexp.MustCompile(`(?s)<observations>(.*?)</observations>`)
	currentTaskRe  = regexp.MustCompile(`(?s)<current-task>(.*?)</current-task>`)
	suggestedRe    = regexp.MustCompile(`(?s)<suggested-response>(.*?)</suggested-response>`)
	anyThreadTagRe = regexp.MustCompile(`(?s)</?thread[^>]*>`)
)

func extractTag(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ParseSingleThreadObserverOutput parses the single-thread Observer output
// format. Defense in depth: any stray <thread> tags in the raw output are
// stripped before the observations/current-task/suggested-response tags
// are extracted, since thread-scope output should never contain them.
func ParseSingleThreadObserverOutput(raw string) ObserverResult {
	sanitized := anyThreadTagRe.ReplaceAllString(raw, "")
	return ObserverResult{
		Observations:      extractTag(observationsRe, sanitized),
		CurrentTask:       extractTag(currentTaskRe, sanitized),
		SuggestedResponse: extractTag(suggestedRe, sanitized),
	}
}

// ParseMultiThreadObserverOutput parses the resource-scoped, multi-thread
// Observer output. Threads named in threadIDs but absent from raw yield a
// zero-value ObserverResult in the returned map — the engine still
// advances their cursor even though nothing was reported.
func ParseMultiThreadObserverOutput(raw string, threadIDs []string) map[string]ObserverResult {
	out := make(map[string]ObserverResult, len(threadIDs))
	for _, tid := range threadIDs {
		out[tid] = ObserverResult{}
	}
	for _, m := range threadBlockRe.FindAllStringSubmatch(raw, -1) {
		id, body := m[1], m[2]
		out[id] = ObserverResult{
			Observations:      extractTag(observationsRe, body),
			CurrentTask:       extractTag(currentTaskRe, body),
			SuggestedResponse: extractTag(suggestedRe, body),
		}
	}
	return out
}

// WrapThread re-wraps a single thread's reflowed content in a <thread>
// block, used when merging resource-scope output back into
// activeObservations.
func WrapThread(threadID, observations string) string {
	if strings.TrimSpace(observations) == "" {
		return ""
	}
	return "<thread id=\"" + threadID + "\">\n" + observations + "\n</thread>"
}

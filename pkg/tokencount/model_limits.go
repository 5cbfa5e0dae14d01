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

// ModelContextLimits gives a default total context window per known model
// identifier, used only to seed a sensible reservedOutputTokens/budget
// default when a caller's config doesn't specify one explicitly. It never
// overrides an explicit threshold.
var ModelContextLimits = map[string]int{
	"claude-opus-4":     200_000,
	"claude-sonnet-4":   200_000,
	"claude-3-5-sonnet": 200_000,
	"claude-3-5-haiku":  200_000,
	"claude-3-opus":     200_000,
	"gpt-4o":            128_000,
	"gpt-4o-mini":       128_000,
}

// DefaultReservedOutputTokens is the fallback reserved-output budget for an
// unrecognized model.
const DefaultReservedOutputTokens = 4_096

// ContextLimitFor returns the known context window for model, or ok=false
// if the model isn't in the table.
func ContextLimitFor(model string) (limit int, ok bool) {
	limit, ok = ModelContextLimits[model]
	return
}

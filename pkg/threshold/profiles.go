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
package threshold

// Profile is a named preset of default Config values, sugar over building
// a Config field-by-field. It never overrides a field the caller sets
// explicitly on top of it.
type Profile string

const (
	ProfileBalanced       Profile = "balanced"
	ProfileDataIntensive  Profile = "data_intensive"
	ProfileConversational Profile = "conversational"
)

// ProfileDefaults maps each named profile to a default Config. Thresholds
// are expressed as absolute token counts tuned for a ~200k-token model
// context window.
var ProfileDefaults = map[Profile]Config{
	ProfileBalanced: {
		Threshold:       Scalar(6_000),
		BufferEvery:     2_000,
		AsyncActivation: 0.7,
	},
	ProfileDataIntensive: {
		Threshold:       RangeSpec(4_000, 12_000),
		BufferEvery:     3_000,
		BlockAfter:      20_000,
		AsyncActivation: 0.6,
	},
	ProfileConversational: {
		Threshold:       Scalar(3_000),
		BufferEvery:     1_000,
		AsyncActivation: 0.8,
	},
}

// ResolveProfile returns the default Config for name, or false if name is
// not a known profile.
func ResolveProfile(name Profile) (Config, bool) {
	cfg, ok := ProfileDefaults[name]
	return cfg, ok
}

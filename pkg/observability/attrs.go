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
package observability

// Well-known span attribute keys.
const (
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"

	AttrScope     = "om.scope"
	AttrCycleID   = "om.cycle_id"
	AttrThreadID  = "om.thread_id"
	AttrTokens    = "om.tokens"
	AttrRole      = "om.role" // "observer" or "reflector"
	AttrRetryNum  = "om.retry"
	AttrRecordID  = "om.record_id"
)

// Span kind values used with WithSpanKind across the engine.
const (
	SpanKindStep       = "step"       // processInputStep / processOutputResult
	SpanKindObserver   = "observer"   // ObserverCall
	SpanKindReflector  = "reflector"  // ReflectorCall
	SpanKindStore      = "store"      // RecordStore operations
	SpanKindBuffer     = "buffer"     // AsyncBufferEngine runs
	SpanKindThreshold  = "threshold"  // ThresholdResolver evaluation
)

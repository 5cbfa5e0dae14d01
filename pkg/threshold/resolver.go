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

// Package threshold resolves scalar or adaptive (min/max) token thresholds
// and the fractional fields (bufferEvery, blockAfter, asyncActivation)
// defined relative to them.
package threshold

import (
	"errors"
	"fmt"
)

var (
	ErrBufferEveryTooLarge     = errors.New("threshold: bufferEvery must be smaller than the threshold")
	ErrBlockAfterTooSmall      = errors.New("threshold: blockAfter must be larger than the threshold")
	ErrBlockAfterWithoutBuffer = errors.New("threshold: blockAfter requires bufferEvery to be set")
	ErrAsyncActivationRange    = errors.New("threshold: asyncActivation must be in (0, 1]")
)

// Spec is a threshold expressed either as a single scalar or as a
// {min, max} range. Range mode is used under a shared token budget: the
// unobserved-message budget expands into unused observation space as
// observations grow.
type Spec struct {
	Min int
	Max int
	// Range is true when this Spec came from a {min,max} config shape
	// rather than a bare scalar. When false, Min == Max.
	Range bool
}

// Scalar returns a non-range Spec fixed at n.
func Scalar(n int) Spec { return Spec{Min: n, Max: n, Range: false} }

// RangeSpec returns a {min,max} Spec.
func RangeSpec(min, max int) Spec { return Spec{Min: min, Max: max, Range: true} }

// base is the reference value the fractional fields bufferEvery and
// blockAfter are resolved against (asyncActivation is not resolved). For a range spec this is Max —
// an explicit choice recorded in DESIGN.md, since the source behavior here
// is an open question.
func (s Spec) base() int {
	return s.Max
}

// Effective returns the threshold to compare pending tokens against, given
// the current observation token count. For a scalar spec this is simply
// the scalar value; for a range it is max(Max - currentObsTokens, Min).
func (s Spec) Effective(currentObsTokens int) int {
	if !s.Range {
		return s.Max
	}
	v := s.Max - currentObsTokens
	if v < s.Min {
		return s.Min
	}
	return v
}

// Resolver holds the resolved (construction-time) absolute values of the
// message threshold and its dependent fractional fields.
type Resolver struct {
	Threshold       Spec
	BufferEvery     int // 0 means disabled
	BlockAfter      int // 0 means disabled
	AsyncActivation float64
}

// Config is the raw, possibly-fractional input to NewResolver. Fractional
// fields (BufferEvery, BlockAfter, AsyncActivation) in (0,1) are interpreted
// as fractions of Threshold.base(); values >= 1 are absolute token counts.
// AsyncActivation is always a fraction in (0,1] and is never resolved
// against the threshold.
type Config struct {
	Threshold       Spec
	BufferEvery     float64 // 0 disables buffering
	BlockAfter      float64 // 0 disables the blockAfter fallback
	AsyncActivation float64 // 0 means "use the caller's default"
}

// NewResolver validates cfg and resolves its fractional fields into
// absolute token counts. A non-nil error means construction must fail
// (configuration errors are fatal, per the error taxonomy).
func NewResolver(cfg Config) (*Resolver, error) {
	base := cfg.Threshold.base()

	bufferEvery := resolveFraction(cfg.BufferEvery, base)
	blockAfter := resolveFraction(cfg.BlockAfter, base)

	if bufferEvery > 0 && bufferEvery >= base {
		return nil, fmt.Errorf("%w: bufferEvery=%d threshold=%d", ErrBufferEveryTooLarge, bufferEvery, base)
	}
	if blockAfter > 0 && blockAfter <= base {
		return nil, fmt.Errorf("%w: blockAfter=%d threshold=%d", ErrBlockAfterTooSmall, blockAfter, base)
	}
	if blockAfter > 0 && bufferEvery == 0 {
		return nil, ErrBlockAfterWithoutBuffer
	}
	if cfg.AsyncActivation != 0 && (cfg.AsyncActivation <= 0 || cfg.AsyncActivation > 1) {
		return nil, fmt.Errorf("%w: got %v", ErrAsyncActivationRange, cfg.AsyncActivation)
	}

	return &Resolver{
		Threshold:       cfg.Threshold,
		BufferEvery:     bufferEvery,
		BlockAfter:      blockAfter,
		AsyncActivation: cfg.AsyncActivation,
	}, nil
}

// resolveFraction interprets v as a fraction of base when 0 < v < 1, or as
// an absolute token count when v >= 1. v == 0 means "unset" and resolves
// to 0 regardless of base.
func resolveFraction(v float64, base int) int {
	if v <= 0 {
		return 0
	}
	if v < 1 {
		return int(v * float64(base))
	}
	return int(v)
}

// EffectiveMessageThreshold is Resolver.Threshold.Effective, exposed at the
// Resolver level for callers that only hold a *Resolver.
func (r *Resolver) EffectiveMessageThreshold(currentObsTokens int) int {
	return r.Threshold.Effective(currentObsTokens)
}

// BufferingEnabled reports whether background observation buffering is
// configured.
func (r *Resolver) BufferingEnabled() bool {
	return r.BufferEvery > 0
}

// BlockAfterEnabled reports whether the synchronous fallback threshold is
// configured.
func (r *Resolver) BlockAfterEnabled() bool {
	return r.BlockAfter > 0
}

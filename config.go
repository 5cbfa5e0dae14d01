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
package om

import (
	"errors"
	"fmt"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/store"
	"github.com/rivermind-ai/om/pkg/threshold"
	"github.com/rivermind-ai/om/pkg/tokencount"
)

// Configuration errors, fatal at construction time (§7 item 1).
var (
	ErrBothModelsSet                        = errors.New("om: cannot set both a top-level model and a per-step observation/reflection model")
	ErrObservationAsyncNeedsReflectionAsync = errors.New("om: observation.bufferEvery requires reflection.asyncActivation to be set")
	ErrUnknownProfile                       = errors.New("om: unknown threshold profile")
	ErrShareTokenBudgetRequiresRange        = errors.New("om: shareTokenBudget requires observation.messageTokens to be a {min,max} range")
)

// ObservationOptions is observation.* from §6.
type ObservationOptions struct {
	Model string // overrides Options.Model for Observer calls, if set

	// MessageTokens is the scalar or {min,max} trigger threshold for
	// pending-token accumulation. Zero value means "use Profile's
	// default", and it is an error for both to be unset.
	MessageTokens threshold.Spec

	// BufferEvery, BlockAfter, AsyncActivation: see threshold.Config.
	// Values in (0,1) are fractions of MessageTokens' base; >=1 are
	// absolute token counts. AsyncActivation is always a fraction.
	BufferEvery     float64
	BlockAfter      float64
	AsyncActivation float64

	MaxTokensPerBatch int

	ModelSettings   store.ModelSettings
	ProviderOptions map[string]interface{}
}

// ReflectionOptions is reflection.* from §6.
type ReflectionOptions struct {
	Model string

	// ObservationTokens is the absolute ObservationTokenCount at which
	// maybeReflect fires (§4.12).
	ObservationTokens int
	// AsyncActivation is reflection.asyncActivation: the fraction of
	// ObservationTokens at which reflection buffering fires. Zero
	// disables reflection buffering.
	AsyncActivation float64

	ModelSettings   store.ModelSettings
	ProviderOptions map[string]interface{}
}

// Options is the engine configuration described in full by §6.
type Options struct {
	Scope domain.Scope

	// Model is used for both Observer and Reflection calls unless
	// Observation.Model/Reflection.Model override it. Setting both Model
	// and a per-step model is a configuration error (§7 item 1).
	Model string

	Observation ObservationOptions
	Reflection  ReflectionOptions

	// Profile supplies defaults for MessageTokens/BufferEvery/
	// AsyncActivation (threshold.Profile) when Observation.MessageTokens
	// is the zero Spec. An explicit Observation field always wins over
	// the profile.
	Profile threshold.Profile

	// ShareTokenBudget: when true, message and observation thresholds
	// share a single budget (MessageTokens must be a range).
	ShareTokenBudget bool

	ObscureThreadIDs bool

	OnDebugEvent func(DebugEvent)
}

// ResolvedConfig is the construction-time-resolved form of Options:
// fractional fields turned into absolute token counts, ready for the
// Scheduler.
type ResolvedConfig struct {
	ObservationModel          string
	ReflectionModel           string
	ObservationSettings       store.ModelSettings
	ReflectionSettings        store.ModelSettings
	ObservationResolver       *threshold.Resolver
	ReflectionThreshold       int
	ReflectionAsyncActivation float64
}

func (o Options) resolve() (ResolvedConfig, error) {
	if o.Observation.Model != "" && o.Model != "" {
		return ResolvedConfig{}, ErrBothModelsSet
	}
	if o.Reflection.Model != "" && o.Model != "" {
		return ResolvedConfig{}, ErrBothModelsSet
	}

	obsSpec := o.Observation.MessageTokens
	bufferEvery := o.Observation.BufferEvery
	blockAfter := o.Observation.BlockAfter
	asyncActivation := o.Observation.AsyncActivation
	if obsSpec == (threshold.Spec{}) && o.Profile != "" {
		profileCfg, ok := threshold.ResolveProfile(o.Profile)
		if !ok {
			return ResolvedConfig{}, fmt.Errorf("%w: %q", ErrUnknownProfile, o.Profile)
		}
		obsSpec = profileCfg.Threshold
		if bufferEvery == 0 {
			bufferEvery = profileCfg.BufferEvery
		}
		if blockAfter == 0 {
			blockAfter = profileCfg.BlockAfter
		}
		if asyncActivation == 0 {
			asyncActivation = profileCfg.AsyncActivation
		}
	}

	if obsSpec == (threshold.Spec{}) {
		return ResolvedConfig{}, errors.New("om: observation.messageTokens is unset and no profile was given")
	}
	if bufferEvery > 0 && o.Reflection.AsyncActivation == 0 {
		return ResolvedConfig{}, ErrObservationAsyncNeedsReflectionAsync
	}
	if o.ShareTokenBudget && !obsSpec.Range {
		return ResolvedConfig{}, ErrShareTokenBudgetRequiresRange
	}

	resolver, err := threshold.NewResolver(threshold.Config{
		Threshold:       obsSpec,
		BufferEvery:     bufferEvery,
		BlockAfter:      blockAfter,
		AsyncActivation: asyncActivation,
	})
	if err != nil {
		return ResolvedConfig{}, err
	}

	model := o.Model
	obsModel := o.Observation.Model
	if obsModel == "" {
		obsModel = model
	}
	reflModel := o.Reflection.Model
	if reflModel == "" {
		reflModel = model
	}

	obsSettings := o.Observation.ModelSettings
	if obsSettings.MaxOutputTokens == 0 {
		obsSettings.MaxOutputTokens = defaultReservedOutputTokens(obsModel)
	}
	reflSettings := o.Reflection.ModelSettings
	if reflSettings.MaxOutputTokens == 0 {
		reflSettings.MaxOutputTokens = defaultReservedOutputTokens(reflModel)
	}

	return ResolvedConfig{
		ObservationModel:          obsModel,
		ReflectionModel:           reflModel,
		ObservationSettings:       obsSettings,
		ReflectionSettings:        reflSettings,
		ObservationResolver:       resolver,
		ReflectionThreshold:       o.Reflection.ObservationTokens,
		ReflectionAsyncActivation: o.Reflection.AsyncActivation,
	}, nil
}

// defaultReservedOutputTokens seeds MaxOutputTokens from the model's known
// context window when the caller left it unset, rather than leaving the
// provider to pick an arbitrary default. Unrecognized models fall back to
// tokencount.DefaultReservedOutputTokens.
func defaultReservedOutputTokens(model string) int {
	limit, ok := tokencount.ContextLimitFor(model)
	if !ok {
		return tokencount.DefaultReservedOutputTokens
	}
	reserved := limit / 20
	if reserved < tokencount.DefaultReservedOutputTokens {
		return tokencount.DefaultReservedOutputTokens
	}
	return reserved
}

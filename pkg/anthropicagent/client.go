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

// Package anthropicagent implements store.AgentCall against the official
// Anthropic Go SDK, for callers that want the engine's Observer/Reflector
// roles to actually reach Claude rather than a test double.
package anthropicagent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/store"
)

const (
	// DefaultMaxTokens bounds a single Observer/Reflector call's output.
	DefaultMaxTokens = 4096
	// DefaultTemperature matches the API default.
	DefaultTemperature = 1.0
	// DefaultMaxRetries is the number of retries on a throttled request.
	DefaultMaxRetries = 5
	// DefaultRetryBackoff is the initial backoff, doubled on each retry.
	DefaultRetryBackoff = time.Second
)

// Config configures a Thread.
type Config struct {
	// APIKey is used verbatim if set; otherwise the SDK falls back to
	// ANTHROPIC_API_KEY the same way the official client does.
	APIKey string
	// BaseURL overrides the API endpoint, mainly for pointing at a test
	// server or a compatible proxy.
	BaseURL string

	MaxTokens    int
	Temperature  float64
	MaxRetries   int
	RetryBackoff time.Duration

	Logger *zap.Logger
}

// Thread adapts the Anthropic SDK to store.AgentCall. Each Call is one
// single-turn Messages.New request: the engine never needs multi-turn
// history on this interface, since the Observer/Reflector prompts are
// built fresh every call (§4.5, §4.6).
type Thread struct {
	sdk anthropic.Client

	maxTokens    int
	temperature  float64
	maxRetries   int
	retryBackoff time.Duration

	logger *zap.Logger
}

// NewThread builds a Thread. With cfg.APIKey empty, the SDK picks up
// ANTHROPIC_API_KEY from the environment on its own.
func NewThread(cfg Config) *Thread {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		opts = append(opts, option.WithAPIKey(envKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}

	return &Thread{
		sdk:          anthropic.NewClient(opts...),
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
	}
}

var _ store.AgentCall = (*Thread)(nil)

// Call issues one Messages.New request and returns the concatenated text
// content blocks plus token usage. settings.ProviderOptions["anthropic_beta"]
// (a string or []string) is forwarded as the anthropic-beta header, mirroring
// how the rest of the ecosystem threads beta features through per-call.
func (c *Thread) Call(ctx context.Context, model, systemPrompt, userPrompt string, settings store.ModelSettings) (string, domain.Usage, error) {
	temperature := c.temperature
	if settings.Temperature != nil {
		temperature = *settings.Temperature
	}
	maxTokens := c.maxTokens
	if settings.MaxOutputTokens > 0 {
		maxTokens = settings.MaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	message, err := c.callWithRetry(ctx, params, betaOptions(settings.ProviderOptions)...)
	if err != nil {
		return "", domain.Usage{}, fmt.Errorf("anthropicagent: call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return text.String(), domain.Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// betaOptions translates an "anthropic_beta" provider option (a string or
// []string of feature flags) into request options, if present.
func betaOptions(providerOptions map[string]interface{}) []option.RequestOption {
	raw, ok := providerOptions["anthropic_beta"]
	if !ok {
		return nil
	}
	var flags []string
	switch v := raw.(type) {
	case string:
		flags = []string{v}
	case []string:
		flags = v
	default:
		return nil
	}
	opts := make([]option.RequestOption, 0, len(flags))
	for _, f := range flags {
		opts = append(opts, option.WithHeaderAdd("anthropic-beta", f))
	}
	return opts
}

// callWithRetry retries on a throttled/overloaded response with doubling
// backoff, the same policy the rest of the corpus applies around this SDK.
func (c *Thread) callWithRetry(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		message, err := c.sdk.Messages.New(ctx, params, opts...)
		if err == nil {
			return message, nil
		}
		lastErr = err
		if !isThrottlingError(err) || attempt == c.maxRetries {
			return nil, err
		}
		c.logger.Warn("anthropic request throttled, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func isThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, needle := range []string{"429", "rate_limit_error", "overloaded_error"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivermind-ai/om/pkg/domain"
)

const sampleYAML = `
scope: resource
model: claude-sonnet-4-5
profile: data_intensive
share_token_budget: true
obscure_thread_ids: true
observation:
  message_tokens:
    min: 4000
    max: 12000
  buffer_every: 0.33
  max_tokens_per_batch: 8000
reflection:
  observation_tokens: 6000
  async_activation: 0.5
`

func TestLoadEngineConfigParsesRangeThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "om.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "resource", cfg.Scope)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, 4000, cfg.Observation.MessageTokens.Min)
	assert.Equal(t, 12000, cfg.Observation.MessageTokens.Max)
	assert.Equal(t, 8000, cfg.Observation.MaxTokensPerBatch)
	assert.Equal(t, 6000, cfg.Reflection.ObservationTokens)
}

func TestLoadEngineConfigParsesScalarThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "om.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scope: thread\nobservation:\n  message_tokens: 6000\n"), 0o644))

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)
	spec := cfg.Observation.MessageTokens.Spec()
	assert.False(t, spec.Range)
	assert.Equal(t, 6000, spec.Max)
}

func TestToOptionsConvertsScopeAndThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "om.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)

	opts := cfg.ToOptions()
	assert.Equal(t, domain.ScopeResource, opts.Scope)
	assert.True(t, opts.ShareTokenBudget)
	assert.True(t, opts.ObscureThreadIDs)
	assert.Equal(t, 4000, opts.Observation.MessageTokens.Min)
	assert.Equal(t, 12000, opts.Observation.MessageTokens.Max)
	assert.Equal(t, 6000, opts.Reflection.ObservationTokens)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "om.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scope: thread\nmodel: one\n"), 0o644))

	reloaded := make(chan EngineYAML, 1)
	w, err := NewWatcher(path, func(cfg EngineYAML) { reloaded <- cfg })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	assert.Equal(t, "one", w.Current().Model)

	require.NoError(t, os.WriteFile(path, []byte("scope: thread\nmodel: two\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "two", cfg.Model)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	om "github.com/rivermind-ai/om"
	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/store"
	"github.com/rivermind-ai/om/pkg/threshold"
)

// ThresholdYAML is the YAML shape of a threshold.Spec: either a bare
// scalar (`message_tokens: 6000`) or a {min,max} range
// (`message_tokens: {min: 4000, max: 12000}`).
type ThresholdYAML struct {
	Scalar int `yaml:"-"`
	Min    int `yaml:"min"`
	Max    int `yaml:"max"`
}

// UnmarshalYAML accepts either a bare integer or a {min,max} mapping.
func (t *ThresholdYAML) UnmarshalYAML(value *yaml.Node) error {
	var scalar int
	if err := value.Decode(&scalar); err == nil {
		t.Scalar = scalar
		return nil
	}
	var rng struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	}
	if err := value.Decode(&rng); err != nil {
		return fmt.Errorf("threshold: expected a scalar or {min,max}: %w", err)
	}
	t.Min, t.Max = rng.Min, rng.Max
	return nil
}

// Spec converts the YAML shape to a threshold.Spec.
func (t ThresholdYAML) Spec() threshold.Spec {
	if t.Max > 0 {
		return threshold.RangeSpec(t.Min, t.Max)
	}
	return threshold.Scalar(t.Scalar)
}

// ObservationYAML mirrors om.ObservationOptions (§6 observation.*).
type ObservationYAML struct {
	Model             string        `yaml:"model"`
	MessageTokens     ThresholdYAML `yaml:"message_tokens"`
	BufferEvery       float64       `yaml:"buffer_every"`
	BlockAfter        float64       `yaml:"block_after"`
	AsyncActivation   float64       `yaml:"async_activation"`
	MaxTokensPerBatch int           `yaml:"max_tokens_per_batch"`
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	Temperature       *float64      `yaml:"temperature"`
}

// ReflectionYAML mirrors om.ReflectionOptions (§6, minus the observation-
// only fields).
type ReflectionYAML struct {
	Model             string   `yaml:"model"`
	ObservationTokens int      `yaml:"observation_tokens"`
	AsyncActivation   float64  `yaml:"async_activation"`
	MaxOutputTokens   int      `yaml:"max_output_tokens"`
	Temperature       *float64 `yaml:"temperature"`
}

// EngineYAML is the top-level YAML document this loader accepts, e.g.:
//
//	scope: thread
//	model: claude-sonnet-4-5
//	profile: balanced
//	share_token_budget: false
//	obscure_thread_ids: true
//	observation:
//	  message_tokens: {min: 4000, max: 12000}
//	  buffer_every: 0.33
//	reflection:
//	  observation_tokens: 6000
//	  async_activation: 0.5
type EngineYAML struct {
	Scope            string          `yaml:"scope"`
	Model            string          `yaml:"model"`
	Profile          string          `yaml:"profile"`
	ShareTokenBudget bool            `yaml:"share_token_budget"`
	ObscureThreadIDs bool            `yaml:"obscure_thread_ids"`
	Observation      ObservationYAML `yaml:"observation"`
	Reflection       ReflectionYAML  `yaml:"reflection"`
}

// ToOptions converts the parsed YAML document into om.Options. It does not
// itself validate threshold arithmetic — that happens inside om.New, which
// is the single source of truth for configuration-error validation (§7).
func (e EngineYAML) ToOptions() om.Options {
	scope := domain.ScopeThread
	if e.Scope == string(domain.ScopeResource) {
		scope = domain.ScopeResource
	}

	obsSettings := store.ModelSettings{MaxOutputTokens: e.Observation.MaxOutputTokens}
	if e.Observation.Temperature != nil {
		obsSettings.Temperature = e.Observation.Temperature
	}
	reflSettings := store.ModelSettings{MaxOutputTokens: e.Reflection.MaxOutputTokens}
	if e.Reflection.Temperature != nil {
		reflSettings.Temperature = e.Reflection.Temperature
	}

	return om.Options{
		Scope:            scope,
		Model:            e.Model,
		Profile:          threshold.Profile(e.Profile),
		ShareTokenBudget: e.ShareTokenBudget,
		ObscureThreadIDs: e.ObscureThreadIDs,
		Observation: om.ObservationOptions{
			Model:             e.Observation.Model,
			MessageTokens:     e.Observation.MessageTokens.Spec(),
			BufferEvery:       e.Observation.BufferEvery,
			BlockAfter:        e.Observation.BlockAfter,
			AsyncActivation:   e.Observation.AsyncActivation,
			MaxTokensPerBatch: e.Observation.MaxTokensPerBatch,
			ModelSettings:     obsSettings,
		},
		Reflection: om.ReflectionOptions{
			Model:             e.Reflection.Model,
			ObservationTokens: e.Reflection.ObservationTokens,
			AsyncActivation:   e.Reflection.AsyncActivation,
			ModelSettings:     reflSettings,
		},
	}
}

// LoadEngineConfig reads and parses an engine YAML config file (§6,
// "Configuration" in SPEC_FULL's Ambient Stack), mirroring the teacher's
// pkg/agent/config_loader.go LoadAgentConfig shape.
func LoadEngineConfig(path string) (EngineYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineYAML{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var cfg EngineYAML
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineYAML{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// ReloadCallback is invoked with the freshly parsed config whenever
// Watcher observes a write to its config file.
type ReloadCallback func(EngineYAML)

// Watcher hot-reloads an engine config file on write, the way the
// teacher's pkg/agent/registry.go Registry.WatchConfigs does for agent
// configs — one fsnotify.Watcher per watched directory, filtered to the
// single file this Watcher cares about.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onReload ReloadCallback

	mu      sync.RWMutex
	current EngineYAML
}

// NewWatcher loads path once and begins watching its parent directory for
// subsequent writes. Call Close when done.
func NewWatcher(path string, onReload ReloadCallback) (*Watcher, error) {
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{path: path, fsw: fsw, onReload: onReload, current: cfg}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadEngineConfig(w.path)
			if err != nil {
				// Transient read-during-write races are common; keep the
				// previous good config rather than propagating a parse
				// error from a half-written file.
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() EngineYAML {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

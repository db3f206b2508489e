// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools maps resolved intents to executable tools: a YAML-backed
// registry of tool definitions, a selector (static intent mapping plus
// embedding-based dynamic ranking), and an executor that drives the
// data-access collaborator.
//
// Thread Safety:
//
//	All exported types are safe for concurrent use after construction.
package tools

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/TraceCommand/services/command/clarify"
	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

// MaxYAMLFileSize caps external registry files (1MB). Prevents memory
// issues from oversized files.
const MaxYAMLFileSize = 1024 * 1024

// MaxToolsInRegistry caps the number of registered tools.
const MaxToolsInRegistry = 200

//go:embed tool_registry.yaml
var defaultRegistryYAML []byte

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	toolSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracecommand_tool_selections_total",
		Help: "Total tool selections by tool and selection mode",
	}, []string{"tool", "mode"})

	selectionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracecommand_tool_selection_failures_total",
		Help: "Total selections that found no tool above the similarity floor",
	})

	registryReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracecommand_tool_registry_reloads_total",
		Help: "Total registry reloads by outcome",
	}, []string{"outcome"})

	toolExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracecommand_tool_execution_seconds",
		Help:    "Tool execution latency",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
	}, []string{"tool", "success"})
)

// =============================================================================
// YAML Types
// =============================================================================

// registryYAML is the root structure for YAML deserialization.
type registryYAML struct {
	Tools []toolYAML `yaml:"tools"`
}

// toolYAML is a single tool entry in the YAML file.
type toolYAML struct {
	Name          string   `yaml:"name"`
	IntentCode    string   `yaml:"intent_code"`
	Description   string   `yaml:"description"`
	Category      string   `yaml:"category"`
	Keywords      []string `yaml:"keywords"`
	RequiredSlots []string `yaml:"required_slots"`
	Mutating      bool     `yaml:"mutating"`
	Operation     string   `yaml:"operation"`
	Entity        string   `yaml:"entity"`
}

// =============================================================================
// Registry
// =============================================================================

// Tool is one executable capability known to the system.
type Tool struct {
	Name          string
	IntentCode    string
	Description   string
	Category      string
	Keywords      []string
	RequiredSlots []datatypes.SlotType
	Mutating      bool

	// Operation and Entity drive the data-access collaborator:
	// Operation is one of read, list, create, update, delete.
	Operation string
	Entity    string
}

// Registry holds the loaded tool catalog. Reloadable: an fsnotify
// watcher swaps the whole snapshot atomically on file change, so readers
// never see a half-loaded catalog.
type Registry struct {
	mu           sync.RWMutex
	byName       map[string]*Tool
	byIntent     map[string]*Tool
	keywordIndex map[string][]string
	sourcePath   string

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped sync.Once
}

// LoadRegistry loads the catalog from path, falling back to the embedded
// default when path is empty or unreadable.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{sourcePath: path, done: make(chan struct{})}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// reload re-reads and atomically swaps the catalog.
func (r *Registry) reload() error {
	data := defaultRegistryYAML
	source := "embedded"

	if r.sourcePath != "" {
		external, err := readRegistryFile(r.sourcePath)
		if err != nil {
			slog.Warn("external tool registry not available, using embedded default",
				"path", r.sourcePath, "error", err)
		} else {
			data = external
			source = "external"
		}
	}

	byName, byIntent, keywordIndex, err := parseRegistry(data)
	if err != nil {
		registryReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("parsing tool registry: %w", err)
	}

	r.mu.Lock()
	r.byName = byName
	r.byIntent = byIntent
	r.keywordIndex = keywordIndex
	r.mu.Unlock()

	registryReloads.WithLabelValues("ok").Inc()
	slog.Info("tool registry loaded",
		"source", source, "tools", len(byName), "keywords", len(keywordIndex))
	return nil
}

func readRegistryFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("registry file %s exceeds %d bytes", path, MaxYAMLFileSize)
	}
	return os.ReadFile(path)
}

func parseRegistry(data []byte) (map[string]*Tool, map[string]*Tool, map[string][]string, error) {
	var raw registryYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, nil, err
	}
	if len(raw.Tools) == 0 {
		return nil, nil, nil, fmt.Errorf("registry contains no tools")
	}
	if len(raw.Tools) > MaxToolsInRegistry {
		return nil, nil, nil, fmt.Errorf("registry has %d tools, max %d", len(raw.Tools), MaxToolsInRegistry)
	}

	byName := make(map[string]*Tool, len(raw.Tools))
	byIntent := make(map[string]*Tool, len(raw.Tools))
	keywordIndex := make(map[string][]string)

	for i, entry := range raw.Tools {
		if entry.Name == "" || entry.IntentCode == "" {
			return nil, nil, nil, fmt.Errorf("tool %d: name and intent_code are required", i)
		}
		if _, dup := byName[entry.Name]; dup {
			return nil, nil, nil, fmt.Errorf("duplicate tool name %q", entry.Name)
		}
		if _, dup := byIntent[entry.IntentCode]; dup {
			return nil, nil, nil, fmt.Errorf("duplicate intent code %q", entry.IntentCode)
		}

		slots := make([]datatypes.SlotType, 0, len(entry.RequiredSlots))
		for _, s := range entry.RequiredSlots {
			slots = append(slots, datatypes.SlotType(s))
		}

		tool := &Tool{
			Name:          entry.Name,
			IntentCode:    entry.IntentCode,
			Description:   entry.Description,
			Category:      entry.Category,
			Keywords:      dedupeLower(entry.Keywords),
			RequiredSlots: slots,
			Mutating:      entry.Mutating,
			Operation:     entry.Operation,
			Entity:        entry.Entity,
		}
		byName[tool.Name] = tool
		byIntent[tool.IntentCode] = tool
		for _, kw := range tool.Keywords {
			keywordIndex[kw] = append(keywordIndex[kw], tool.Name)
		}
	}
	return byName, byIntent, keywordIndex, nil
}

func dedupeLower(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Watch starts the fsnotify hot-reload loop for the external registry
// file. No-op when the registry uses only the embedded default.
func (r *Registry) Watch() error {
	if r.sourcePath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating registry watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(r.sourcePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching registry dir: %w", err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.sourcePath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					slog.Error("tool registry reload failed, keeping previous catalog", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("tool registry watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() {
	r.stopped.Do(func() {
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// ByIntent returns the tool statically mapped to an intent code.
func (r *Registry) ByIntent(intentCode string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byIntent[intentCode]
	return t, ok
}

// Requirements returns the clarification requirements for an intent.
// Unknown intents report no required slots and non-mutating, which the
// confidence floor upstream turns into a clarification anyway.
func (r *Registry) Requirements(intentCode string) clarify.IntentRequirements {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.byIntent[intentCode]; ok {
		return clarify.IntentRequirements{
			IntentCode:    intentCode,
			RequiredSlots: t.RequiredSlots,
			Mutating:      t.Mutating,
		}
	}
	return clarify.IntentRequirements{IntentCode: intentCode}
}

// Intents lists the catalog as (code, description) pairs for the
// classification prompt, sorted by code for a stable prompt.
func (r *Registry) Intents() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][2]string, 0, len(r.byIntent))
	for code, t := range r.byIntent {
		out = append(out, [2]string{code, t.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// FindByKeywords returns names of tools sharing at least one keyword
// with the query, the cheap pre-filter ahead of vector comparison.
func (r *Registry) FindByKeywords(query string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		for _, name := range r.keywordIndex[word] {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ToolCount reports the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// All returns a snapshot of every registered tool.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

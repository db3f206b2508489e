// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TraceCommand/services/command/datatypes"
)

func TestLoadRegistry_EmbeddedDefault(t *testing.T) {
	r, err := LoadRegistry("")
	require.NoError(t, err)
	defer r.Close()

	assert.Greater(t, r.ToolCount(), 5)

	tool, ok := r.ByIntent("QUERY_BATCH_STATUS")
	require.True(t, ok)
	assert.Equal(t, "batch_status_lookup", tool.Name)
	assert.False(t, tool.Mutating)
	assert.Equal(t, []datatypes.SlotType{datatypes.SlotBatch}, tool.RequiredSlots)

	cancel, ok := r.ByIntent("CANCEL_ORDER")
	require.True(t, ok)
	assert.True(t, cancel.Mutating)
	assert.Equal(t, "delete", cancel.Operation)
}

func TestLoadRegistry_MissingExternalFallsBack(t *testing.T) {
	r, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	defer r.Close()
	assert.Greater(t, r.ToolCount(), 0)
}

func TestLoadRegistry_ExternalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - name: custom_tool
    intent_code: CUSTOM_INTENT
    description: a custom tool
    category: custom
    keywords: [custom]
    required_slots: [batch_id]
    mutating: false
    operation: read
    entity: batch
`), 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 1, r.ToolCount())
	_, ok := r.ByIntent("CUSTOM_INTENT")
	assert.True(t, ok)
}

func TestParseRegistry_RejectsDuplicates(t *testing.T) {
	_, _, _, err := parseRegistry([]byte(`
tools:
  - {name: a, intent_code: X, operation: read, entity: batch}
  - {name: a, intent_code: Y, operation: read, entity: batch}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool name")
}

func TestFindByKeywords(t *testing.T) {
	r, err := LoadRegistry("")
	require.NoError(t, err)
	defer r.Close()

	matches := r.FindByKeywords("where is my batch right now")
	assert.Contains(t, matches, "batch_status_lookup")

	assert.Empty(t, r.FindByKeywords("completely unrelated words"))
}

func TestRequirements(t *testing.T) {
	r, err := LoadRegistry("")
	require.NoError(t, err)
	defer r.Close()

	req := r.Requirements("CANCEL_ORDER")
	assert.True(t, req.Mutating)
	assert.Equal(t, []datatypes.SlotType{datatypes.SlotOrder}, req.RequiredSlots)

	unknown := r.Requirements("NO_SUCH_INTENT")
	assert.False(t, unknown.Mutating)
	assert.Empty(t, unknown.RequiredSlots)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	first := []byte(`
tools:
  - {name: one, intent_code: ONE, description: d, operation: read, entity: batch}
`)
	require.NoError(t, os.WriteFile(path, first, 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Watch())
	require.Equal(t, 1, r.ToolCount())

	second := []byte(`
tools:
  - {name: one, intent_code: ONE, description: d, operation: read, entity: batch}
  - {name: two, intent_code: TWO, description: d, operation: read, entity: order}
`)
	require.NoError(t, os.WriteFile(path, second, 0o600))

	require.Eventually(t, func() bool {
		return r.ToolCount() == 2
	}, 3*time.Second, 20*time.Millisecond, "watcher should pick up the rewrite")
}

// Package hooks installs the host agent's tool hooks and decodes the payloads
// the host sends to them.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lucasnoah/stagegate/internal/store"
)

// HookHandler represents a single hook handler within an event group.
type HookHandler struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// HookGroup represents a group of hooks for a single event, with an optional matcher.
type HookGroup struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []HookHandler `json:"hooks"`
}

// HooksConfig is the host settings structure containing hooks.
// Written to .claude/settings.local.json.
type HooksConfig struct {
	Hooks map[string][]HookGroup `json:"hooks"`
}

// DelegationMatcher matches the host tools that spawn a worker.
const DelegationMatcher = "Task|Agent"

// GenerateHooksConfig builds a hooks config that routes the host's tool
// lifecycle through bin.
//
// Event mapping:
//   - PreToolUse (every tool) → hook pre-tool-use (gate check, records delegations)
//   - PostToolUse (Task|Agent) → hook post-tool-use (stage completion)
func GenerateHooksConfig(bin string) *HooksConfig {
	if bin == "" {
		bin = ResolveBinary()
	}
	return &HooksConfig{
		Hooks: map[string][]HookGroup{
			"PreToolUse": {
				{Hooks: []HookHandler{{Type: "command", Command: bin + " hook pre-tool-use"}}},
			},
			"PostToolUse": {
				{Matcher: DelegationMatcher, Hooks: []HookHandler{{Type: "command", Command: bin + " hook post-tool-use"}}},
			},
		},
	}
}

// ResolveBinary returns the absolute path to the running binary.
// Uses os.Executable() first, falling back to "stagegate" (assumes PATH).
func ResolveBinary() string {
	if exe, err := os.Executable(); err == nil {
		if abs, err := filepath.EvalSymlinks(exe); err == nil {
			return abs
		}
		return exe
	}
	return "stagegate"
}

// WriteHooksFile writes the hooks config to <workdir>/.claude/settings.local.json.
// If the file already exists, it reads it and merges the hooks key.
// Creates the .claude directory if it doesn't exist.
func WriteHooksFile(workdir string, cfg *HooksConfig) (string, error) {
	dir := filepath.Join(workdir, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create .claude dir: %w", err)
	}

	path := filepath.Join(dir, "settings.local.json")

	existing := make(map[string]any)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return "", fmt.Errorf("parse %s: %w", path, err)
		}
	}

	hooks, _ := existing["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	for event, groups := range cfg.Hooks {
		hooks[event] = groups
	}
	existing["hooks"] = hooks

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')
	if err := store.WriteAtomic(path, data); err != nil {
		return "", fmt.Errorf("write settings file: %w", err)
	}
	return path, nil
}

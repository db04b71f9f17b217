package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateHooksConfig(t *testing.T) {
	cfg := GenerateHooksConfig("/usr/local/bin/stagegate")

	if len(cfg.Hooks) != 2 {
		t.Fatalf("expected 2 event types, got %d", len(cfg.Hooks))
	}

	pre := cfg.Hooks["PreToolUse"]
	if len(pre) != 1 || len(pre[0].Hooks) != 1 {
		t.Fatalf("PreToolUse: expected 1 group with 1 handler, got %+v", pre)
	}
	if pre[0].Matcher != "" {
		t.Errorf("PreToolUse matcher = %q, want every tool", pre[0].Matcher)
	}
	if got := pre[0].Hooks[0].Command; got != "/usr/local/bin/stagegate hook pre-tool-use" {
		t.Errorf("PreToolUse command = %q", got)
	}

	post := cfg.Hooks["PostToolUse"]
	if len(post) != 1 || post[0].Matcher != DelegationMatcher {
		t.Fatalf("PostToolUse = %+v, want matcher %q", post, DelegationMatcher)
	}
	if !strings.HasSuffix(post[0].Hooks[0].Command, "hook post-tool-use") {
		t.Errorf("PostToolUse command = %q", post[0].Hooks[0].Command)
	}

	for event, groups := range cfg.Hooks {
		if groups[0].Hooks[0].Type != "command" {
			t.Errorf("event %q: handler type = %q, want 'command'", event, groups[0].Hooks[0].Type)
		}
	}
}

func TestGenerateHooksConfigResolvesBinary(t *testing.T) {
	cfg := GenerateHooksConfig("")
	if cmd := cfg.Hooks["PreToolUse"][0].Hooks[0].Command; strings.HasPrefix(cmd, " ") {
		t.Errorf("command = %q, want a binary path", cmd)
	}
}

func TestWriteHooksFile(t *testing.T) {
	tmpDir := t.TempDir()
	path, err := WriteHooksFile(tmpDir, GenerateHooksConfig("stagegate"))
	if err != nil {
		t.Fatalf("WriteHooksFile: %v", err)
	}

	expectedPath := filepath.Join(tmpDir, ".claude", "settings.local.json")
	if path != expectedPath {
		t.Errorf("path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read settings file: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	hooksMap, ok := got["hooks"].(map[string]any)
	if !ok {
		t.Fatal("'hooks' should be a map")
	}
	if len(hooksMap) != 2 {
		t.Errorf("got %d event types, want 2", len(hooksMap))
	}
}

func TestWriteHooksFile_MergesExisting(t *testing.T) {
	tmpDir := t.TempDir()
	claudeDir := filepath.Join(tmpDir, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	existing := `{"allowedTools": ["Read", "Write"], "hooks": {"Stop": [{"hooks": [{"type": "command", "command": "notify"}]}]}}`
	if err := os.WriteFile(filepath.Join(claudeDir, "settings.local.json"), []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := WriteHooksFile(tmpDir, GenerateHooksConfig("stagegate")); err != nil {
		t.Fatalf("WriteHooksFile: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(claudeDir, "settings.local.json"))
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["allowedTools"]; !ok {
		t.Error("existing allowedTools key was lost during merge")
	}
	hooksMap := got["hooks"].(map[string]any)
	for _, ev := range []string{"Stop", "PreToolUse", "PostToolUse"} {
		if _, ok := hooksMap[ev]; !ok {
			t.Errorf("hooks missing %q after merge", ev)
		}
	}
}

func TestWriteHooksFile_RejectsCorruptSettings(t *testing.T) {
	tmpDir := t.TempDir()
	claudeDir := filepath.Join(tmpDir, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(claudeDir, "settings.local.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteHooksFile(tmpDir, GenerateHooksConfig("stagegate")); err == nil {
		t.Error("expected error for unparseable settings")
	}
}

func TestWriteHooksFile_CreatesDir(t *testing.T) {
	nestedDir := filepath.Join(t.TempDir(), "deep", "project")
	if _, err := WriteHooksFile(nestedDir, GenerateHooksConfig("stagegate")); err != nil {
		t.Fatalf("WriteHooksFile: %v", err)
	}
	info, err := os.Stat(filepath.Join(nestedDir, ".claude"))
	if err != nil {
		t.Fatalf("stat .claude dir: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected .claude to be a directory")
	}
}

func TestParseInput(t *testing.T) {
	payload := `{"session_id":"abc-123","hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"go test ./..."}}`
	in, err := ParseInput(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("ParseInput: %v", err)
	}
	if in.SessionID != "abc-123" || in.ToolName != "Bash" {
		t.Errorf("input = %+v", in)
	}
	if got := in.Target(); got != "go test ./..." {
		t.Errorf("Target = %q, want the command", got)
	}
}

func TestParseInputErrors(t *testing.T) {
	if _, err := ParseInput(strings.NewReader("nope")); err == nil {
		t.Error("expected decode error")
	}
	if _, err := ParseInput(strings.NewReader(`{"tool_name":"Read"}`)); err != ErrNoSession {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestInputAgentAndHint(t *testing.T) {
	in := &Input{
		ToolName:  "Task",
		ToolUseID: "toolu_01",
		ToolInput: ToolInput{SubagentType: "reviewer", Description: "review", Prompt: "Review the diff."},
	}
	if got := in.Agent(); got != "toolu_01" {
		t.Errorf("Agent = %q, want tool use id", got)
	}
	in.ToolUseID = ""
	if got := in.Agent(); got != "reviewer" {
		t.Errorf("Agent = %q, want subagent type", got)
	}
	if got := in.StageHint(); got != "review\nReview the diff." {
		t.Errorf("StageHint = %q", got)
	}
}

func TestInputOutput(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want string
	}{
		{"string", `"all good"`, "all good"},
		{"result field", `{"result":"done"}`, "done"},
		{"content blocks", `{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`, "a\nb"},
		{"bare blocks", `[{"type":"text","text":"only"}]`, "only"},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Input{ToolResponse: json.RawMessage(tt.resp)}
			if got := in.Output(); got != tt.want {
				t.Errorf("Output() = %q, want %q", got, tt.want)
			}
		})
	}
}

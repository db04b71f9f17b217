package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Input is the JSON document the host writes to a hook's stdin.
type Input struct {
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name"`
	Cwd           string          `json:"cwd,omitempty"`
	ToolName      string          `json:"tool_name"`
	ToolUseID     string          `json:"tool_use_id,omitempty"`
	ToolInput     ToolInput       `json:"tool_input"`
	ToolResponse  json.RawMessage `json:"tool_response,omitempty"`
}

// ToolInput holds the tool arguments the gate and the controller look at.
type ToolInput struct {
	Command      string `json:"command,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	NotebookPath string `json:"notebook_path,omitempty"`
	Path         string `json:"path,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	URL          string `json:"url,omitempty"`
	SubagentType string `json:"subagent_type,omitempty"`
	Description  string `json:"description,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// ErrNoSession is returned for payloads without a session id.
var ErrNoSession = errors.New("hook input has no session_id")

// ParseInput decodes a hook payload.
func ParseInput(r io.Reader) (*Input, error) {
	var in Input
	dec := json.NewDecoder(r)
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("decode hook input: %w", err)
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, ErrNoSession
	}
	return &in, nil
}

// Target is what the gate evaluates the tool against: the command line for
// shell tools, otherwise the path it touches.
func (in *Input) Target() string {
	t := in.ToolInput
	for _, s := range []string{t.Command, t.FilePath, t.NotebookPath, t.Path, t.URL, t.Pattern} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Agent identifies the worker a delegation spawns. The tool use id is shared
// by the Pre and Post events of one call, so it pairs delegation with
// completion.
func (in *Input) Agent() string {
	if in.ToolUseID != "" {
		return in.ToolUseID
	}
	if in.ToolInput.SubagentType != "" {
		return in.ToolInput.SubagentType
	}
	return in.ToolName
}

// StageHint is the text a delegation names its stage in.
func (in *Input) StageHint() string {
	return strings.TrimSpace(in.ToolInput.Description + "\n" + in.ToolInput.Prompt)
}

// Output returns the worker's final text from a PostToolUse payload. The
// response is either a string, an object with a content or result field, or
// a list of text blocks.
func (in *Input) Output() string {
	raw := in.ToolResponse
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content json.RawMessage `json:"content"`
		Result  string          `json:"result"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Result != "" {
			return obj.Result
		}
		if len(obj.Content) > 0 {
			return blocksText(obj.Content)
		}
	}
	return blocksText(raw)
}

func blocksText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

package domain

import (
	"encoding/json"
	"fmt"
)

// Command is a resume instruction for an interrupted run. When present it
// replaces the run input entirely, never merged with it.
type Command struct {
	// Goto redirects execution to the named nodes.
	Goto []string `json:"goto,omitempty"`
	// Update applies state updates before resuming.
	Update map[string]any `json:"update,omitempty"`
	// Resume is the value handed to the interrupted node.
	Resume any `json:"resume,omitempty"`
}

// UnmarshalJSON accepts both a single node name and a list for "goto".
func (c *Command) UnmarshalJSON(data []byte) error {
	type alias struct {
		Goto   json.RawMessage `json:"goto"`
		Update map[string]any  `json:"update"`
		Resume any             `json:"resume"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	c.Update = a.Update
	c.Resume = a.Resume
	c.Goto = nil
	if len(a.Goto) == 0 || string(a.Goto) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(a.Goto, &single); err == nil {
		c.Goto = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(a.Goto, &many); err != nil {
		return fmt.Errorf("command goto must be a node name or a list of node names: %w", err)
	}
	c.Goto = many
	return nil
}

// StringList accepts either a single string or a list of strings on the
// wire, used for interrupt_before/interrupt_after node lists.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// RunCreate is the request body for creating a run.
type RunCreate struct {
	AssistantID     string         `json:"assistant_id"`
	Input           map[string]any `json:"input,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	StreamMode      StringList     `json:"stream_mode,omitempty"`
	OnDisconnect    string         `json:"on_disconnect,omitempty"`
	Command         *Command       `json:"command,omitempty"`
	InterruptBefore StringList     `json:"interrupt_before,omitempty"`
	InterruptAfter  StringList     `json:"interrupt_after,omitempty"`
}

// Validate enforces the input/command exclusivity contract: exactly one of
// the two must be supplied. An empty input map alongside a command is
// tolerated and treated as absent.
func (r *RunCreate) Validate() error {
	if r.AssistantID == "" {
		return fmt.Errorf("assistant_id is required")
	}
	if r.Input != nil && r.Command != nil {
		if len(r.Input) != 0 {
			return fmt.Errorf("cannot specify both 'input' and 'command'")
		}
		r.Input = nil
	}
	if r.Input == nil && r.Command == nil {
		return fmt.Errorf("must specify either 'input' or 'command'")
	}
	return nil
}

// IsResume reports whether the request resumes an interrupted thread.
func (r *RunCreate) IsResume() bool {
	return r.Command != nil && r.Command.Resume != nil
}

// RunStatusPatch is the request body for PATCHing a run's status.
type RunStatusPatch struct {
	Status RunStatus `json:"status"`
}

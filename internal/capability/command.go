package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// CommandCapability runs an external program per evaluation. The Input is
// written to stdin as JSON; stdout is read back as a JSON value or, when it
// is not JSON, as plain text.
type CommandCapability struct {
	command string
	args    []string
	dir     string
	env     []string
	procMgr *ProcessManager
}

// NewCommand creates a command capability. The ProcessManager is optional.
func NewCommand(cfg Config, pm *ProcessManager) (*CommandCapability, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command capability needs a command")
	}
	return &CommandCapability{
		command: cfg.Command,
		args:    cfg.Args,
		dir:     cfg.Dir,
		env:     cfg.Env,
		procMgr: pm,
	}, nil
}

// Evaluate runs the command once.
func (c *CommandCapability) Evaluate(ctx context.Context, in Input) (Output, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("failed to encode input: %w", err)
	}

	cmd := newCommand(ctx, c.command, c.args...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdin = bytes.NewReader(payload)

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", c.command, err)
	}

	return parseOutput(stdout), nil
}

func parseOutput(data []byte) Output {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Output{}
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return Output{Text: string(trimmed)}
	}
	return outputFrom(v)
}

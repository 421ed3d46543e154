package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-dev/parley/errors"
	"github.com/parley-dev/parley/shell"
)

const timeRound = 100 * time.Millisecond

// RunCommandTool executes shell commands through the safety gate. The
// orchestrator classifies the command and collects any confirmation before
// dispatching; Execute here only runs it.
type RunCommandTool struct {
	gate *shell.Gate
}

func NewRunCommandTool(gate *shell.Gate) *RunCommandTool {
	return &RunCommandTool{gate: gate}
}

func (t *RunCommandTool) Name() string { return "run_command" }

func (t *RunCommandTool) Description() string {
	return "Executes a shell command in the session's working directory and returns stdout, stderr and the exit code. Args: command (string)."
}

func (t *RunCommandTool) Schema() Schema {
	return Schema{
		Required: []string{"command"},
		Properties: map[string]Property{
			"command": {Type: "string", Description: "The shell command to execute"},
		},
	}
}

// CommandFromArgs extracts the command for gate classification.
func (t *RunCommandTool) CommandFromArgs(args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return "", errors.New("missing or invalid 'command' argument")
	}
	return command, nil
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, err := t.CommandFromArgs(args)
	if err != nil {
		return "", err
	}

	res := t.gate.Execute(ctx, command)
	if res.TimedOut {
		return "", errors.New("command timed out after %s. Partial output:\n%s", res.Duration.Round(timeRound), res.Stdout)
	}

	out := res.Stdout
	if res.Stderr != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += res.Stderr
	}
	if res.ExitCode != 0 {
		return "", errors.New("command exited with code %d. Output:\n%s", res.ExitCode, out)
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", out), nil
}

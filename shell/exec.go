package shell

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxCapturedOutput = 50_000

// ExecutionResult reports one command run. TimedOut is set instead of a
// meaningful exit code when the wall-clock limit killed the process.
type ExecutionResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Execute runs a command through `sh -c` in the gate's tracked working
// directory, with the configured hard timeout. Classification is the
// caller's responsibility; Execute only runs what it is given.
//
// A plain `cd` command does not spawn a process: it moves the tracked
// working directory so subsequent commands run from there.
func (g *Gate) Execute(ctx context.Context, command string) *ExecutionResult {
	start := time.Now()
	g.history.add(command)

	if dir, ok := cdTarget(command); ok {
		return g.changeDir(dir, start)
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(g.timeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	// Grandchildren inherit the output pipes; without a wait delay, Run
	// blocks past the deadline until they exit and release the pipes.
	cmd.WaitDelay = time.Second
	cmd.Dir = g.Workdir()
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecutionResult{
		Command:  command,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Duration: time.Since(start),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		g.logger.Warn("command timed out",
			zap.String("command", command),
			zap.Int("timeout_seconds", g.timeoutSeconds))
		return res
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	g.logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res
}

// cdTarget reports whether command is a pure `cd`-class command and, if
// so, its target directory. Compound commands (`cd x && make`) execute in
// a subshell and do not move the tracked directory.
func cdTarget(command string) (string, bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 || fields[0] != "cd" {
		return "", false
	}
	if len(fields) > 2 {
		return "", false
	}
	for _, f := range fields[1:] {
		if strings.ContainsAny(f, "&|;") {
			return "", false
		}
	}
	if len(fields) == 1 {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		return home, true
	}
	return fields[1], true
}

func (g *Gate) changeDir(dir string, start time.Time) *ExecutionResult {
	base := g.Workdir()
	if base == "" {
		base, _ = os.Getwd()
	}
	target := dir
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)

	res := &ExecutionResult{Command: "cd " + dir, Duration: time.Since(start)}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		res.ExitCode = 1
		res.Stderr = "cd: no such directory: " + dir
		return res
	}
	g.mu.Lock()
	g.workdir = target
	g.mu.Unlock()
	res.Stdout = target
	g.logger.Info("working directory changed", zap.String("dir", target))
	return res
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n...[truncated]"
}

// historyRing is a bounded buffer of executed commands, oldest evicted
// first, for recall navigation in the terminal.
type historyRing struct {
	mu    sync.Mutex
	buf   []string
	start int
	count int
}

func newHistoryRing(size int) *historyRing {
	if size <= 0 {
		size = 100
	}
	return &historyRing{buf: make([]string, size)}
}

func (h *historyRing) add(command string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = command
		h.count++
		return
	}
	h.buf[h.start] = command
	h.start = (h.start + 1) % len(h.buf)
}

func (h *historyRing) items() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

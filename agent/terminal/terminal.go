// Package terminal is the interactive CLI surface: a read-eval loop that
// feeds user input to the agent, renders the streamed response, and
// answers shell confirmation prompts.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/parley-dev/parley/agent"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/shell"
)

var (
	promptStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	thinkingStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	noticeStyle   = lipgloss.NewStyle().Faint(true)
	confirmStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
)

// Terminal handles the terminal/CLI interaction mode for the agent.
type Terminal struct {
	agent *agent.Agent
	in    *bufio.Reader
	out   io.Writer

	// midLine tracks whether streamed output left the cursor mid-line, so
	// tool and confirmation notices start on their own line.
	midLine bool
}

// New creates a new Terminal instance reading from stdin.
func New(a *agent.Agent) *Terminal {
	return &Terminal{
		agent: a,
		in:    bufio.NewReader(os.Stdin),
		out:   os.Stdout,
	}
}

// Run starts the interactive session. An initial prompt from the command
// line is processed before the loop starts reading stdin.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		t.processTurn(ctx, initialPrompt)
	}

	for {
		fmt.Fprint(t.out, promptStyle.Render("You: "))
		line, err := t.in.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			quit, err := t.command(input)
			if err != nil {
				fmt.Fprintln(t.out, errorStyle.Render(fmt.Sprintf("Error: %v", err)))
			}
			if quit {
				break
			}
			continue
		}

		t.processTurn(ctx, input)
	}
	return nil
}

// processTurn runs one turn. Ctrl+C during the turn cancels it without
// leaving the loop.
func (t *Terminal) processTurn(ctx context.Context, input string) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := t.agent.RunTurn(turnCtx, input, t)
	if err != nil {
		fmt.Fprintln(t.out, errorStyle.Render(fmt.Sprintf("Error: %v", err)))
		return
	}
	switch outcome.Reason {
	case agent.TurnStreamFailed:
		fmt.Fprintln(t.out, errorStyle.Render(fmt.Sprintf("Stream failed: %v", outcome.Err)))
		fmt.Fprintln(t.out, noticeStyle.Render("Nothing was saved for this turn; you can retry."))
	case agent.TurnInterrupted:
		fmt.Fprintln(t.out, noticeStyle.Render("Turn interrupted."))
	case agent.TurnBudgetExceeded:
		fmt.Fprintln(t.out, noticeStyle.Render("Tool-round budget exhausted; stopping this turn."))
	}
}

// command handles slash commands. Returns true when the loop should exit.
func (t *Terminal) command(input string) (bool, error) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/pause":
		if err := t.agent.Session.Pause(); err != nil {
			return false, err
		}
		fmt.Fprintln(t.out, noticeStyle.Render(fmt.Sprintf("Session %q paused. Resume it with -r.", t.agent.Session.Name)))
		return true, nil

	case "/done":
		if err := t.agent.Session.Complete(); err != nil {
			return false, err
		}
		fmt.Fprintln(t.out, noticeStyle.Render(fmt.Sprintf("Session %q completed.", t.agent.Session.Name)))
		return true, nil

	case "/history":
		for _, msg := range t.agent.Session.History() {
			t.printMessage(msg)
		}
		return false, nil

	case "/branch":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /branch <name> [message-index]")
		}
		at := len(t.agent.Session.History())
		if len(fields) >= 3 {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return false, fmt.Errorf("bad message index %q", fields[2])
			}
			at = n
		}
		child, err := t.agent.Session.Branch(fields[1], at)
		if err != nil {
			return false, err
		}
		t.agent.Session = child
		fmt.Fprintln(t.out, noticeStyle.Render(fmt.Sprintf("Branched into %q at message %d.", child.Name, at)))
		return false, nil

	case "/allowlist":
		grants := t.agent.Gate.Allowlist()
		if len(grants) == 0 {
			fmt.Fprintln(t.out, noticeStyle.Render("No commands allowed for this session."))
			return false, nil
		}
		for _, cmd := range grants {
			fmt.Fprintf(t.out, "  %s\n", cmd)
		}
		return false, nil

	case "/tools":
		for _, d := range t.agent.ActiveTools {
			fmt.Fprintf(t.out, "  %s  %s\n", toolStyle.Render(d.Name), d.Description)
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %q (try /quit, /pause, /done, /history, /branch, /allowlist, /tools)", fields[0])
	}
}

func (t *Terminal) printMessage(msg session.Message) {
	switch msg.Role {
	case "user":
		fmt.Fprintf(t.out, "%s %s\n", promptStyle.Render("You:"), msg.Content)
	case "assistant":
		fmt.Fprintf(t.out, "Parley: %s\n", msg.Content)
		for _, tc := range msg.ToolCalls {
			fmt.Fprintln(t.out, toolStyle.Render(fmt.Sprintf("  [tool %s: %s]", tc.Name, tc.Status)))
		}
	case "tool":
		// Tool output is already reflected in the call status line.
	default:
		fmt.Fprintf(t.out, "%s: %s\n", msg.Role, msg.Content)
	}
}

// breakLine ends a partially streamed line before printing a notice.
func (t *Terminal) breakLine() {
	if t.midLine {
		fmt.Fprintln(t.out)
		t.midLine = false
	}
}

// OnContentDelta streams assistant prose as it arrives.
func (t *Terminal) OnContentDelta(delta string) {
	fmt.Fprint(t.out, delta)
	t.midLine = !strings.HasSuffix(delta, "\n")
}

// OnThinkingStarted marks the opening of a reasoning span.
func (t *Terminal) OnThinkingStarted() {
	t.breakLine()
	fmt.Fprint(t.out, thinkingStyle.Render("· "))
	t.midLine = true
}

// OnThinkingDelta renders reasoning text dimmed, distinct from prose.
func (t *Terminal) OnThinkingDelta(delta string) {
	fmt.Fprint(t.out, thinkingStyle.Render(delta))
	t.midLine = !strings.HasSuffix(delta, "\n")
}

// OnThinkingEnded closes the reasoning span.
func (t *Terminal) OnThinkingEnded(session.ThinkingBlock) {
	t.breakLine()
}

// OnToolCallStarted announces the call before it resolves.
func (t *Terminal) OnToolCallStarted(call session.ToolCall) {
	t.breakLine()
	fmt.Fprintln(t.out, toolStyle.Render(fmt.Sprintf("→ %s %v", call.Name, call.Args)))
}

// OnToolCallResolved reports the call outcome.
func (t *Terminal) OnToolCallResolved(call session.ToolCall) {
	line := fmt.Sprintf("✓ %s %s", call.Name, call.Status)
	if call.Status == session.CallFailed || call.Status == session.CallDenied {
		if call.Result != nil {
			line = fmt.Sprintf("✗ %s %s: %s", call.Name, call.Status, firstLine(call.Result.Text()))
		} else {
			line = fmt.Sprintf("✗ %s %s", call.Name, call.Status)
		}
		fmt.Fprintln(t.out, errorStyle.Render(line))
		return
	}
	fmt.Fprintln(t.out, toolStyle.Render(line))
}

// OnConfirmationNeeded asks y/n/a on the same stdin the loop reads. The
// turn is blocked inside RunTurn while this prompt runs, so the reader is
// not contended.
func (t *Terminal) OnConfirmationNeeded(req *shell.ConfirmationRequest) {
	t.breakLine()
	fmt.Fprintln(t.out, confirmStyle.Render(fmt.Sprintf("Command needs confirmation (%s):", req.Reason)))
	fmt.Fprintf(t.out, "  %s\n", req.Command)
	fmt.Fprint(t.out, confirmStyle.Render("Allow? [y]es / [n]o / [a]lways for this session: "))

	line, err := t.in.ReadString('\n')
	if err != nil {
		req.Resolve(false, false)
		return
	}
	switch strings.TrimSpace(strings.ToLower(line)) {
	case "y", "yes":
		req.Resolve(true, false)
	case "a", "always":
		req.Resolve(true, true)
	default:
		req.Resolve(false, false)
	}
}

// OnTurnCompleted ends the streamed output block.
func (t *Terminal) OnTurnCompleted(agent.TurnOutcome) {
	t.breakLine()
}

// OnWarning surfaces non-fatal problems.
func (t *Terminal) OnWarning(warning string) {
	t.breakLine()
	fmt.Fprintln(t.out, noticeStyle.Render(fmt.Sprintf("Warning: %s", warning)))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

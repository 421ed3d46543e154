// Package shell guards and runs shell commands on behalf of the agent.
// Every command is classified before execution: pre-approved commands run
// unattended, commands matching a denylist of dangerous pattern classes
// require interactive confirmation, and everything else runs automatically.
package shell

import (
	"regexp"
	"strings"
	"sync"

	"github.com/parley-dev/parley/errors"
	"github.com/parley-dev/parley/logging"
	"go.uber.org/zap"
)

// Decision is the outcome of classifying a command.
type Decision int

const (
	// DecisionAuto runs without asking.
	DecisionAuto Decision = iota
	// DecisionSessionAllowed matched the per-session allowlist.
	DecisionSessionAllowed
	// DecisionNeedsConfirmation requires an interactive grant.
	DecisionNeedsConfirmation
)

// ErrConfirmationPending is returned when a second confirmation is
// requested while one is still unresolved.
var ErrConfirmationPending = errors.New("a shell confirmation is already pending")

// denyRule pairs a pattern class with the reason surfaced to the user.
type denyRule struct {
	re     *regexp.Regexp
	reason string
}

var denyRules = []denyRule{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`), "recursive or forced file deletion"},
	{regexp.MustCompile(`\b(mkfs|fdisk|parted)\b`), "disk formatting or partitioning"},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/`), "raw write to a device"},
	{regexp.MustCompile(`(^|[;&|]\s*)(sudo|su|doas)\b`), "privilege escalation"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*0?777\b`), "world-writable permission change"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|;&]*\|\s*(ba)?sh\b`), "piping a download into a shell"},
	{regexp.MustCompile(`\bnc\b.*\s-e\b`), "reverse shell primitive"},
	{regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`), "machine power control"},
	{regexp.MustCompile(`\b(systemctl|service)\s+(stop|disable|mask|restart)\b`), "service control"},
	{regexp.MustCompile(`\b(kill|pkill|killall)\b`), "process termination"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]\b`), "raw write to a device"},
}

// Gate holds per-session shell policy: the allowlist, the tracked working
// directory, and the executed-command history.
type Gate struct {
	mu sync.Mutex

	// sessionAllow holds normalized commands granted for this session.
	sessionAllow map[string]struct{}
	// allowPatterns are profile-level regexes, pre-approved across turns.
	allowPatterns []*regexp.Regexp

	workdir string
	history *historyRing
	pending *ConfirmationRequest

	timeoutSeconds int
	logger         *zap.Logger
}

// Options configures a Gate.
type Options struct {
	// AllowedCommands are regex patterns from the profile. Invalid
	// patterns fall back to literal comparison, matching the profile
	// loader's tolerance for user input.
	AllowedCommands []string
	TimeoutSeconds  int
	HistorySize     int
	Workdir         string
}

// NewGate builds a gate for one session.
func NewGate(opts Options) *Gate {
	g := &Gate{
		sessionAllow:   make(map[string]struct{}),
		workdir:        opts.Workdir,
		history:        newHistoryRing(opts.HistorySize),
		timeoutSeconds: opts.TimeoutSeconds,
		logger:         logging.Named("shell"),
	}
	if g.timeoutSeconds <= 0 {
		g.timeoutSeconds = 120
	}
	for _, pattern := range opts.AllowedCommands {
		re, err := regexp.Compile(pattern)
		if err != nil {
			g.logger.Warn("invalid allowed_commands pattern, using literal match",
				zap.String("pattern", pattern), zap.Error(err))
			g.sessionAllow[Normalize(pattern)] = struct{}{}
			continue
		}
		g.allowPatterns = append(g.allowPatterns, re)
	}
	return g
}

// Normalize collapses whitespace runs so that allowlist membership is not
// defeated by incidental spacing.
func Normalize(command string) string {
	return strings.Join(strings.Fields(command), " ")
}

// Classify decides how a command may run. The session allowlist wins over
// the denylist: an explicit grant covers later identical commands.
func (g *Gate) Classify(command string) (Decision, string) {
	norm := Normalize(command)
	if norm == "" {
		return DecisionNeedsConfirmation, "empty command"
	}

	g.mu.Lock()
	_, granted := g.sessionAllow[norm]
	patterns := g.allowPatterns
	g.mu.Unlock()

	if granted {
		return DecisionSessionAllowed, ""
	}
	for _, re := range patterns {
		if re.MatchString(command) {
			return DecisionSessionAllowed, ""
		}
	}
	for _, rule := range denyRules {
		if rule.re.MatchString(command) {
			return DecisionNeedsConfirmation, rule.reason
		}
	}
	return DecisionAuto, ""
}

// AllowForSession adds the command's normalized form to the session
// allowlist. The grant lives for the session only.
func (g *Gate) AllowForSession(command string) {
	norm := Normalize(command)
	if norm == "" {
		return
	}
	g.mu.Lock()
	g.sessionAllow[norm] = struct{}{}
	g.mu.Unlock()
	g.logger.Info("command allowed for session", zap.String("command", norm))
}

// Allowlist returns the session grants, for export or display.
func (g *Gate) Allowlist() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sessionAllow))
	for cmd := range g.sessionAllow {
		out = append(out, cmd)
	}
	return out
}

// Workdir returns the tracked working directory.
func (g *Gate) Workdir() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.workdir
}

// History returns executed commands, oldest first.
func (g *Gate) History() []string {
	return g.history.items()
}

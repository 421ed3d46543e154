package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/llm"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/shell"
	"github.com/parley-dev/parley/stream"
	"github.com/parley-dev/parley/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every event for assertions. resolveConfirmation,
// when set, answers confirmation prompts.
type recordingSink struct {
	content             string
	thinkingDeltas      string
	thinkingBlocks      []session.ThinkingBlock
	started             []session.ToolCall
	resolved            []session.ToolCall
	outcomes            []TurnOutcome
	warnings            []string
	resolveConfirmation func(req *shell.ConfirmationRequest)
}

func (r *recordingSink) OnContentDelta(delta string)  { r.content += delta }
func (r *recordingSink) OnThinkingStarted()           {}
func (r *recordingSink) OnThinkingDelta(delta string) { r.thinkingDeltas += delta }
func (r *recordingSink) OnThinkingEnded(block session.ThinkingBlock) {
	r.thinkingBlocks = append(r.thinkingBlocks, block)
}
func (r *recordingSink) OnToolCallStarted(call session.ToolCall) {
	r.started = append(r.started, call)
}
func (r *recordingSink) OnToolCallResolved(call session.ToolCall) {
	r.resolved = append(r.resolved, call)
}
func (r *recordingSink) OnConfirmationNeeded(req *shell.ConfirmationRequest) {
	if r.resolveConfirmation != nil {
		r.resolveConfirmation(req)
	} else {
		req.Resolve(false, false)
	}
}
func (r *recordingSink) OnTurnCompleted(outcome TurnOutcome) {
	r.outcomes = append(r.outcomes, outcome)
}
func (r *recordingSink) OnWarning(warning string) { r.warnings = append(r.warnings, warning) }

// echoTool returns its "text" argument, or fails when "fail" is set.
type echoTool struct{}

func (echoTool) Name() string        { return "echo_tool" }
func (echoTool) Description() string { return "echoes its argument" }
func (echoTool) Schema() tools.Schema {
	return tools.Schema{Properties: map[string]tools.Property{"text": {Type: "string"}}}
}
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if fail, _ := args["fail"].(bool); fail {
		return "", fmt.Errorf("echo failed on purpose")
	}
	text, _ := args["text"].(string)
	return "echo: " + text, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Toolsets: []config.Toolset{{Name: "default", Tools: []string{"echo_tool", "run_command"}}},
		Turn:     config.TurnPolicy{MaxToolRounds: 4, StreamIdleSeconds: 30},
		Thinking: config.ThinkingPolicy{OpenMarker: "<think>", CloseMarker: "</think>"},
		Shell:    config.ShellPolicy{TimeoutSeconds: 10, HistorySize: 10},
	}
}

func newTestAgent(t *testing.T, cfg *config.Config, mock *llm.MockLLMClient) *Agent {
	t.Helper()
	gate := shell.NewGate(shell.Options{
		TimeoutSeconds: cfg.Shell.TimeoutSeconds,
		HistorySize:    cfg.Shell.HistorySize,
		Workdir:        t.TempDir(),
	})
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(echoTool{}))
	require.NoError(t, registry.Register(tools.NewRunCommandTool(gate)))

	sess := session.New("test", nil)
	a, err := New(cfg, sess, "", mock, registry, gate)
	require.NoError(t, err)
	return a
}

func TestRunTurnPlainResponse(t *testing.T) {
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{{Text: "Hello "}, {Text: "there."}, {Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}}},
	}}
	a := newTestAgent(t, testConfig(), mock)
	sink := &recordingSink{}

	outcome, err := a.RunTurn(context.Background(), "hi", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnDone, outcome.Reason)
	assert.Equal(t, "Hello there.", sink.content)

	history := a.Session.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "Hello there.", history[1].Content)
	assert.Equal(t, 15, a.Session.Stats.TotalTokensUsed)
	assert.Equal(t, uint64(1), a.Session.Version)
}

func TestRunTurnStripsThinking(t *testing.T) {
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{{Text: "<think>let me reason"}, {Text: " about it</think>The answer is 4."}},
	}}
	a := newTestAgent(t, testConfig(), mock)
	sink := &recordingSink{}

	_, err := a.RunTurn(context.Background(), "2+2?", sink)
	require.NoError(t, err)

	assert.Equal(t, "The answer is 4.", sink.content)
	assert.Equal(t, "let me reason about it", sink.thinkingDeltas)
	require.Len(t, sink.thinkingBlocks, 1)
	assert.Equal(t, "let me reason about it", sink.thinkingBlocks[0].Content)

	// Stored prose excludes the reasoning span; the span is archived.
	history := a.Session.History()
	assert.Equal(t, "The answer is 4.", history[1].Content)
	require.Len(t, a.Session.Thinking, 1)
	assert.Equal(t, "let me reason about it", a.Session.Thinking[0].Content)
}

func TestRunTurnThinkingReplayStoresRawText(t *testing.T) {
	cfg := testConfig()
	cfg.Thinking.Replay = true
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{{Text: "<think>hmm</think>ok"}},
	}}
	a := newTestAgent(t, cfg, mock)

	_, err := a.RunTurn(context.Background(), "q", &recordingSink{})
	require.NoError(t, err)

	history := a.Session.History()
	assert.Equal(t, "<think>hmm</think>ok", history[1].Content)
}

func TestRunTurnToolRound(t *testing.T) {
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{
			{Text: "Checking."},
			{ToolCall: &stream.ToolCall{ID: "c1", Name: "echo_tool", Args: map[string]interface{}{"text": "ping"}}},
		},
		{{Text: "It said ping."}},
	}}
	a := newTestAgent(t, testConfig(), mock)
	sink := &recordingSink{}

	outcome, err := a.RunTurn(context.Background(), "call the tool", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnDone, outcome.Reason)

	history := a.Session.History()
	require.Len(t, history, 4) // user, assistant+call, tool, assistant
	assert.Equal(t, "assistant", history[1].Role)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, session.CallSucceeded, history[1].ToolCalls[0].Status)
	assert.Equal(t, "tool", history[2].Role)
	assert.Equal(t, "echo: ping", history[2].Content)
	assert.Equal(t, "It said ping.", history[3].Content)

	// The second model call saw the tool result.
	require.Len(t, mock.Calls, 2)
	second := mock.Calls[1]
	assert.Equal(t, "tool", second[len(second)-1].Role)

	assert.Equal(t, 1, a.Session.Stats.SuccessfulToolCalls)
}

func TestRunTurnBatchResolvesInOrderAndSurvivesFailure(t *testing.T) {
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{
			{ToolCall: &stream.ToolCall{ID: "a", Name: "echo_tool", Args: map[string]interface{}{"text": "first"}}},
			{ToolCall: &stream.ToolCall{ID: "b", Name: "echo_tool", Args: map[string]interface{}{"fail": true}}},
			{ToolCall: &stream.ToolCall{ID: "c", Name: "echo_tool", Args: map[string]interface{}{"text": "third"}}},
		},
		{{Text: "done"}},
	}}
	a := newTestAgent(t, testConfig(), mock)
	sink := &recordingSink{}

	outcome, err := a.RunTurn(context.Background(), "batch", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnDone, outcome.Reason)

	require.Len(t, sink.resolved, 3)
	assert.Equal(t, "a", sink.resolved[0].ToolCallID)
	assert.Equal(t, "b", sink.resolved[1].ToolCallID)
	assert.Equal(t, "c", sink.resolved[2].ToolCallID)
	assert.Equal(t, session.CallSucceeded, sink.resolved[0].Status)
	assert.Equal(t, session.CallFailed, sink.resolved[1].Status)
	assert.Equal(t, session.CallSucceeded, sink.resolved[2].Status)

	// One tool message per call, in order, after the assistant message.
	history := a.Session.History()
	require.Len(t, history, 6) // user, assistant, 3 tool, assistant
	assert.Equal(t, "echo: first", history[2].Content)
	require.NotNil(t, history[3].ToolCalls[0].Result)
	assert.True(t, history[3].ToolCalls[0].Result.IsError)
	assert.Equal(t, "echo: third", history[4].Content)

	assert.Equal(t, 2, a.Session.Stats.SuccessfulToolCalls)
	assert.Equal(t, 1, a.Session.Stats.FailedToolCalls)
}

func TestRunTurnUnknownToolBecomesErrorResult(t *testing.T) {
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{{ToolCall: &stream.ToolCall{ID: "x", Name: "no_such_tool", Args: nil}}},
		{{Text: "recovered"}},
	}}
	a := newTestAgent(t, testConfig(), mock)
	sink := &recordingSink{}

	outcome, err := a.RunTurn(context.Background(), "go", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnDone, outcome.Reason)
	require.Len(t, sink.resolved, 1)
	assert.Equal(t, session.CallFailed, sink.resolved[0].Status)
}

func TestRunTurnBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Turn.MaxToolRounds = 2

	looping := []llm.Fragment{
		{ToolCall: &stream.ToolCall{Name: "echo_tool", Args: map[string]interface{}{"text": "again"}}},
	}
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{looping, looping, looping}}
	a := newTestAgent(t, cfg, mock)
	sink := &recordingSink{}

	outcome, err := a.RunTurn(context.Background(), "loop", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnBudgetExceeded, outcome.Reason)
	assert.Len(t, mock.Calls, 2)
}

func TestRunTurnShellConfirmationDenied(t *testing.T) {
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{{ToolCall: &stream.ToolCall{ID: "s1", Name: "run_command", Args: map[string]interface{}{"command": "rm -rf /tmp/x"}}}},
		{{Text: "understood"}},
	}}
	a := newTestAgent(t, testConfig(), mock)

	var prompted *shell.ConfirmationRequest
	sink := &recordingSink{resolveConfirmation: func(req *shell.ConfirmationRequest) {
		prompted = req
		req.Resolve(false, false)
	}}

	outcome, err := a.RunTurn(context.Background(), "delete it", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnDone, outcome.Reason)

	require.NotNil(t, prompted)
	assert.Equal(t, "rm -rf /tmp/x", prompted.Command)
	assert.NotEmpty(t, prompted.Reason)

	require.Len(t, sink.resolved, 1)
	assert.Equal(t, session.CallDenied, sink.resolved[0].Status)
	require.NotNil(t, sink.resolved[0].Result)
	assert.True(t, sink.resolved[0].Result.IsError)
	assert.Contains(t, sink.resolved[0].Result.Text(), "denied")
}

func TestRunTurnShellConfirmationAllowAlways(t *testing.T) {
	call := &stream.ToolCall{Name: "run_command", Args: map[string]interface{}{"command": "rm -rf scratch"}}
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{{ToolCall: call}},
		{{Text: "first done"}},
	}}
	a := newTestAgent(t, testConfig(), mock)

	prompts := 0
	sink := &recordingSink{resolveConfirmation: func(req *shell.ConfirmationRequest) {
		prompts++
		req.Resolve(true, true)
	}}

	_, err := a.RunTurn(context.Background(), "clean", sink)
	require.NoError(t, err)
	assert.Equal(t, 1, prompts)

	// The grant covers the same command on a later turn.
	mock.Scripts = [][]llm.Fragment{
		{{ToolCall: call}},
		{{Text: "second done"}},
	}
	_, err = a.RunTurn(context.Background(), "again", sink)
	require.NoError(t, err)
	assert.Equal(t, 1, prompts)
}

func TestRunTurnStreamErrorAbortsWithoutCommit(t *testing.T) {
	mock := &llm.MockLLMClient{Scripts: [][]llm.Fragment{
		{{Text: "partial"}, {Err: fmt.Errorf("connection reset")}},
	}}
	a := newTestAgent(t, testConfig(), mock)
	sink := &recordingSink{}

	outcome, err := a.RunTurn(context.Background(), "q", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnStreamFailed, outcome.Reason)
	require.Error(t, outcome.Err)

	// Only the user message was committed; the partial response was not.
	history := a.Session.History()
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0].Role)

	// The session stays active for a retry.
	assert.Equal(t, session.StatusActive, a.Session.Status)
	require.NoError(t, a.Session.BeginTurn())
	a.Session.EndTurn()
}

func TestRunTurnRefusedWhileTurnInFlight(t *testing.T) {
	a := newTestAgent(t, testConfig(), &llm.MockLLMClient{})
	require.NoError(t, a.Session.BeginTurn())
	defer a.Session.EndTurn()

	_, err := a.RunTurn(context.Background(), "hi", &recordingSink{})
	require.ErrorIs(t, err, session.ErrTurnInFlight)
}

func TestNewRejectsUnknownToolInToolset(t *testing.T) {
	cfg := testConfig()
	cfg.Toolsets = []config.Toolset{{Name: "default", Tools: []string{"missing_tool"}}}

	registry := tools.NewRegistry()
	gate := shell.NewGate(shell.Options{Workdir: t.TempDir()})
	_, err := New(cfg, session.New("t", nil), "", &llm.MockLLMClient{}, registry, gate)
	require.Error(t, err)
}

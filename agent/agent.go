// Package agent drives the conversation loop: it sends the session
// history to the model, parses the streamed response into events, routes
// prose and reasoning to the interaction surface, resolves tool calls
// through the registry (shell calls through the safety gate), and feeds
// the results back to the model until the turn completes.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/errors"
	"github.com/parley-dev/parley/llm"
	"github.com/parley-dev/parley/logging"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/shell"
	"github.com/parley-dev/parley/stream"
	"github.com/parley-dev/parley/tools"
	"go.uber.org/zap"
)

// TurnReason explains why a turn ended.
type TurnReason string

const (
	// TurnDone: the model finished with no further tool calls.
	TurnDone TurnReason = "done"
	// TurnBudgetExceeded: the tool-round guard tripped.
	TurnBudgetExceeded TurnReason = "budget-exceeded"
	// TurnStreamFailed: the adapter or network failed mid-turn.
	TurnStreamFailed TurnReason = "stream-error"
	// TurnInterrupted: the user cancelled the turn.
	TurnInterrupted TurnReason = "interrupted"
)

// TurnOutcome is the typed result of one turn. Err is set only for
// TurnStreamFailed.
type TurnOutcome struct {
	Reason TurnReason
	Err    error
}

// EventSink receives UI-facing events. Calls are fire-and-forget; the
// sink's return values are never consumed. OnConfirmationNeeded hands
// over a pending request the surface must resolve (the turn blocks on it).
type EventSink interface {
	OnContentDelta(delta string)
	OnThinkingStarted()
	OnThinkingDelta(delta string)
	OnThinkingEnded(block session.ThinkingBlock)
	OnToolCallStarted(call session.ToolCall)
	OnToolCallResolved(call session.ToolCall)
	OnConfirmationNeeded(req *shell.ConfirmationRequest)
	OnTurnCompleted(outcome TurnOutcome)
	OnWarning(warning string)
}

// Agent orchestrates turns for one session. Registries and gates are
// constructed by the caller and passed in, so independent agents can run
// concurrently in one process.
type Agent struct {
	Config      *config.Config
	Session     *session.Session
	LLMClient   llm.LLMClient
	Registry    *tools.Registry
	Gate        *shell.Gate
	ActiveTools []tools.Descriptor

	logger *zap.Logger
}

// New creates an agent bound to a session. The toolset names which of the
// registry's tools the model may see.
func New(cfg *config.Config, sess *session.Session, toolset string, client llm.LLMClient, registry *tools.Registry, gate *shell.Gate) (*Agent, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}
	active, err := registry.ActiveTools(ts)
	if err != nil {
		return nil, err
	}
	descriptors := make([]tools.Descriptor, 0, len(active))
	for _, t := range active {
		descriptors = append(descriptors, tools.Descriptor{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	sess.Toolset = ts.Name

	return &Agent{
		Config:      cfg,
		Session:     sess,
		LLMClient:   client,
		Registry:    registry,
		Gate:        gate,
		ActiveTools: descriptors,
		logger:      logging.Named("agent"),
	}, nil
}

// RunTurn processes one user input to completion. It refuses to start
// while another turn is in flight for the session.
//
// Interrupt policy: when the context is cancelled mid-turn, the partial
// assistant text the user has already seen is committed as-is and the
// turn ends with TurnInterrupted; a pending shell confirmation resolves
// as an implicit denial. A stream failure, by contrast, aborts the turn
// without committing partial text, so the user can simply retry.
func (a *Agent) RunTurn(ctx context.Context, userInput string, sink EventSink) (TurnOutcome, error) {
	if err := a.Session.BeginTurn(); err != nil {
		return TurnOutcome{}, err
	}
	defer a.Session.EndTurn()

	if err := a.Session.AddMessage(session.Message{Role: "user", Content: userInput}); err != nil {
		return TurnOutcome{}, err
	}

	outcome := TurnOutcome{Reason: TurnBudgetExceeded}
	for round := 0; round < a.Config.Turn.MaxToolRounds; round++ {
		res, err := a.modelRound(ctx, sink)
		if err != nil {
			// Stream failure: the turn aborts but the session stays
			// active and retryable.
			outcome = TurnOutcome{Reason: TurnStreamFailed, Err: err}
			if ctx.Err() != nil {
				outcome = TurnOutcome{Reason: TurnInterrupted}
				a.commitPartial(res)
			}
			sink.OnTurnCompleted(outcome)
			return outcome, nil
		}

		if err := a.commitRound(ctx, res, sink); err != nil {
			return TurnOutcome{}, err
		}

		if len(res.toolCalls) == 0 {
			outcome = TurnOutcome{Reason: TurnDone}
			break
		}
		if ctx.Err() != nil {
			outcome = TurnOutcome{Reason: TurnInterrupted}
			break
		}
	}

	if outcome.Reason == TurnBudgetExceeded {
		a.logger.Warn("turn budget exhausted",
			zap.String("session", a.Session.ID),
			zap.Int("max_tool_rounds", a.Config.Turn.MaxToolRounds))
	}
	sink.OnTurnCompleted(outcome)
	return outcome, nil
}

// roundResult carries what one model response produced.
type roundResult struct {
	content   string // prose with reasoning spans stripped
	raw       string // verbatim text including markers
	toolCalls []session.ToolCall
	usage     int
}

// modelRound streams one model response through the event parser. The
// returned error indicates a stream failure; tool handling happens later
// so that all of a response's calls resolve in emitted order.
func (a *Agent) modelRound(ctx context.Context, sink EventSink) (*roundResult, error) {
	frags, err := a.LLMClient.ChatStream(ctx, a.eligibleHistory(), a.ActiveTools)
	if err != nil {
		return &roundResult{}, errors.Wrapf(err, "model request failed")
	}
	idle := time.Duration(a.Config.Turn.StreamIdleSeconds) * time.Second
	frags = llm.WithIdleTimeout(frags, idle)

	res := &roundResult{}
	var content strings.Builder
	var streamErr error

	parser := stream.NewParser(a.Config.Thinking.OpenMarker, a.Config.Thinking.CloseMarker, func(ev stream.Event) {
		switch ev.Kind {
		case stream.KindContent:
			content.WriteString(ev.Text)
			sink.OnContentDelta(ev.Text)
		case stream.KindThinkingStart:
			sink.OnThinkingStarted()
		case stream.KindThinkingDelta:
			sink.OnThinkingDelta(ev.Text)
		case stream.KindThinkingEnd:
			block := session.ThinkingBlock{Content: ev.Full, Collapsed: true}
			a.Session.AppendThinking(block)
			sink.OnThinkingEnded(block)
		case stream.KindToolCall:
			id := ev.ToolCall.ID
			if id == "" {
				id = uuid.NewString()
			}
			res.toolCalls = append(res.toolCalls, session.ToolCall{
				ToolCallID: id,
				Name:       ev.ToolCall.Name,
				Args:       ev.ToolCall.Args,
				Status:     session.CallPending,
			})
		case stream.KindError:
			streamErr = ev.Err
		}
	})

	for frag := range frags {
		switch {
		case frag.Err != nil:
			parser.Fail(frag.Err)
		case frag.ToolCall != nil:
			parser.EmitToolCall(*frag.ToolCall)
		case frag.Usage != nil:
			res.usage = frag.Usage.InputTokens + frag.Usage.OutputTokens
		case frag.Text != "":
			res.raw += frag.Text
			parser.Process(frag.Text)
		}
	}
	parser.Finalize()

	res.content = content.String()
	if streamErr != nil {
		return res, streamErr
	}
	return res, nil
}

// commitRound resolves the round's tool calls in emitted order, appends
// the assistant message and one tool message per result, and checkpoints.
// A failed call never cancels the rest of the batch.
func (a *Agent) commitRound(ctx context.Context, res *roundResult, sink EventSink) error {
	var toolMessages []session.Message
	for i := range res.toolCalls {
		call := &res.toolCalls[i]
		sink.OnToolCallStarted(*call)

		result := a.resolveToolCall(ctx, call, sink)
		call.Result = &result
		a.Session.NoteToolCall(!result.IsError)
		sink.OnToolCallResolved(*call)

		toolMessages = append(toolMessages, session.Message{
			Role:      "tool",
			Content:   result.Text(),
			ToolCalls: []session.ToolCall{*call},
		})
	}

	assistant := session.Message{
		Role:      "assistant",
		Content:   a.assistantContent(res),
		ToolCalls: res.toolCalls,
	}
	if err := a.Session.AddMessage(assistant); err != nil {
		return err
	}
	for _, msg := range toolMessages {
		if err := a.Session.AddMessage(msg); err != nil {
			return err
		}
	}
	a.Session.AddTokens(res.usage)
	return a.Session.Checkpoint()
}

// resolveToolCall runs one call through the gate (for shell tools) and
// the registry dispatcher. The returned result is always usable; denial,
// timeout and failure all fold into it.
func (a *Agent) resolveToolCall(ctx context.Context, call *session.ToolCall, sink EventSink) session.ToolResult {
	tool, ok := a.Registry.Lookup(call.Name)
	if ok {
		if shellTool, isShell := tool.(tools.ShellTool); isShell {
			command, err := shellTool.CommandFromArgs(call.Args)
			if err != nil {
				call.Transition(session.CallFailed)
				return errorToolResult("invalid shell tool call: %v", err)
			}

			decision, reason := a.Gate.Classify(command)
			if decision == shell.DecisionNeedsConfirmation {
				req, reqErr := a.Gate.RequestConfirmation(command, reason)
				if reqErr != nil {
					sink.OnWarning(fmt.Sprintf("cannot confirm %q: %v", command, reqErr))
					call.Transition(session.CallFailed)
					return errorToolResult("cannot request confirmation: %v", reqErr)
				}
				sink.OnConfirmationNeeded(req)
				resolution := req.Wait(ctx)
				if !resolution.Allow {
					call.Transition(session.CallDenied)
					a.logger.Info("shell command denied",
						zap.String("session", a.Session.ID), zap.String("command", command))
					return errorToolResult("command %q was denied by the user", command)
				}
				call.Transition(session.CallConfirmed)
			}
		}
	}

	call.Transition(session.CallExecuting)
	result := a.Registry.Dispatch(ctx, call.Name, call.Args)
	if result.IsError {
		call.Transition(session.CallFailed)
	} else {
		call.Transition(session.CallSucceeded)
	}
	return result
}

func errorToolResult(format string, args ...interface{}) session.ToolResult {
	return session.ToolResult{
		IsError: true,
		Content: []session.ContentPart{session.TextPart(errors.New(format, args...).Error())},
	}
}

// assistantContent picks what the assistant message stores: the stripped
// prose normally, or the verbatim text (markers included) when the
// profile replays reasoning to the model.
func (a *Agent) assistantContent(res *roundResult) string {
	if a.Config.Thinking.Replay {
		return res.raw
	}
	return res.content
}

// commitPartial appends whatever prose an interrupted round produced, so
// the transcript matches what the user saw.
func (a *Agent) commitPartial(res *roundResult) {
	if res == nil || res.content == "" {
		return
	}
	if err := a.Session.AddMessage(session.Message{Role: "assistant", Content: res.content}); err != nil {
		a.logger.Warn("failed to commit interrupted assistant message", zap.Error(err))
		return
	}
	if err := a.Session.Checkpoint(); err != nil {
		a.logger.Warn("failed to checkpoint after interrupt", zap.Error(err))
	}
}

// eligibleHistory is the message sequence replayed to the model.
// Reasoning spans never appear here unless the profile stores them
// inline via the replay policy.
func (a *Agent) eligibleHistory() []session.Message {
	return a.Session.History()
}

// Package llm adapts provider SDKs to a single streaming interface. Each
// adapter converts the session history and tool descriptors to its wire
// format and emits the response as an ordered sequence of fragments.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/stream"
	"github.com/parley-dev/parley/tools"
)

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Fragment is one unit of a model response stream. Exactly one field is
// meaningful: raw text, a disambiguated tool-call payload, usage totals,
// or a terminal error. The channel closes when the response ends.
type Fragment struct {
	Text     string
	ToolCall *stream.ToolCall
	Usage    *Usage
	Err      error
}

// LLMClient is the interface for interacting with a Large Language Model.
type LLMClient interface {
	ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Descriptor) (<-chan Fragment, error)
}

// WithIdleTimeout wraps a fragment stream so that a stall with no new
// fragments for d fails the stream, even while the provider keeps the
// connection open. This is distinct from any total-duration limit carried
// by the context.
func WithIdleTimeout(in <-chan Fragment, d time.Duration) <-chan Fragment {
	out := make(chan Fragment)
	go func() {
		defer close(out)
		timer := time.NewTimer(d)
		defer timer.Stop()
		for {
			select {
			case frag, ok := <-in:
				if !ok {
					return
				}
				out <- frag
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(d)
			case <-timer.C:
				out <- Fragment{Err: fmt.Errorf("model stream idle for %s", d)}
				return
			}
		}
	}()
	return out
}

// MockLLMClient is a scriptable client for tests and offline use. Each
// call pops the next fragment script; when the scripts run out it parrots
// the last user message.
type MockLLMClient struct {
	mu      sync.Mutex
	Scripts [][]Fragment
	// Calls records the message history of every ChatStream invocation.
	Calls [][]session.Message
}

func (m *MockLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Descriptor) (<-chan Fragment, error) {
	m.mu.Lock()
	recorded := make([]session.Message, len(messages))
	copy(recorded, messages)
	m.Calls = append(m.Calls, recorded)

	var script []Fragment
	if len(m.Scripts) > 0 {
		script = m.Scripts[0]
		m.Scripts = m.Scripts[1:]
	} else {
		last := ""
		if len(messages) > 0 {
			last = messages[len(messages)-1].Content
		}
		script = []Fragment{{Text: fmt.Sprintf("I am a mock model. You said: %q.", last)}}
	}
	m.mu.Unlock()

	ch := make(chan Fragment)
	go func() {
		defer close(ch)
		for _, frag := range script {
			select {
			case ch <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

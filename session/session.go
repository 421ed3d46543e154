// Package session owns the conversation history and its lifecycle: an
// append-only message sequence, explicit status transitions, versioned and
// checksummed checkpoints, and prefix branching.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parley-dev/parley/errors"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
	StatusError     Status = "error"
)

// Sentinel errors for session misuse and corruption.
var (
	ErrNotActive     = fmt.Errorf("session is not active")
	ErrIntegrity     = fmt.Errorf("session checksum mismatch")
	ErrTurnInFlight  = fmt.Errorf("a turn is already in flight for this session")
	ErrBadTransition = fmt.Errorf("invalid session status transition")
	ErrBranchPoint   = fmt.Errorf("branch point is beyond the message count")
)

// CallStatus tracks a tool call through its life. Transitions are
// monotonic; denied, failed and succeeded are terminal.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallConfirmed CallStatus = "confirmed"
	CallDenied    CallStatus = "denied"
	CallExecuting CallStatus = "executing"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
)

var callNext = map[CallStatus][]CallStatus{
	CallPending:   {CallConfirmed, CallDenied, CallExecuting, CallFailed},
	CallConfirmed: {CallExecuting},
	CallExecuting: {CallSucceeded, CallFailed},
}

// ContentPart is one piece of a tool result.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextPart builds a plain-text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ToolResult is the structured outcome of a tool call. A result with
// IsError set is still a normal conversational outcome.
type ToolResult struct {
	IsError bool                   `json:"is_error"`
	Content []ContentPart          `json:"content"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// Text concatenates the textual parts of the result.
func (r *ToolResult) Text() string {
	var out string
	for _, p := range r.Content {
		out += p.Text
	}
	return out
}

// ToolCall is a model-emitted intent to invoke a tool, plus its resolution.
type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args"`
	Status     CallStatus             `json:"status"`
	Result     *ToolResult            `json:"result,omitempty"`
}

// Transition advances the call status. Regressions and transitions out of
// a terminal status are rejected.
func (tc *ToolCall) Transition(to CallStatus) error {
	for _, allowed := range callNext[tc.Status] {
		if allowed == to {
			tc.Status = to
			return nil
		}
	}
	return errors.New("tool call %s: cannot move from %s to %s", tc.ToolCallID, tc.Status, to)
}

// Message is one entry of the conversation. Immutable once appended;
// a correction is a new message.
type Message struct {
	ID        string     `json:"id,omitempty"`
	Role      string     `json:"role"` // "user", "assistant", "system", "tool"
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ThinkingBlock is a span of model-internal reasoning. It is archived for
// inspection but is not part of the history replayed to the model unless
// the profile opts in.
type ThinkingBlock struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Collapsed bool      `json:"collapsed"`
}

// Branch records a child session split off this one.
type Branch struct {
	ID              string    `json:"id"` // child session id
	ParentSessionID string    `json:"parent_session_id"`
	BranchPoint     int       `json:"branch_point"` // message index in the parent
	CreatedAt       time.Time `json:"created_at"`
}

// Stats accumulates per-session counters.
type Stats struct {
	MessageCount        int `json:"message_count"`
	ToolCallCount       int `json:"tool_call_count"`
	SuccessfulToolCalls int `json:"successful_tool_calls"`
	FailedToolCalls     int `json:"failed_tool_calls"`
	TotalTokensUsed     int `json:"total_tokens_used"`
}

// Session is the canonical conversation state. All mutation goes through
// methods; the orchestrator is the only writer during a turn.
type Session struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Status   Status          `json:"status"`
	Priority int             `json:"priority"`
	Toolset  string          `json:"toolset,omitempty"`
	ParentID string          `json:"parent_id,omitempty"`
	BranchAt int             `json:"branch_at,omitempty"`
	Messages []Message       `json:"messages"`
	Thinking []ThinkingBlock `json:"thinking,omitempty"`
	Branches []Branch        `json:"branches,omitempty"`
	Stats    Stats           `json:"stats"`
	Version  uint64          `json:"version"`
	Checksum string          `json:"checksum"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	mu           sync.Mutex
	turnInFlight bool
	store        Store
}

// New creates a new active session backed by the given store.
func New(name string, store Store) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusActive,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		store:     store,
	}
}

// SetStore attaches a store to a session, e.g. after loading.
func (s *Session) SetStore(store Store) { s.store = store }

// AddMessage appends a message to the history. Only active sessions accept
// messages. The message id and timestamp are filled in when absent.
func (s *Session) AddMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusActive {
		return errors.Wrapf(ErrNotActive, "cannot append %s message in status %s", msg.Role, s.Status)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	s.Stats.MessageCount = len(s.Messages)
	s.UpdatedAt = msg.Timestamp
	return nil
}

// History returns a copy of the message sequence.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// AppendThinking archives a reasoning block.
func (s *Session) AppendThinking(tb ThinkingBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tb.ID == "" {
		tb.ID = uuid.NewString()
	}
	if tb.CreatedAt.IsZero() {
		tb.CreatedAt = time.Now().UTC()
	}
	s.Thinking = append(s.Thinking, tb)
}

// NoteToolCall updates the tool-call counters.
func (s *Session) NoteToolCall(succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.ToolCallCount++
	if succeeded {
		s.Stats.SuccessfulToolCalls++
	} else {
		s.Stats.FailedToolCalls++
	}
}

// AddTokens adds to the session's token total.
func (s *Session) AddTokens(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.TotalTokensUsed += n
}

var statusNext = map[Status][]Status{
	StatusActive: {StatusPaused, StatusCompleted, StatusArchived, StatusError},
	StatusPaused: {StatusActive, StatusArchived, StatusError},
}

func (s *Session) transition(to Status) error {
	for _, allowed := range statusNext[s.Status] {
		if allowed == to {
			s.Status = to
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.Wrapf(ErrBadTransition, "%s -> %s", s.Status, to)
}

// Pause suspends an active session. Paused sessions can resume.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StatusPaused); err != nil {
		return err
	}
	return s.checkpointLocked()
}

// Resume reactivates a paused session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusPaused {
		return errors.Wrapf(ErrBadTransition, "%s -> %s", s.Status, StatusActive)
	}
	s.Status = StatusActive
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete marks the session finished. Terminal.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StatusCompleted); err != nil {
		return err
	}
	return s.checkpointLocked()
}

// Archive retires the session. Terminal.
func (s *Session) Archive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StatusArchived); err != nil {
		return err
	}
	return s.checkpointLocked()
}

// Fail moves the session to the error state from anywhere. Terminal.
func (s *Session) Fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusError {
		return nil
	}
	s.Status = StatusError
	s.UpdatedAt = time.Now().UTC()
	return s.checkpointLocked()
}

// BeginTurn takes the per-session turn lock. A second concurrent turn on
// the same session is refused.
func (s *Session) BeginTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusActive {
		return errors.Wrapf(ErrNotActive, "cannot start a turn in status %s", s.Status)
	}
	if s.turnInFlight {
		return ErrTurnInFlight
	}
	s.turnInFlight = true
	return nil
}

// EndTurn releases the turn lock.
func (s *Session) EndTurn() {
	s.mu.Lock()
	s.turnInFlight = false
	s.mu.Unlock()
}

// Branch creates a new session whose history is a copy of this session's
// first `at` messages. The parent's message sequence is untouched; only its
// branch list grows. Branching requires an active or paused parent.
func (s *Session) Branch(name string, at int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusActive && s.Status != StatusPaused {
		return nil, errors.Wrapf(ErrBadTransition, "cannot branch a %s session", s.Status)
	}
	if at < 0 || at > len(s.Messages) {
		return nil, errors.Wrapf(ErrBranchPoint, "index %d, %d messages", at, len(s.Messages))
	}

	child := New(name, s.store)
	child.Toolset = s.Toolset
	child.ParentID = s.ID
	child.BranchAt = at
	child.Messages = make([]Message, at)
	for i := 0; i < at; i++ {
		child.Messages[i] = cloneMessage(s.Messages[i])
	}
	child.Stats.MessageCount = at

	s.Branches = append(s.Branches, Branch{
		ID:              child.ID,
		ParentSessionID: s.ID,
		BranchPoint:     at,
		CreatedAt:       child.CreatedAt,
	})
	if err := s.checkpointLocked(); err != nil {
		return nil, err
	}
	if err := child.Checkpoint(); err != nil {
		return nil, err
	}
	return child, nil
}

func cloneMessage(m Message) Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// Checkpoint bumps the version, recomputes the checksum and saves the
// session through its store.
func (s *Session) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *Session) checkpointLocked() error {
	s.Version++
	s.Checksum = s.computeChecksum()
	s.UpdatedAt = time.Now().UTC()
	if s.store == nil {
		return nil
	}
	return s.store.Save(s)
}

// checksumState is the portion of the session covered by the integrity
// checksum. Version and Checksum themselves are excluded so the checksum
// can be recomputed and compared on load.
type checksumState struct {
	ID       string    `json:"id"`
	Status   Status    `json:"status"`
	Priority int       `json:"priority"`
	ParentID string    `json:"parent_id"`
	BranchAt int       `json:"branch_at"`
	Messages []Message `json:"messages"`
	Branches []Branch  `json:"branches"`
	Stats    Stats     `json:"stats"`
}

func (s *Session) computeChecksum() string {
	data, err := json.Marshal(checksumState{
		ID:       s.ID,
		Status:   s.Status,
		Priority: s.Priority,
		ParentID: s.ParentID,
		BranchAt: s.BranchAt,
		Messages: s.Messages,
		Branches: s.Branches,
		Stats:    s.Stats,
	})
	if err != nil {
		// Marshalling the session's own types cannot fail at runtime.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity recomputes the checksum and compares it to the stored
// one. Sessions that never checkpointed carry no checksum and pass.
func (s *Session) VerifyIntegrity() error {
	if s.Checksum == "" && s.Version == 0 {
		return nil
	}
	if s.computeChecksum() != s.Checksum {
		return errors.Wrapf(ErrIntegrity, "session %s", s.ID)
	}
	return nil
}

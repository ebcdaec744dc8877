// Package cognitive wraps the LLM providers behind one Backend contract
// and an Adapter that adds tool execution, hooks, and trace building on
// top of it. Everything above this package talks in goals and traces;
// everything below it talks in provider wire formats.
package cognitive

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrBackend marks transport or provider failures. Callers persist a
	// learning trace with a reduced success rating when they see it.
	ErrBackend = errors.New("ADAPTER_ERROR")
	// ErrHookVeto marks a tool call rejected by a hook. The veto reason
	// is fed back to the model as a tool error, not raised to the user.
	ErrHookVeto = errors.New("HOOK_VETO")
)

// MessageKind discriminates stream messages.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindToolUse MessageKind = "tool_use"
	KindResult  MessageKind = "result"
)

// Message is one event on a backend stream. Text messages carry
// assistant output, tool_use messages announce a tool invocation, and
// the terminal result message carries the authoritative total cost.
type Message struct {
	Kind MessageKind

	Text string

	ToolName  string
	ToolInput string

	// CostUSD is a per-message increment when the provider reports one.
	CostUSD float64
	// TotalCostUSD is set on the terminal result message only.
	TotalCostUSD float64
}

// ToolDef describes a tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema holds the JSON schema fragment (properties, required).
	InputSchema map[string]interface{}
}

// ToolHandler resolves one tool call requested by the model. The result
// is fed back as the tool output; a non-nil error is fed back as an
// error result the model can react to.
type ToolHandler func(ctx context.Context, name, input string) (string, error)

// QueryOptions parameterize a single backend query.
type QueryOptions struct {
	SystemPrompt string
	MaxTokens    int

	// Tools advertised to the model. Empty means plain completion.
	Tools []ToolDef
	// OnTool handles requested tool calls. Required when Tools is set.
	OnTool ToolHandler
}

// Backend is an opaque LLM client. Query starts a call and returns a
// stream of messages ending with a terminal result.
type Backend interface {
	Query(ctx context.Context, prompt string, opts QueryOptions) (*Stream, error)
	Name() string
}

// Stream delivers backend messages in order. Recv returns io.EOF after
// the terminal result, or the backend error that ended the stream.
type Stream struct {
	msgs   chan Message
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{msgs: make(chan Message, 32), cancel: cancel}
}

// Recv blocks for the next message.
func (s *Stream) Recv() (Message, error) {
	msg, ok := <-s.msgs
	if !ok {
		if err := s.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	return msg, nil
}

// Close cancels the producing call. Safe to call more than once.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// emit pushes a message, giving up when the consumer is gone.
func (s *Stream) emit(ctx context.Context, msg Message) error {
	select {
	case s.msgs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail records the terminal error. First error wins.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// finish closes the message channel. The producer calls it exactly once.
func (s *Stream) finish() {
	close(s.msgs)
}

// Package harness models the wire protocol spoken over the WebSocket
// between the gateway and the agent harness running inside a container:
// line-delimited JSON frames in each direction.
package harness

import (
	"encoding/json"
	"time"
)

// Kind enumerates the tagged-union discriminants of a harness event.
type Kind string

const (
	KindSystem      Kind = "system"
	KindContent     Kind = "content"
	KindThinking    Kind = "thinking"
	KindToolStart   Kind = "tool_start"
	KindToolComplete Kind = "tool_complete"
	KindTodoUpdate  Kind = "todo_update"
	KindMetadata    Kind = "metadata"
)

// SystemPhase is the sub-discriminant carried by a KindSystem event.
type SystemPhase string

const (
	SystemInit     SystemPhase = "init"
	SystemReady    SystemPhase = "ready"
	SystemShutdown SystemPhase = "shutdown"
)

// Usage mirrors the harness's token accounting for a completed turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// TodoItem is one entry in a todo_update event.
type TodoItem struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Done    bool   `json:"done"`
	Active  bool   `json:"active,omitempty"`
}

// Event is the structured record the harness publishes on the WebSocket.
// Only the fields relevant to Kind are populated; the rest are zero.
// Unknown kinds are preserved in Raw so they can be forwarded verbatim to
// subscribers even though the Translator's text path ignores them.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// system
	Phase SystemPhase `json:"phase,omitempty"`

	// content / thinking
	Text string `json:"text,omitempty"`

	// tool_start / tool_complete — ToolUseID is kept distinct from
	// ToolName; the two are never conflated into a single field.
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	ToolIsError bool          `json:"tool_is_error,omitempty"`

	// todo_update
	Todos []TodoItem `json:"todos,omitempty"`

	// metadata
	FinalContent string `json:"final_content,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	ErrorNote    string  `json:"error,omitempty"`

	// Raw holds the original frame bytes. DecodeEvent sets it for every
	// event, so kinds this type does not model explicitly can still be
	// forwarded to subscribers.
	Raw json.RawMessage `json:"-"`
}

// DecodeEvent parses a single harness->gateway frame. Unrecognized kinds
// decode successfully with Raw set to the original bytes.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return &ev, nil
}

// IsTerminal reports whether this event ends the current turn.
func (e *Event) IsTerminal() bool {
	return e.Kind == KindMetadata || (e.Kind == KindSystem && e.Phase == SystemShutdown)
}

// ClientFrameKind enumerates gateway->harness frame kinds.
type ClientFrameKind string

const (
	ClientUserMessage ClientFrameKind = "user_message"
	ClientInterrupt   ClientFrameKind = "interrupt"
	ClientShutdown    ClientFrameKind = "shutdown"
)

// ClientFrame is a gateway->harness frame.
type ClientFrame struct {
	Kind    ClientFrameKind `json:"kind"`
	Content string          `json:"content,omitempty"`
}

// EncodeUserMessage builds a user_message frame.
func EncodeUserMessage(content string) ([]byte, error) {
	return json.Marshal(ClientFrame{Kind: ClientUserMessage, Content: content})
}

// EncodeInterrupt builds an interrupt frame.
func EncodeInterrupt() ([]byte, error) {
	return json.Marshal(ClientFrame{Kind: ClientInterrupt})
}

// EncodeShutdown builds a shutdown frame.
func EncodeShutdown() ([]byte, error) {
	return json.Marshal(ClientFrame{Kind: ClientShutdown})
}

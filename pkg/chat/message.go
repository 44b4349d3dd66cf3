package chat

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is a fully assembled request emitted by the model. The
// runtime never sees partial argument fragments; adapters assemble those
// before emitting.
type ToolCallRequest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ArgumentsJSON renders the arguments as a JSON document. Used when handing
// calls back to provider wire formats that carry raw JSON strings.
func (r ToolCallRequest) ArgumentsJSON() string {
	if r.Arguments == nil {
		return "{}"
	}
	data, err := json.Marshal(r.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ToolResult is the outcome of executing a tool call. A failed result is a
// recoverable conversational fact, not a runtime error; it feeds back into
// the transcript so the model can react.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// TokenUsage is the provider-reported token accounting for one request.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage across rounds.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Message is one transcript entry. Messages are value types and are treated
// as immutable once appended to a Context.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	Result    *ToolResult       `json:"result,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SystemMessage builds a system transcript entry.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// UserMessage builds a user transcript entry.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// AssistantMessage builds an assistant entry carrying the round's text and
// any tool calls the model requested.
func AssistantMessage(content string, calls []ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

// ToolMessage builds the transcript entry for one tool result.
func ToolMessage(result ToolResult) Message {
	return Message{Role: RoleTool, Content: result.Content, Result: &result, Timestamp: time.Now().UTC()}
}

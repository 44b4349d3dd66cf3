package chat

// ActionKind discriminates the Action union.
type ActionKind string

const (
	// ActionTextDelta carries an incremental chunk of assistant text.
	ActionTextDelta ActionKind = "text_delta"
	// ActionToolCallStarted announces a fully assembled tool call about to run.
	ActionToolCallStarted ActionKind = "tool_call_started"
	// ActionToolCallCompleted carries the result of a finished tool call.
	ActionToolCallCompleted ActionKind = "tool_call_completed"
	// ActionRoundCompleted marks the commit point of one round.
	ActionRoundCompleted ActionKind = "round_completed"
	// ActionFinished is the successful terminal action.
	ActionFinished ActionKind = "finished"
	// ActionFailed is the unsuccessful terminal action. Err is always set.
	ActionFailed ActionKind = "failed"
)

// Action is one event on a run's live stream. Exactly one terminal action
// (Finished or Failed) closes every stream.
type Action struct {
	Kind       ActionKind       `json:"kind"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallRequest `json:"tool_call,omitempty"`
	ToolResult *ToolResult      `json:"tool_result,omitempty"`
	Round      int              `json:"round,omitempty"`
	Usage      *TokenUsage      `json:"usage,omitempty"`
	Err        *Error           `json:"error,omitempty"`
}

// Terminal reports whether the action closes the stream.
func (a Action) Terminal() bool {
	return a.Kind == ActionFinished || a.Kind == ActionFailed
}

func TextDelta(text string) Action {
	return Action{Kind: ActionTextDelta, Text: text}
}

func ToolCallStarted(call ToolCallRequest) Action {
	return Action{Kind: ActionToolCallStarted, ToolCall: &call}
}

func ToolCallCompleted(call ToolCallRequest, result ToolResult) Action {
	return Action{Kind: ActionToolCallCompleted, ToolCall: &call, ToolResult: &result}
}

func RoundCompleted(round int) Action {
	return Action{Kind: ActionRoundCompleted, Round: round}
}

func Finished(rounds int, usage TokenUsage) Action {
	return Action{Kind: ActionFinished, Round: rounds, Usage: &usage}
}

func Failed(err error) Action {
	return Action{Kind: ActionFailed, Err: AsError(err)}
}

package chat

// ToolChoiceMode controls how the model may use tools within a round.
type ToolChoiceMode string

const (
	// ToolChoiceAuto lets the model decide whether to call tools.
	ToolChoiceAuto ToolChoiceMode = "auto"
	// ToolChoiceNone forbids tool calls for the round.
	ToolChoiceNone ToolChoiceMode = "none"
	// ToolChoiceRequired forces at least one tool call in the first round.
	ToolChoiceRequired ToolChoiceMode = "required"
	// ToolChoiceCall forces a call to one named tool in the first round.
	ToolChoiceCall ToolChoiceMode = "call"
)

// ToolChoice selects a tool-use policy. Name is only meaningful for the
// ToolChoiceCall mode.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

func AutoToolChoice() ToolChoice     { return ToolChoice{Mode: ToolChoiceAuto} }
func NoToolChoice() ToolChoice       { return ToolChoice{Mode: ToolChoiceNone} }
func RequiredToolChoice() ToolChoice { return ToolChoice{Mode: ToolChoiceRequired} }
func CallToolChoice(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceCall, Name: name}
}

// GenParams are the generation parameters forwarded to the provider.
type GenParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

const (
	DefaultMaxRounds  = 10
	DefaultMaxRetries = 2
)

// Command describes one unit of work for the runtime: a prompt, the tool-use
// policy, generation parameters, and budgets.
type Command struct {
	SessionKey string     `json:"session_key"`
	Prompt     string     `json:"prompt"`
	System     string     `json:"system,omitempty"`
	Seed       []Message  `json:"seed,omitempty"`
	ToolChoice ToolChoice `json:"tool_choice"`
	Params     GenParams  `json:"params"`
	Tools      []string   `json:"tools,omitempty"`
	MaxRounds  int        `json:"max_rounds,omitempty"`
	MaxRetries int        `json:"max_retries,omitempty"`
}

// Validate checks structural requirements and fills zero budgets with
// defaults. Registry-dependent checks, such as resolving a ToolChoiceCall
// name, belong to the runtime.
func (c *Command) Validate() error {
	if c.SessionKey == "" {
		return NewError(Serialization, "command requires a session key")
	}
	if c.Prompt == "" && len(c.Seed) == 0 {
		return NewError(Serialization, "command requires a prompt or seed messages")
	}
	if c.Params.Model == "" {
		return NewError(Serialization, "command requires a model")
	}
	switch c.ToolChoice.Mode {
	case "", ToolChoiceAuto:
		c.ToolChoice.Mode = ToolChoiceAuto
	case ToolChoiceNone, ToolChoiceRequired:
	case ToolChoiceCall:
		if c.ToolChoice.Name == "" {
			return NewError(Serialization, "tool choice call requires a tool name")
		}
	default:
		return NewError(Serialization, "unknown tool choice mode %q", c.ToolChoice.Mode)
	}
	if c.MaxRounds < 0 || c.MaxRetries < 0 {
		return NewError(Serialization, "budgets must be non-negative: max_rounds=%d max_retries=%d",
			c.MaxRounds, c.MaxRetries)
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return nil
}

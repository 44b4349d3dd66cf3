package chat

// Context is the ordered, append-only transcript of one conversation. It is
// owned by the runtime and not synchronized; the session lane guarantees a
// single writer at a time.
type Context struct {
	sessionKey string
	messages   []Message
}

// NewContext creates an empty transcript for a session.
func NewContext(sessionKey string) *Context {
	return &Context{sessionKey: sessionKey}
}

// SeededContext creates a transcript preloaded with prior messages, for
// resuming a persisted session.
func SeededContext(sessionKey string, seed []Message) *Context {
	c := NewContext(sessionKey)
	c.messages = append(c.messages, seed...)
	return c
}

// SessionKey returns the session this transcript belongs to.
func (c *Context) SessionKey() string {
	return c.sessionKey
}

// Append commits messages to the transcript. Appends are atomic per round:
// the runtime stages a round's messages and appends them in one call.
func (c *Context) Append(msgs ...Message) {
	c.messages = append(c.messages, msgs...)
}

// Snapshot returns a copy of the transcript. Adapters receive snapshots, so
// later appends never mutate an in-flight request.
func (c *Context) Snapshot() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the number of committed messages.
func (c *Context) Len() int {
	return len(c.messages)
}

// Fork clones the transcript under a new session key.
func (c *Context) Fork(sessionKey string) *Context {
	return SeededContext(sessionKey, c.Snapshot())
}

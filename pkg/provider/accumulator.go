package provider

import (
	"encoding/json"
	"sort"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/droverhq/drover/pkg/chat"
)

// accumulator assembles streamed tool-call fragments into complete requests.
// Backends interleave argument fragments across events, keyed by a block or
// choice index; nothing is emitted downstream until a call is complete.
// Inconsistent fragments are protocol violations.
type accumulator struct {
	parts   map[int64]*callPart
	seenIDs map[string]bool
}

type callPart struct {
	id   string
	name string
	args strings.Builder
	done bool
}

func newAccumulator() *accumulator {
	return &accumulator{
		parts:   make(map[int64]*callPart),
		seenIDs: make(map[string]bool),
	}
}

// start opens a new call slot at the given stream index.
func (a *accumulator) start(index int64, id, name string) error {
	if _, exists := a.parts[index]; exists {
		return chat.NewError(chat.ProtocolViolation, "duplicate tool call block at index %d", index)
	}
	if id != "" && a.seenIDs[id] {
		return chat.NewError(chat.ProtocolViolation, "duplicate tool call id %q in round", id)
	}
	if id != "" {
		a.seenIDs[id] = true
	}
	a.parts[index] = &callPart{id: id, name: name}
	return nil
}

// started reports whether a slot is open at the index.
func (a *accumulator) started(index int64) bool {
	_, ok := a.parts[index]
	return ok
}

// appendArgs adds an argument fragment to an open slot.
func (a *accumulator) appendArgs(index int64, fragment string) error {
	part, ok := a.parts[index]
	if !ok {
		return chat.NewError(chat.ProtocolViolation, "argument fragment for unknown tool call at index %d", index)
	}
	if part.done {
		return chat.NewError(chat.ProtocolViolation, "argument fragment after tool call at index %d closed", index)
	}
	part.args.WriteString(fragment)
	return nil
}

// finish closes a slot and returns the assembled call. Accumulated argument
// text must parse as a JSON object; an empty accumulation means no
// arguments.
func (a *accumulator) finish(index int64) (chat.ToolCallRequest, error) {
	part, ok := a.parts[index]
	if !ok {
		return chat.ToolCallRequest{}, chat.NewError(chat.ProtocolViolation, "close for unknown tool call at index %d", index)
	}
	if part.done {
		return chat.ToolCallRequest{}, chat.NewError(chat.ProtocolViolation, "tool call at index %d closed twice", index)
	}
	part.done = true

	if part.name == "" {
		return chat.ToolCallRequest{}, chat.NewError(chat.ProtocolViolation, "tool call at index %d has no name", index)
	}

	args := map[string]interface{}{}
	if raw := strings.TrimSpace(part.args.String()); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return chat.ToolCallRequest{}, chat.WrapError(chat.ProtocolViolation, err,
				"malformed tool arguments for %s", part.name)
		}
	}

	id := part.id
	if id == "" {
		id = "call_" + gonanoid.Must(12)
	}

	return chat.ToolCallRequest{ID: id, Name: part.name, Arguments: args}, nil
}

// openIndexes returns the still-open slots in ascending index order. Used by
// wire formats that signal completion once for the whole message instead of
// per call.
func (a *accumulator) openIndexes() []int64 {
	var open []int64
	for idx, part := range a.parts {
		if !part.done {
			open = append(open, idx)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	return open
}

// Package chat defines the conversation data model shared by the runtime,
// provider adapters, and tool registry.
//
// Invariants:
// - Messages are immutable once appended to a Context.
// - A Context only ever grows; rounds commit atomically, partial rounds are
//   never appended.
// - Tool call ids are unique within a round; a ToolResult is only valid
//   against a request emitted earlier in the same round.
package chat

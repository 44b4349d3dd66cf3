package runtime

import (
	"fmt"

	"github.com/droverhq/drover/pkg/chat"
)

// keepRecent is how many trailing messages survive compaction intact.
const keepRecent = 8

// estimateTokens approximates token count at four characters per token,
// which is close enough to decide when a snapshot is oversized.
func estimateTokens(msgs []chat.Message) int {
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content) / 4
		for _, call := range msg.ToolCalls {
			total += len(call.Name)/4 + len(call.ArgumentsJSON())/4
		}
	}
	return total
}

// compactSnapshot folds older messages into a summary marker when the
// snapshot exceeds the threshold. The durable transcript is untouched; only
// the per-round request shrinks. Leading system messages always survive.
func compactSnapshot(msgs []chat.Message, threshold int) []chat.Message {
	if threshold <= 0 || estimateTokens(msgs) <= threshold {
		return msgs
	}

	systemEnd := 0
	for systemEnd < len(msgs) && msgs[systemEnd].Role == chat.RoleSystem {
		systemEnd++
	}

	cut := len(msgs) - keepRecent
	if cut <= systemEnd {
		return msgs
	}

	folded := msgs[systemEnd:cut]
	summary := chat.UserMessage(fmt.Sprintf(
		"[%d earlier messages elided to fit the context window; the conversation continues below]",
		len(folded)))

	out := make([]chat.Message, 0, systemEnd+1+len(msgs)-cut)
	out = append(out, msgs[:systemEnd]...)
	out = append(out, summary)
	out = append(out, msgs[cut:]...)
	return out
}

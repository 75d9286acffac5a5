// Package llm provides the internal representations of conversation turns,
// sampling parameters, and the inference engine contract which the session
// engine mutates and streams.
package llm

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn represents a single role-tagged message in a conversation.
type Turn struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

package agent

import "github.com/localagent/localagent/internal/provider"

// Conversation is the ordered, append-only message history plus the tool
// catalog snapshot advertised alongside it. Context truncation derives a
// view; it never mutates history.
type Conversation struct {
	messages []provider.Message
	catalog  []provider.ToolDefinition
}

// NewConversation seeds a conversation.
func NewConversation(seed []provider.Message, catalog []provider.ToolDefinition) *Conversation {
	c := &Conversation{catalog: catalog}
	c.messages = append(c.messages, seed...)
	return c
}

// Append adds a message. Appended messages are immutable.
func (c *Conversation) Append(msg provider.Message) {
	c.messages = append(c.messages, msg)
}

// Messages returns a copy of the full history.
func (c *Conversation) Messages() []provider.Message {
	out := make([]provider.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Catalog returns the advertised tool definitions.
func (c *Conversation) Catalog() []provider.ToolDefinition {
	return c.catalog
}

// Len returns the message count.
func (c *Conversation) Len() int { return len(c.messages) }

// Window derives a bounded view for the provider: the leading system and
// developer messages always survive, then the most recent remainder.
func (c *Conversation) Window(maxMessages int) []provider.Message {
	if maxMessages <= 0 || len(c.messages) <= maxMessages {
		return c.Messages()
	}
	var prefix []provider.Message
	for _, m := range c.messages {
		if m.Role != provider.RoleSystem && m.Role != provider.RoleDeveloper {
			break
		}
		prefix = append(prefix, m)
	}
	keep := maxMessages - len(prefix)
	if keep < 1 {
		keep = 1
	}
	tail := c.messages[len(c.messages)-keep:]
	out := make([]provider.Message, 0, len(prefix)+len(tail))
	out = append(out, prefix...)
	out = append(out, tail...)
	return out
}

// Package conversation holds the single ordered message log the chat core
// shows to the model. The log always starts with the system instruction and
// lives only in memory.
package conversation

import (
	"slices"
	"strings"
	"sync"
)

// Role tags a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultSystemPrompt is the Charty persona.
var DefaultSystemPrompt = strings.TrimSpace(`
You are Charty, a caring and experienced medication AI assistant. Your role is to help patients manage their medications and answer their questions with warmth and clarity.

Core guidelines:
- Use get_prescriptions to check current medications
- Use add_prescription or update_prescription for medication changes
- Answer general medication questions with "Based on general medical information..."
- Be direct and concise - no more than 10 words per response
- Never use phrases like "Let me check" or "According to my records"
- Never mention being an AI or bot
- Speak naturally like a helpful human

Example responses:
- "You're taking Amoxicillin 500mg and Lisinopril 10mg."
- "That headache could be a side effect of Lisinopril."
- "I'll add your new prescription right away."
`)

// Store is the message log. All methods are safe for concurrent use and
// return copies; callers never share the backing slice.
type Store struct {
	mu       sync.Mutex
	system   string
	messages []Message
}

// New returns a log seeded with systemPrompt.
func New(systemPrompt string) *Store {
	s := &Store{system: systemPrompt}
	s.messages = []Message{{Role: RoleSystem, Content: systemPrompt}}
	return s
}

// Add appends a message and returns a snapshot that includes it.
func (s *Store) Add(role Role, content string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content})
	return slices.Clone(s.messages)
}

// Messages returns a snapshot of the full log.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Filter returns the messages whose role is one of roles, in order.
func (s *Store) Filter(roles ...Role) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if slices.Contains(roles, m.Role) {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of messages including the system message.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Truncate drops every message after the first n. The system instruction is
// always kept.
func (s *Store) Truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = max(n, 1)
	if n < len(s.messages) {
		s.messages = slices.Clip(s.messages[:n])
	}
}

// Clear drops every message and re-seeds the system instruction.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = []Message{{Role: RoleSystem, Content: s.system}}
}

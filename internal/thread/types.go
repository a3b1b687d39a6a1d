// Package thread implements the conversation-thread store: checkpointed
// turn history with per-user access control on top of a storage backend.
package thread

import "time"

// Role tags one side of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Turn is one message in a thread's history. SequenceNumber starts at 1 and
// is assigned by the store at append time; turns are append-only.
type Turn struct {
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	SequenceNumber int           `json:"sequence_number"`
	CreatedAt      time.Time     `json:"created_at"`
	ToolCall       *ToolCallMeta `json:"tool_call,omitempty"`
}

// ToolCallMeta carries the optional tool-call payload of a tool turn.
type ToolCallMeta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Thread is a full conversation thread with its decoded turn history.
type Thread struct {
	ThreadID     string    `json:"thread_id"`
	OwnerUserID  string    `json:"owner_user_id,omitempty"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Turns        []Turn    `json:"turns"`
}

// Summary is the listing projection of a thread, without the turn history.
type Summary struct {
	ThreadID     string    `json:"thread_id"`
	OwnerUserID  string    `json:"owner_user_id,omitempty"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Metadata is a partial metadata edit. Nil fields are left unchanged; the
// turn history and ownership are not editable through metadata.
type Metadata struct {
	Title *string   `json:"title,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
}

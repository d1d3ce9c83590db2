package chat

import (
	"encoding/json"
	"time"

	"github.com/flowiselabs/flowise-proxy-service/internal/upload"
)

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Session is one conversation between a user and a chatflow. The session_id
// is deterministic, derived from the opening question, so retried first
// requests land in the same session.
type Session struct {
	SessionID  string    `bson:"session_id" json:"session_id"`
	UserID     string    `bson:"user_id" json:"user_id"`
	ChatflowID string    `bson:"chatflow_id" json:"chatflow_id"`
	Topic      string    `bson:"topic" json:"topic"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

// Message is one persisted turn. Assistant turns store the full relayed
// event list as content and the non-token events as metadata.
type Message struct {
	SessionID  string      `bson:"session_id" json:"session_id"`
	UserID     string      `bson:"user_id" json:"user_id"`
	ChatflowID string      `bson:"chatflow_id" json:"chatflow_id"`
	Role       MessageRole `bson:"role" json:"role"`
	Content    string      `bson:"content" json:"content"`
	Metadata   string      `bson:"metadata,omitempty" json:"-"`
	HasFiles   bool        `bson:"has_files" json:"has_files"`
	FileIDs    []string    `bson:"file_ids,omitempty" json:"-"`
	Partial    bool        `bson:"partial,omitempty" json:"partial,omitempty"`
	CreatedAt  time.Time   `bson:"created_at" json:"created_at"`
}

// HistoryEntry is the API view of a message with file references hydrated.
type HistoryEntry struct {
	SessionID string           `json:"session_id"`
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
	Files     []upload.FileRef `json:"files,omitempty"`
	Partial   bool             `json:"partial,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

package models

const (
	EventTranscript = "transcript"
	EventFiles      = "files"
)

// SessionEvent announces a change to a session to live watchers.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Version   int64     `json:"version"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Files     FileMap   `json:"files,omitempty"`
}

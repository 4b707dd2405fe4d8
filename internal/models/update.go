package models

// UpdateAction is the change kind carried by a MemoryUpdate notification.
type UpdateAction string

const (
	ActionCreate UpdateAction = "create"
	ActionUpdate UpdateAction = "update"
	ActionDelete UpdateAction = "delete"
)

// MemoryUpdate is a change notification received from the realtime
// transport. It is consumed once: its effect is applied to the caller's
// memory collections and the event itself is never retained.
type MemoryUpdate struct {
	Action       UpdateAction `json:"action"`
	ConnectionID string       `json:"connection_id"`
	MemoryID     string       `json:"memory_id"`
	Memory       *Memory      `json:"memory,omitempty"`
	UserID       string       `json:"user_id"`
}

// PresenceEntry is the live online state of one participant in a connection.
// Presence is ephemeral: it is rebuilt entirely from every transport sync
// event and never persisted.
type PresenceEntry struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

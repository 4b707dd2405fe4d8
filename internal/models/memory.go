package models

// MemoryKind identifies what a memory carries.
type MemoryKind string

const (
	MemoryText     MemoryKind = "text"
	MemoryPhoto    MemoryKind = "photo"
	MemoryVideo    MemoryKind = "video"
	MemoryVoice    MemoryKind = "voice"
	MemoryDocument MemoryKind = "document"
)

// Memory represents a single shared item exchanged within a connection.
type Memory struct {
	ID           UUID       `db:"id" json:"id"`
	ConnectionID string     `db:"connection_id" json:"connection_id"`
	AuthorID     string     `db:"author_id" json:"author_id"`
	Kind         MemoryKind `db:"kind" json:"kind"`
	Body         string     `db:"body" json:"body,omitempty"`
	MediaURL     string     `db:"media_url" json:"media_url,omitempty"`
	CreatedAt    int64      `db:"created_at" json:"created_at"`
	UpdatedAt    int64      `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Memory.
func (Memory) TableName() string {
	return "memories"
}

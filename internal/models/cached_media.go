package models

// CachedMedia is the metadata row for a locally cached media blob.
// The blob bytes themselves live in the content-addressed blob store;
// this row maps the remote URL to the blob and carries eviction state.
type CachedMedia struct {
	URL            string `db:"url" json:"url"`
	BlobHash       string `db:"blob_hash" json:"blob_hash"`
	ThumbHash      string `db:"thumb_hash" json:"thumb_hash,omitempty"`
	MimeType       string `db:"mime_type" json:"mime_type"`
	Size           int64  `db:"size" json:"size"`
	CachedAt       int64  `db:"cached_at" json:"cached_at"`
	LastAccessedAt int64  `db:"last_accessed_at" json:"last_accessed_at"`
	ExpiresAt      int64  `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CachedMedia.
func (CachedMedia) TableName() string {
	return "media_cache"
}

// Expired reports whether the entry is past its TTL at the given time
// (unix milliseconds). Expired entries are treated as absent by every reader.
func (c *CachedMedia) Expired(nowMillis int64) bool {
	return c.ExpiresAt < nowMillis
}

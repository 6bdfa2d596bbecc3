package store

import (
	"fmt"
	"time"
)

// SourceType classifies the modality a chunk was extracted from.
type SourceType string

const (
	SourceTypeDocument SourceType = "document"
	SourceTypeImage    SourceType = "image"
	SourceTypeAudio    SourceType = "audio"
	SourceTypeVideo    SourceType = "video"
)

// ParseSourceType validates a source type string.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceTypeDocument, SourceTypeImage, SourceTypeAudio, SourceTypeVideo:
		return SourceType(s), nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// Chunk is the smallest retrievable unit. ChunkID is deterministic:
// the same source, page and position always produce the same id, which
// is what links the record store and the vector index.
type Chunk struct {
	ChunkID    string     `json:"chunk_id"`
	Text       string     `json:"text"`
	SourceFile string     `json:"source_file"`
	SourceType SourceType `json:"source_type"`

	// Citation fields, optional by modality.
	PageNumber *int     `json:"page_number,omitempty"` // documents
	Timestamp  *float64 `json:"timestamp,omitempty"`   // audio/video, seconds

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// FileInfo summarizes one ingested source file.
type FileInfo struct {
	FileName      string     `json:"file_name"`
	SourceType    SourceType `json:"source_type"`
	TotalChunks   int        `json:"total_chunks"`
	FirstIngested time.Time  `json:"first_ingested"`
	LastIngested  time.Time  `json:"last_ingested"`
}

// Conversation is one chat session.
type Conversation struct {
	ChatID    string    `json:"chat_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn in a conversation.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"` // "user" | "assistant"
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Source is a retrieval citation attached to an assistant message.
type Source struct {
	Type   SourceType `json:"type"`
	Source string     `json:"source"`
	Score  float64    `json:"score"`
}

// StorageError wraps any record-store I/O or transaction failure.
// Callers can rely on the whole batch having been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

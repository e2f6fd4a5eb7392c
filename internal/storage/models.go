package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDocApproved is returned when a write targets an approved document.
// Approved content is immutable for the lifetime of the session.
var ErrDocApproved = errors.New("document is approved and immutable")

// Session tracks a pipeline run through the fixed stage order.
// CurrentStage only ever moves forward; it is advanced by the approval
// transaction and nowhere else.
type Session struct {
	ID           string
	CurrentStage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document is one named artifact within a session. The (SessionID, Name)
// pair is the primary key; names come from the fixed per-stage set.
type Document struct {
	SessionID string
	Name      string
	Content   string
	Approved  bool
	UpdatedAt time.Time
}

// ChatMessage is one transcript entry. Stage is empty for messages that are
// not tied to a specific stage.
type ChatMessage struct {
	ID        string
	SessionID string
	Stage     string
	Role      string // "user", "assistant", "orchestrator"
	Content   string
	CreatedAt time.Time
}

// Asset is one entry of the session's asset index. ExtractedText is filled
// in by the background extraction worker for supported content types.
type Asset struct {
	ID            string
	SessionID     string
	Path          string
	Size          int64
	ContentType   string
	Checksum      string
	ExtractedText string
	CreatedAt     time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

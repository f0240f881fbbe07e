package upload

import (
	"io"
	"time"
)

// Status is the lifecycle state of an upload task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Metadata is the user-editable annotation attached to a task. It is
// independent of upload mechanics and may change at any status.
type Metadata struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (m Metadata) clone() Metadata {
	if m.Tags != nil {
		m.Tags = append([]string(nil), m.Tags...)
	}
	return m
}

// Opener yields a fresh reader over the file content. It is called once per
// upload attempt, so a retried task re-reads from the start.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func() (io.ReadCloser, error)

func (f OpenerFunc) Open() (io.ReadCloser, error) { return f() }

// File is a candidate submitted to the controller.
type File struct {
	Name     string
	Size     int64
	Type     string
	Metadata Metadata
	Source   Opener
}

// Info returns the fields the validator looks at.
func (f File) Info() FileInfo {
	return FileInfo{Name: f.Name, Size: f.Size, Type: f.Type}
}

// Task is a snapshot of one file's upload attempt.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	FileID    string    `json:"file_id,omitempty"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

func (t Task) clone() Task {
	t.Metadata = t.Metadata.clone()
	return t
}

// Rejection reports a candidate that failed validation and never became a task.
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// SubmitResult splits a submission into queued tasks and rejections.
type SubmitResult struct {
	Accepted []Task
	Rejected []Rejection
}

const (
	DefaultMaxConcurrent = 3
	DefaultMaxSize       = 100 << 20
	MaxNameLength        = 255
)

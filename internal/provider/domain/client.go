package domain

import (
	"context"
	"encoding/json"
	"errors"
)

//go:generate mockgen -source=client.go -destination=../mocks/mock_client.go -package=mocks

type TaskStatus string

const (
	TaskProcessing TaskStatus = "PROCESSING"
	TaskSuccess    TaskStatus = "SUCCESS"
	TaskFailed     TaskStatus = "FAILED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

type SubmitRequest struct {
	ImageURL  string `json:"image_url"`
	HairStyle string `json:"hair_style"`
	HairColor string `json:"hair_color"`
}

type Task struct {
	ID     string          `json:"task_id"`
	Status TaskStatus      `json:"task_status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client talks to the external generation provider.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (Task, error)
	Status(ctx context.Context, taskID string) (Task, error)
}

var (
	ErrUpstream        = errors.New("upstream_provider_error")
	ErrContentRejected = errors.New("content_rejected")
	ErrTaskNotFound    = errors.New("task_not_found")
	ErrNotConfigured   = errors.New("provider_not_configured")
)

// UpstreamError carries the provider's HTTP status. Transient errors are
// network failures and 5xx responses.
type UpstreamError struct {
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Err.Error() + ": " + e.Message
	}
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream) && upstream.Transient
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope for queued tasks.
//
// Payload stays raw so the broker never needs to know task argument shapes;
// handlers decode it themselves. JSON on the wire, matching the result
// backend entries.
type Message struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Retries    int             `json:"retries,omitempty"`
	Origin     string          `json:"origin,omitempty"` // "beat", "worker", "api"
}

// NewMessage builds an envelope for the given task. Payload may be nil.
func NewMessage(task string, payload any) (*Message, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("task name required")
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", task, err)
		}
		raw = b
	}
	return &Message{
		ID:         uuid.NewString(),
		Task:       task,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func encodeMessage(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	return json.Marshal(m)
}

// ErrMalformed marks payloads that cannot be decoded. Consumers drop these
// and keep the queue moving.
var ErrMalformed = errors.New("malformed message")

func decodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(m.Task) == "" {
		return nil, fmt.Errorf("%w: empty task name", ErrMalformed)
	}
	return &m, nil
}

// Result is what the worker stores in the result backend after execution.
type Result struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Status     string          `json:"status"` // "success" | "failure"
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func encodeResult(r *Result) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil result")
	}
	return json.Marshal(r)
}

func decodeResult(b []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

// Broker is the queue transport plus result backend.
//
// Dequeue blocks up to timeout and returns (nil, nil) when the queue stayed
// empty, so consumer loops can poll without treating idle as an error.
type Broker interface {
	Enqueue(ctx context.Context, m *Message) error
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)
	Len(ctx context.Context) (int64, error)

	StoreResult(ctx context.Context, r *Result) error
	GetResult(ctx context.Context, id string) (*Result, bool, error)

	Ping(ctx context.Context) error
	Close() error
}

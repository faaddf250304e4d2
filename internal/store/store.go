package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Post statuses. Lifecycle: scheduled -> posting -> posted | partial | failed.
const (
	StatusScheduled = "scheduled"
	StatusPosting   = "posting"
	StatusPosted    = "posted"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Post is one scheduled post. Platform lists and media URLs are stored as
// JSON columns, mirroring how the scheduling service persists them.
type Post struct {
	ID        int64
	UserID    int64
	Content   string
	Platforms []string

	ImageURLs []string
	VideoURLs []string

	// PlatformContent holds optional per-platform content overrides,
	// keyed by lowercase platform name.
	PlatformContent map[string]string

	ScheduledAt time.Time
	Status      string
	Error       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PostResult is the per-platform outcome of one publish.
type PostResult struct {
	ID             int64
	PostID         int64
	Platform       string
	Status         string // "posted" | "failed"
	PlatformPostID string
	PostURL        string
	Error          string
	ContentUsed    string
	CreatedAt      time.Time
}

// Connection is an active link to one platform for one user.
type Connection struct {
	ID          int64
	UserID      int64
	Platform    string
	AccessToken string
	Active      bool
}

// Store is the persistence API the task layer uses.
type Store interface {
	// DuePosts returns up to limit posts in scheduled status whose
	// scheduled_at has passed, oldest first.
	DuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error)

	GetPost(ctx context.Context, id int64) (*Post, error)
	CreatePost(ctx context.Context, p *Post) (int64, error)

	// UpdatePostStatus moves a post through its lifecycle. errMsg is stored
	// alongside failed/partial states; pass "" to clear it.
	UpdatePostStatus(ctx context.Context, id int64, status, errMsg string) error

	AppendResult(ctx context.Context, r *PostResult) error
	ResultsFor(ctx context.Context, postID int64) ([]PostResult, error)

	// ConnectionsFor returns the user's active connections restricted to the
	// given platforms (case-insensitive). Platforms without a connection are
	// simply absent from the result.
	ConnectionsFor(ctx context.Context, userID int64, platforms []string) ([]Connection, error)
	UpsertConnection(ctx context.Context, c *Connection) error

	Close() error
}

func marshalStrings(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalStringMap(v map[string]string) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalStringMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

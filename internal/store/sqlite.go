package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postqueue/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Fixed-width fraction so string comparison on TEXT columns matches time
// order (RFC3339Nano trims trailing zeros and breaks that).
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (and migrates) the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Info("store ready", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postColumns = `id, user_id, content, platforms, image_urls, video_urls,
	platform_content, scheduled_at, status, error, created_at, updated_at`

func (s *sqliteStore) scanPost(row interface{ Scan(...any) error }) (*Post, error) {
	var p Post
	var platforms, images, videos, overrides, scheduledAt, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.UserID, &p.Content, &platforms, &images, &videos,
		&overrides, &scheduledAt, &p.Status, &p.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if p.Platforms, err = unmarshalStrings(platforms); err != nil {
		return nil, fmt.Errorf("post %d: platforms: %w", p.ID, err)
	}
	if p.ImageURLs, err = unmarshalStrings(images); err != nil {
		return nil, fmt.Errorf("post %d: image_urls: %w", p.ID, err)
	}
	if p.VideoURLs, err = unmarshalStrings(videos); err != nil {
		return nil, fmt.Errorf("post %d: video_urls: %w", p.ID, err)
	}
	if p.PlatformContent, err = unmarshalStringMap(overrides); err != nil {
		return nil, fmt.Errorf("post %d: platform_content: %w", p.ID, err)
	}
	if p.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("post %d: scheduled_at: %w", p.ID, err)
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return &p, nil
}

func (s *sqliteStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC LIMIT ?`,
		StatusScheduled, now.UTC().Format(timeFormat), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Post
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetPost(ctx context.Context, id int64) (*Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := s.scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) CreatePost(ctx context.Context, p *Post) (int64, error) {
	if p == nil {
		return 0, errors.New("nil post")
	}
	platforms, err := marshalStrings(p.Platforms)
	if err != nil {
		return 0, err
	}
	images, err := marshalStrings(p.ImageURLs)
	if err != nil {
		return 0, err
	}
	videos, err := marshalStrings(p.VideoURLs)
	if err != nil {
		return 0, err
	}
	overrides, err := marshalStringMap(p.PlatformContent)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	status := p.Status
	if status == "" {
		status = StatusScheduled
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(user_id, content, platforms, image_urls, video_urls,
		    platform_content, scheduled_at, status, error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		p.UserID, p.Content, platforms, images, videos, overrides,
		p.ScheduledAt.UTC().Format(timeFormat), status, p.Error,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdatePostStatus(ctx context.Context, id int64, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendResult(ctx context.Context, r *PostResult) error {
	if r == nil {
		return errors.New("nil result")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO post_results(post_id, platform, status, platform_post_id,
		    post_url, error, content_used, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.PostID, r.Platform, r.Status, r.PlatformPostID,
		r.PostURL, r.Error, r.ContentUsed, time.Now().UTC().Format(timeFormat),
	)
	return err
}

func (s *sqliteStore) ResultsFor(ctx context.Context, postID int64) ([]PostResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, post_id, platform, status, platform_post_id, post_url, error, content_used, created_at
		 FROM post_results WHERE post_id = ? ORDER BY id ASC`, postID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PostResult
	for rows.Next() {
		var r PostResult
		var createdAt string
		if err := rows.Scan(&r.ID, &r.PostID, &r.Platform, &r.Status, &r.PlatformPostID,
			&r.PostURL, &r.Error, &r.ContentUsed, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ConnectionsFor(ctx context.Context, userID int64, platforms []string) ([]Connection, error) {
	if len(platforms) == 0 {
		return nil, nil
	}
	want := map[string]bool{}
	for _, p := range platforms {
		want[strings.ToLower(strings.TrimSpace(p))] = true
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, platform, access_token, active
		 FROM connections WHERE user_id = ? AND active = 1`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Connection
	for rows.Next() {
		var c Connection
		var active int
		if err := rows.Scan(&c.ID, &c.UserID, &c.Platform, &c.AccessToken, &active); err != nil {
			return nil, err
		}
		c.Active = active != 0
		if want[strings.ToLower(c.Platform)] {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertConnection(ctx context.Context, c *Connection) error {
	if c == nil {
		return errors.New("nil connection")
	}
	active := 0
	if c.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(user_id, platform, access_token, active)
		 VALUES(?,?,?,?)
		 ON CONFLICT(user_id, platform) DO UPDATE SET
		   access_token=excluded.access_token, active=excluded.active`,
		c.UserID, c.Platform, c.AccessToken, active,
	)
	return err
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// RFC3339Nano accepts both the padded fraction written here and older
	// trimmed values.
	return time.Parse(time.RFC3339Nano, s)
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postqueue/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newPost(userID int64, scheduledAt time.Time) *Post {
	return &Post{
		UserID:      userID,
		Content:     "hello from the scheduler",
		Platforms:   []string{"twitter", "linkedin"},
		ImageURLs:   []string{"https://img.example/a.png"},
		ScheduledAt: scheduledAt,
		Status:      StatusScheduled,
	}
}

func TestCreateAndGetPost(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	p := newPost(42, time.Now().Add(time.Hour))
	p.PlatformContent = map[string]string{"twitter": "short version"}

	id, err := st.CreatePost(ctx, p)
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.UserID)
	require.Equal(t, []string{"twitter", "linkedin"}, got.Platforms)
	require.Equal(t, "short version", got.PlatformContent["twitter"])
	require.Equal(t, StatusScheduled, got.Status)
	require.False(t, got.CreatedAt.IsZero())
}

func TestGetPostNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	_, err := st.GetPost(context.Background(), 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDuePostsSelection(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	older, err := st.CreatePost(ctx, newPost(1, now.Add(-2*time.Hour)))
	require.NoError(t, err)
	newer, err := st.CreatePost(ctx, newPost(1, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = st.CreatePost(ctx, newPost(1, now.Add(time.Hour))) // future
	require.NoError(t, err)

	published := newPost(1, now.Add(-3*time.Hour))
	published.Status = StatusPosted
	_, err = st.CreatePost(ctx, published)
	require.NoError(t, err)

	due, err := st.DuePosts(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "future and already-posted rows must not be selected")
	require.Equal(t, older, due[0].ID, "oldest first")
	require.Equal(t, newer, due[1].ID)

	limited, err := st.DuePosts(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, older, limited[0].ID)
}

func TestDuePostsFractionalSeconds(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// With a trimmed fraction "…05.5Z" compares greater than "…05.55Z", so a
	// due post would be skipped until the next sweep. The stored format pads
	// the fraction to keep string order aligned with time order.
	base := time.Date(2026, 3, 1, 10, 0, 5, 500_000_000, time.UTC)

	half, err := st.CreatePost(ctx, newPost(1, base))
	require.NoError(t, err)
	later, err := st.CreatePost(ctx, newPost(1, base.Add(50*time.Millisecond)))
	require.NoError(t, err)

	due, err := st.DuePosts(ctx, base.Add(50*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "posts due at sub-second offsets must both be selected")
	require.Equal(t, half, due[0].ID, "earlier fractional timestamp first")
	require.Equal(t, later, due[1].ID)

	due, err = st.DuePosts(ctx, base.Add(10*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, half, due[0].ID)
}

func TestUpdatePostStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreatePost(ctx, newPost(1, time.Now()))
	require.NoError(t, err)

	require.NoError(t, st.UpdatePostStatus(ctx, id, StatusPosting, ""))
	got, err := st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPosting, got.Status)

	require.NoError(t, st.UpdatePostStatus(ctx, id, StatusFailed, "all platforms failed"))
	got, err = st.GetPost(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "all platforms failed", got.Error)

	require.ErrorIs(t, st.UpdatePostStatus(ctx, 9999, StatusPosted, ""), ErrNotFound)
}

func TestAppendAndListResults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreatePost(ctx, newPost(1, time.Now()))
	require.NoError(t, err)

	require.NoError(t, st.AppendResult(ctx, &PostResult{
		PostID:         id,
		Platform:       "twitter",
		Status:         "posted",
		PlatformPostID: "tw-1",
		PostURL:        "https://t.example/1",
		ContentUsed:    "hello",
	}))
	require.NoError(t, st.AppendResult(ctx, &PostResult{
		PostID:   id,
		Platform: "linkedin",
		Status:   "failed",
		Error:    "api timeout",
	}))

	results, err := st.ResultsFor(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byPlatform := map[string]PostResult{}
	for _, r := range results {
		byPlatform[r.Platform] = r
	}
	require.Equal(t, "posted", byPlatform["twitter"].Status)
	require.Equal(t, "tw-1", byPlatform["twitter"].PlatformPostID)
	require.Equal(t, "api timeout", byPlatform["linkedin"].Error)
}

func TestConnections(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertConnection(ctx, &Connection{UserID: 7, Platform: "twitter", AccessToken: "tok-a", Active: true}))
	require.NoError(t, st.UpsertConnection(ctx, &Connection{UserID: 7, Platform: "linkedin", AccessToken: "tok-b", Active: false}))
	require.NoError(t, st.UpsertConnection(ctx, &Connection{UserID: 8, Platform: "twitter", AccessToken: "tok-c", Active: true}))

	conns, err := st.ConnectionsFor(ctx, 7, []string{"Twitter", "LinkedIn", "mastodon"})
	require.NoError(t, err)
	require.Len(t, conns, 1, "inactive and unconnected platforms are absent")
	require.Equal(t, "twitter", conns[0].Platform)
	require.Equal(t, "tok-a", conns[0].AccessToken)

	// Upsert replaces the token for the same (user, platform).
	require.NoError(t, st.UpsertConnection(ctx, &Connection{UserID: 7, Platform: "twitter", AccessToken: "tok-new", Active: true}))
	conns, err = st.ConnectionsFor(ctx, 7, []string{"twitter"})
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "tok-new", conns[0].AccessToken)
}

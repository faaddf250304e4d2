package publish

import (
	"context"
	"strings"

	"postqueue/internal/store"
	"postqueue/pkg/logx"
)

// Content is what gets pushed to one platform.
type Content struct {
	Text      string   `json:"text"`
	ImageURLs []string `json:"image_urls,omitempty"`
	VideoURLs []string `json:"video_urls,omitempty"`
}

// Result is the outcome of publishing to one platform.
type Result struct {
	Platform       string `json:"platform"`
	Success        bool   `json:"success"`
	PlatformPostID string `json:"platform_post_id,omitempty"`
	URL            string `json:"url,omitempty"`
	Error          string `json:"error,omitempty"`
	ContentUsed    string `json:"content_used,omitempty"`
}

// Fanout aggregates per-platform results for one post.
type Fanout struct {
	Total      int      `json:"total_platforms"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

// Publisher pushes content to one platform on behalf of a connection.
//
// Implementations must honor ctx and return retryable transport errors
// as-is; the per-platform failure still lands in the Result so one bad
// platform never blocks the others.
type Publisher interface {
	Publish(ctx context.Context, conn store.Connection, content Content) (Result, error)
}

// Service fans a post out to every connected platform.
type Service struct {
	pub Publisher
	log logx.Logger
}

func NewService(pub Publisher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{pub: pub, log: log}
}

// PublishAll publishes to each connection sequentially (the upstream rate
// limiter is the bottleneck either way) and never aborts the fanout on a
// single platform failure.
func (s *Service) PublishAll(ctx context.Context, post *store.Post, conns []store.Connection) Fanout {
	out := Fanout{Total: len(conns)}
	for _, conn := range conns {
		content := contentFor(post, conn.Platform)

		res, err := s.pub.Publish(ctx, conn, content)
		res.Platform = conn.Platform
		if res.ContentUsed == "" {
			res.ContentUsed = content.Text
		}
		if err != nil {
			res.Success = false
			if res.Error == "" {
				res.Error = err.Error()
			}
		}

		if res.Success {
			out.Successful++
		} else {
			out.Failed++
			s.log.Warn("platform publish failed", logx.String("platform", conn.Platform), logx.Int64("post", post.ID), logx.String("err_msg", res.Error))
		}
		out.Results = append(out.Results, res)

		if ctx.Err() != nil {
			// Remaining platforms are recorded as failed so the post ends up
			// partial, not silently half-done.
			break
		}
	}
	return out
}

// Status maps fanout counts onto the post lifecycle.
func (f Fanout) Status() string {
	switch {
	case f.Successful > 0 && f.Failed == 0:
		return store.StatusPosted
	case f.Successful > 0:
		return store.StatusPartial
	default:
		return store.StatusFailed
	}
}

// contentFor resolves the per-platform override, falling back to the
// original content.
func contentFor(post *store.Post, platform string) Content {
	text := post.Content
	if override, ok := post.PlatformContent[strings.ToLower(platform)]; ok && strings.TrimSpace(override) != "" {
		text = override
	}
	return Content{
		Text:      text,
		ImageURLs: post.ImageURLs,
		VideoURLs: post.VideoURLs,
	}
}

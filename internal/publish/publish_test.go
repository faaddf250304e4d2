package publish

import (
	"context"
	"errors"
	"testing"

	"postqueue/internal/store"
	"postqueue/pkg/logx"
)

// scriptedPublisher returns a canned outcome per platform.
type scriptedPublisher struct {
	results map[string]Result
	errs    map[string]error
	seen    []Content
}

func (p *scriptedPublisher) Publish(ctx context.Context, conn store.Connection, content Content) (Result, error) {
	p.seen = append(p.seen, content)
	return p.results[conn.Platform], p.errs[conn.Platform]
}

func testPost() *store.Post {
	return &store.Post{
		ID:        1,
		UserID:    7,
		Content:   "original text",
		Platforms: []string{"twitter", "linkedin"},
	}
}

func TestPublishAllAggregates(t *testing.T) {
	t.Parallel()

	pub := &scriptedPublisher{
		results: map[string]Result{
			"twitter": {Success: true, PlatformPostID: "tw-1"},
		},
		errs: map[string]error{
			"linkedin": errors.New("api down"),
		},
	}
	svc := NewService(pub, logx.Nop())

	fanout := svc.PublishAll(context.Background(), testPost(), []store.Connection{
		{Platform: "twitter"},
		{Platform: "linkedin"},
	})

	if fanout.Total != 2 || fanout.Successful != 1 || fanout.Failed != 1 {
		t.Fatalf("fanout = %+v", fanout)
	}
	if len(fanout.Results) != 2 {
		t.Fatalf("results = %d", len(fanout.Results))
	}
	if fanout.Results[0].Platform != "twitter" || !fanout.Results[0].Success {
		t.Fatalf("twitter result = %+v", fanout.Results[0])
	}
	if fanout.Results[1].Success || fanout.Results[1].Error != "api down" {
		t.Fatalf("linkedin result = %+v", fanout.Results[1])
	}
}

func TestPublishAllNeverAbortsOnFailure(t *testing.T) {
	t.Parallel()

	pub := &scriptedPublisher{
		results: map[string]Result{"c": {Success: true}},
		errs: map[string]error{
			"a": errors.New("down"),
			"b": errors.New("down"),
		},
	}
	svc := NewService(pub, logx.Nop())

	fanout := svc.PublishAll(context.Background(), testPost(), []store.Connection{
		{Platform: "a"}, {Platform: "b"}, {Platform: "c"},
	})
	if len(fanout.Results) != 3 {
		t.Fatalf("all platforms must be attempted, got %d results", len(fanout.Results))
	}
	if fanout.Successful != 1 {
		t.Fatalf("successful = %d", fanout.Successful)
	}
}

func TestContentForOverride(t *testing.T) {
	t.Parallel()

	post := testPost()
	post.PlatformContent = map[string]string{"twitter": "tweet-sized"}
	post.ImageURLs = []string{"https://img.example/a.png"}

	c := contentFor(post, "Twitter")
	if c.Text != "tweet-sized" {
		t.Fatalf("override not applied: %q", c.Text)
	}
	if len(c.ImageURLs) != 1 {
		t.Fatal("media urls must carry over")
	}

	c = contentFor(post, "linkedin")
	if c.Text != "original text" {
		t.Fatalf("fallback content = %q", c.Text)
	}
}

func TestFanoutStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		f    Fanout
		want string
	}{
		{name: "all ok", f: Fanout{Successful: 2}, want: store.StatusPosted},
		{name: "mixed", f: Fanout{Successful: 1, Failed: 1}, want: store.StatusPartial},
		{name: "all failed", f: Fanout{Failed: 2}, want: store.StatusFailed},
		{name: "empty", f: Fanout{}, want: store.StatusFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Status(); got != tt.want {
				t.Fatalf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}

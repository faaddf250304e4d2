package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postqueue/internal/store"
	"postqueue/internal/worker"
	"postqueue/pkg/logx"
)

// WebhookConfig configures the webhook publisher.
type WebhookConfig struct {
	// Endpoints maps lowercase platform names to webhook URLs. Platforms
	// without an endpoint are published dry-run (logged as success), which
	// keeps local and staging setups working without real credentials.
	Endpoints map[string]string

	// RatePerSec limits outbound requests per platform (0 = unlimited).
	RatePerSec float64

	Timeout time.Duration // per-request, default 30s
}

// Webhook publishes by POSTing the content as JSON to a per-platform
// endpoint. The endpoint answers with {"post_id": ..., "url": ...}.
type Webhook struct {
	cfg    WebhookConfig
	log    logx.Logger
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{
		cfg:      cfg,
		log:      log,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiters: map[string]*rate.Limiter{},
	}
}

func (w *Webhook) limiter(platform string) *rate.Limiter {
	if w.cfg.RatePerSec <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	lim := w.limiters[platform]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(w.cfg.RatePerSec), 1)
		w.limiters[platform] = lim
	}
	return lim
}

type webhookRequest struct {
	Platform string  `json:"platform"`
	UserID   int64   `json:"user_id"`
	Content  Content `json:"content"`
}

type webhookResponse struct {
	PostID string `json:"post_id"`
	URL    string `json:"url"`
	Error  string `json:"error,omitempty"`
}

func (w *Webhook) Publish(ctx context.Context, conn store.Connection, content Content) (Result, error) {
	platform := strings.ToLower(conn.Platform)

	endpoint := w.cfg.Endpoints[platform]
	if endpoint == "" {
		// Dry-run: no endpoint configured for this platform.
		w.log.Info("dry-run publish", logx.String("platform", platform), logx.Int64("user", conn.UserID))
		return Result{Success: true, PlatformPostID: "dry-run"}, nil
	}

	if lim := w.limiter(platform); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	body, err := json.Marshal(webhookRequest{Platform: platform, UserID: conn.UserID, Content: content})
	if err != nil {
		return Result{}, fmt.Errorf("encode webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if conn.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s webhook: %w", platform, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%s webhook read: %w", platform, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, retryAfterHTTP(resp, fmt.Errorf("%s webhook: rate limited", platform))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%s webhook: status %d: %s", platform, resp.StatusCode, truncate(string(raw), 200))
	}

	var wr webhookResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return Result{}, fmt.Errorf("%s webhook decode: %w", platform, err)
	}
	if wr.Error != "" {
		return Result{Success: false, Error: wr.Error}, nil
	}
	return Result{Success: true, PlatformPostID: wr.PostID, URL: wr.URL}, nil
}

// retryAfterHTTP turns a 429 into a worker retry hint so the backoff
// respects the platform's Retry-After header.
func retryAfterHTTP(resp *http.Response, err error) error {
	after := 10 * time.Second
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
	}
	return worker.RetryAfter(err, after)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package tasks holds the queue task definitions: the per-minute sweep that
// finds due posts and the publish task that pushes one post out to its
// platforms.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"postqueue/internal/broker"
	"postqueue/internal/publish"
	"postqueue/internal/store"
	"postqueue/internal/task"
	"postqueue/internal/worker"
	"postqueue/pkg/logx"
)

const (
	// TaskCheckScheduled sweeps for due posts and enqueues one publish task
	// per post. Beat triggers it every minute.
	TaskCheckScheduled = "posts.check_scheduled"

	// TaskPublish publishes one post to all of its connected platforms.
	TaskPublish = "posts.publish"
)

const defaultSweepLimit = 50

// Posts wires the post tasks to their dependencies.
type Posts struct {
	store store.Store
	pub   *publish.Service
	brk   broker.Broker
	log   logx.Logger
}

func NewPosts(st store.Store, pub *publish.Service, brk broker.Broker, log logx.Logger) *Posts {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Posts{store: st, pub: pub, brk: brk, log: log}
}

// Register installs the post handlers into the registry.
func (p *Posts) Register(reg *task.Registry) {
	reg.Register(
		task.Func{TaskName: TaskCheckScheduled, Run: p.checkScheduled},
		task.Func{TaskName: TaskPublish, Run: p.publishPost},
	)
}

type sweepPayload struct {
	Limit int `json:"limit,omitempty"`
}

type sweepResult struct {
	Found    int     `json:"found"`
	Enqueued int     `json:"enqueued"`
	PostIDs  []int64 `json:"post_ids,omitempty"`
}

type publishPayload struct {
	PostID int64 `json:"post_id"`
}

// checkScheduled finds posts whose scheduled time has passed and enqueues a
// publish task for each. Selection is state-based (status=scheduled), so a
// missed or dropped sweep is recovered by the next one.
func (p *Posts) checkScheduled(ctx context.Context, payload json.RawMessage) (any, error) {
	var args sweepPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, worker.NoRetry(fmt.Errorf("bad sweep payload: %w", err))
		}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}

	posts, err := p.store.DuePosts(ctx, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due posts: %w", err)
	}
	if len(posts) == 0 {
		p.log.Debug("no scheduled posts due")
		return sweepResult{}, nil
	}

	res := sweepResult{Found: len(posts)}
	for _, post := range posts {
		msg, err := broker.NewMessage(TaskPublish, publishPayload{PostID: post.ID})
		if err != nil {
			return res, err
		}
		msg.Origin = "worker"
		if err := p.brk.Enqueue(ctx, msg); err != nil {
			// Partial enqueue is fine: remaining posts stay scheduled and the
			// next sweep picks them up.
			return res, fmt.Errorf("enqueue publish for post %d: %w", post.ID, err)
		}
		res.Enqueued++
		res.PostIDs = append(res.PostIDs, post.ID)
		p.log.Info("post queued for publishing", logx.Int64("post", post.ID), logx.String("id", msg.ID))
	}
	return res, nil
}

// publishPost pushes one post to every platform it has an active connection
// for, records per-platform results, and moves the post to its final status.
func (p *Posts) publishPost(ctx context.Context, payload json.RawMessage) (any, error) {
	var args publishPayload
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, worker.NoRetry(fmt.Errorf("bad publish payload: %w", err))
	}
	if args.PostID <= 0 {
		return nil, worker.NoRetry(fmt.Errorf("post_id required"))
	}
	log := p.log.With(logx.Int64("post", args.PostID))

	post, err := p.store.GetPost(ctx, args.PostID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, worker.NoRetry(fmt.Errorf("post %d not found", args.PostID))
		}
		return nil, fmt.Errorf("load post %d: %w", args.PostID, err)
	}

	// Re-check state: a duplicate envelope (queue backlog across sweeps) or
	// an operator action may have moved the post on already.
	if post.Status != store.StatusScheduled && post.Status != store.StatusPosting {
		log.Info("skipping post in terminal status", logx.String("status", post.Status))
		return map[string]any{"skipped": true, "status": post.Status}, nil
	}

	if err := p.store.UpdatePostStatus(ctx, post.ID, store.StatusPosting, ""); err != nil {
		return nil, fmt.Errorf("mark posting: %w", err)
	}

	conns, err := p.store.ConnectionsFor(ctx, post.UserID, post.Platforms)
	if err != nil {
		p.markFailed(ctx, post.ID, "load connections: "+err.Error())
		return nil, fmt.Errorf("load connections: %w", err)
	}
	if len(conns) == 0 {
		p.markFailed(ctx, post.ID, "no active connections")
		log.Warn("no active connections for post", logx.Any("platforms", post.Platforms))
		return publish.Fanout{}, nil
	}

	fanout := p.pub.PublishAll(ctx, post, conns)

	for _, r := range fanout.Results {
		status := "posted"
		if !r.Success {
			status = "failed"
		}
		if err := p.store.AppendResult(ctx, &store.PostResult{
			PostID:         post.ID,
			Platform:       r.Platform,
			Status:         status,
			PlatformPostID: r.PlatformPostID,
			PostURL:        r.URL,
			Error:          r.Error,
			ContentUsed:    r.ContentUsed,
		}); err != nil {
			log.Warn("append result failed", logx.String("platform", r.Platform), logx.Err(err))
		}
	}

	final := fanout.Status()
	errMsg := ""
	if final == store.StatusFailed {
		errMsg = "all platforms failed"
	}
	if err := p.store.UpdatePostStatus(ctx, post.ID, final, errMsg); err != nil {
		return nil, fmt.Errorf("finalize post %d: %w", post.ID, err)
	}

	log.Info("publish finished",
		logx.String("status", final),
		logx.Int("successful", fanout.Successful),
		logx.Int("failed", fanout.Failed))
	return fanout, nil
}

// markFailed is best-effort: the original error is what gets surfaced.
func (p *Posts) markFailed(ctx context.Context, id int64, msg string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.UpdatePostStatus(sctx, id, store.StatusFailed, msg); err != nil {
		p.log.Warn("mark failed did not stick", logx.Int64("post", id), logx.Err(err))
	}
}

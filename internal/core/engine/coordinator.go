package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/postpace/postpace/internal/core"
)

const (
	DefaultPollInterval    = time.Second
	DefaultIdleBackoffMax  = 30 * time.Second
	DefaultDispatchTimeout = 30 * time.Second

	minDeferDelay = time.Second
)

// Publisher performs the platform call for an action.
type Publisher interface {
	Post(ctx context.Context, content string) (string, error)
	Like(ctx context.Context, target string) error
	Follow(ctx context.Context, target string) error
	DirectMessage(ctx context.Context, target, content string) error
}

// Outcome is what one coordinator step did.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Coordinator moves due items from the queue through the governor to the publisher.
type Coordinator struct {
	Queue     *ActionQueue
	Governor  *Governor
	Publisher Publisher
	Clock     func() time.Time
	Logger    Logger
	Recorder  Recorder

	PollInterval    time.Duration
	IdleBackoffMax  time.Duration
	DispatchTimeout time.Duration
}

// Run processes items until ctx is cancelled. Idle polls back off exponentially
// from PollInterval to IdleBackoffMax and reset when work is found.
func (c *Coordinator) Run(ctx context.Context) error {
	poll := positiveOr(c.PollInterval, DefaultPollInterval)
	ceiling := max(positiveOr(c.IdleBackoffMax, DefaultIdleBackoffMax), poll)
	delay := poll

	c.logger().Info("Coordinator started",
		zap.Duration("poll_interval", poll),
		zap.Duration("idle_backoff_max", ceiling))

	for {
		outcome, err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			c.logger().Info("Coordinator stopped")
			return nil
		}
		if err != nil {
			c.logger().Error("Coordinator step failed", zap.Error(err))
		}

		if outcome != OutcomeIdle && err == nil {
			delay = poll
			continue
		}
		if !sleepContext(ctx, delay) {
			c.logger().Info("Coordinator stopped")
			return nil
		}
		delay = min(delay*2, ceiling)
	}
}

// RunOnce dequeues and processes at most one item.
func (c *Coordinator) RunOnce(ctx context.Context) (Outcome, error) {
	item, err := c.Queue.Dequeue(ctx)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("dequeue: %w", err)
	}
	if item == nil {
		return OutcomeIdle, nil
	}

	endpoint := EndpointForAction(item.Action)
	decision := c.Governor.Acquire(ctx, endpoint, 1, item.Priority)
	if !decision.Allowed {
		wait := max(decision.ResetAfter, minDeferDelay)
		if err := c.Queue.Defer(ctx, item.ID, c.now().Add(wait), string(decision.Reason)); err != nil {
			return OutcomeDeferred, fmt.Errorf("defer %s: %w", item.ID, err)
		}
		return OutcomeDeferred, nil
	}

	start := time.Now()
	remoteID, dispatchErr := c.dispatch(ctx, item)
	elapsed := time.Since(start)

	// bookkeeping must survive shutdown of the parent context
	bg := context.WithoutCancel(ctx)

	if dispatchErr == nil {
		c.Governor.Release(bg, endpoint, true)
		c.recorder().RecordDispatch(item.Action, string(OutcomeCompleted), elapsed)
		if err := c.Queue.Complete(bg, item.ID); err != nil {
			return OutcomeCompleted, fmt.Errorf("complete %s: %w", item.ID, err)
		}
		c.logger().Info("Action dispatched",
			zap.String("id", item.ID),
			zap.String("action", string(item.Action)),
			zap.String("remote_id", remoteID),
			zap.Duration("duration", elapsed))
		return OutcomeCompleted, nil
	}

	limited, throttled := core.AsRateLimited(dispatchErr)
	if !throttled && ctx.Err() != nil && !errors.Is(dispatchErr, context.DeadlineExceeded) {
		// shutdown interrupted the call; hand the item back without a retry
		c.Governor.Abandon(bg, endpoint)
		c.recorder().RecordDispatch(item.Action, string(OutcomeDeferred), elapsed)
		if err := c.Queue.Defer(bg, item.ID, c.now(), "shutdown"); err != nil {
			return OutcomeDeferred, fmt.Errorf("defer %s: %w", item.ID, err)
		}
		return OutcomeDeferred, nil
	}

	// Handle429 records the breaker failure for a throttled call
	if throttled {
		c.Governor.Handle429(bg, endpoint, limited.RetryAfter)
	} else {
		c.Governor.Release(bg, endpoint, false)
	}
	c.recorder().RecordDispatch(item.Action, string(OutcomeFailed), elapsed)

	failure := &core.DispatchError{ItemID: item.ID, Action: item.Action, Err: dispatchErr}
	c.logger().Warn("Dispatch failed",
		zap.String("id", item.ID),
		zap.String("action", string(item.Action)),
		zap.Error(dispatchErr))
	if err := c.Queue.Fail(bg, item.ID, failure); err != nil {
		return OutcomeFailed, fmt.Errorf("fail %s: %w", item.ID, err)
	}
	return OutcomeFailed, nil
}

// dispatch calls the publisher under the dispatch deadline. A publisher that
// ignores its context is abandoned when the deadline passes.
func (c *Coordinator) dispatch(ctx context.Context, item *core.QueueItem) (string, error) {
	if c.Publisher == nil {
		return "", errors.New("no publisher configured")
	}

	dctx, cancel := context.WithTimeout(ctx, positiveOr(c.DispatchTimeout, DefaultDispatchTimeout))
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		switch item.Action {
		case core.ActionPost:
			r.id, r.err = c.Publisher.Post(dctx, item.Content)
		case core.ActionLike:
			r.err = c.Publisher.Like(dctx, item.Target)
		case core.ActionFollow:
			r.err = c.Publisher.Follow(dctx, item.Target)
		case core.ActionDM:
			r.err = c.Publisher.DirectMessage(dctx, item.Target, item.Content)
		default:
			r.err = fmt.Errorf("unsupported action %q", item.Action)
		}
		done <- r
	}()

	select {
	case r := <-done:
		return r.id, r.err
	case <-dctx.Done():
		return "", fmt.Errorf("dispatch timed out: %w", dctx.Err())
	}
}

func (c *Coordinator) now() time.Time {
	return systemNow(c.Clock)
}

func (c *Coordinator) logger() Logger {
	return loggerOrNop(c.Logger)
}

func (c *Coordinator) recorder() Recorder {
	return recorderOrNop(c.Recorder)
}

func positiveOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

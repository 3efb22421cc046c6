// Copyright 2024-2026 Aiku AI

package sbs

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Listener yields new SBS comments after start-up. The two strategies,
// PollListener and SocketListener, are interchangeable; the relay only
// drains.
type Listener interface {
	// Start seeds the cursor and begins ingesting in the background. The
	// session must be valid.
	Start(ctx context.Context) error
	// Close stops ingestion. A request already in flight is allowed to
	// finish and its result is discarded.
	Close()
	// Drain returns and clears every comment queued since the previous
	// drain. Once the listener has seen the token rejected it returns
	// ErrAuthExpired, and it must be started again after re-authenticating.
	Drain() ([]*Comment, error)
}

// ListenerType names a Listener strategy in config.
type ListenerType string

const (
	ListenerPoll      ListenerType = "poll"
	ListenerWebSocket ListenerType = "websocket"
)

// ListenerOptions tunes a listener's retry behavior.
type ListenerOptions struct {
	// RateLimitWait is how long to wait after a 429 before re-polling.
	RateLimitWait time.Duration
	// RetryInitial and RetryMax bound the exponential backoff used after
	// transient failures.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// OnCycle, when set, is called after each listen attempt with its
	// outcome ("ok", "rate_limited", "expired", "error").
	OnCycle func(outcome string)
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	if o.RateLimitWait <= 0 {
		o.RateLimitWait = 3 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Minute
	}
	return o
}

func (o ListenerOptions) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryInitial
	b.MaxInterval = o.RetryMax
	b.Reset()
	return b
}

func (o ListenerOptions) report(outcome string) {
	if o.OnCycle != nil {
		o.OnCycle(outcome)
	}
}

// NewListener builds the listener strategy named by typ.
func NewListener(typ ListenerType, client *Client, opts ListenerOptions) Listener {
	if typ == ListenerWebSocket {
		return NewSocketListener(client, opts)
	}
	return NewPollListener(client, opts)
}

// commentQueue is the queue and expiry flag shared by both strategies.
type commentQueue struct {
	mu      sync.Mutex
	pending []*Comment
	expired bool
	lastID  int64
}

func (q *commentQueue) reset(lastID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.expired = false
	q.lastID = lastID
}

func (q *commentQueue) push(lastID int64, comments []*Comment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, comments...)
	if lastID > q.lastID {
		q.lastID = lastID
	}
}

func (q *commentQueue) cursor() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastID
}

func (q *commentQueue) markExpired() {
	q.mu.Lock()
	q.expired = true
	q.mu.Unlock()
}

func (q *commentQueue) drain() ([]*Comment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	if q.expired {
		return out, ErrAuthExpired
	}
	return out, nil
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runner owns the cancellable background goroutine of a listener.
type runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *runner) start(ctx context.Context, loop func(ctx context.Context)) {
	r.stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()
	go func() {
		defer close(done)
		loop(ctx)
	}()
}

func (r *runner) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

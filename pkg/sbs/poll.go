// Copyright 2024-2026 Aiku AI

package sbs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// PollListener ingests comments by long-polling Read/listen with a cursor.
type PollListener struct {
	client *Client
	opts   ListenerOptions
	log    zerolog.Logger
	sleep  sleepFunc

	queue  commentQueue
	run    runner
	selfID int64
}

var _ Listener = (*PollListener)(nil)

// NewPollListener creates a long-poll listener for the client's session.
func NewPollListener(client *Client, opts ListenerOptions) *PollListener {
	return &PollListener{
		client: client,
		opts:   opts.withDefaults(),
		log:    client.log.With().Str("component", "sbs_poll").Logger(),
		sleep:  sleepContext,
	}
}

func (l *PollListener) Start(ctx context.Context) error {
	l.run.stop()
	me, err := l.client.Me(ctx)
	if err != nil {
		return err
	}
	cursor, err := l.client.SeedCursor(ctx)
	if err != nil {
		return err
	}
	l.selfID = me.ID
	l.queue.reset(cursor)
	l.log.Info().
		Int64("self_id", me.ID).
		Int64("cursor", cursor).
		Msg("Starting SmileBASIC Source long-poll listener")
	l.run.start(ctx, l.loop)
	return nil
}

func (l *PollListener) Close() {
	l.run.stop()
}

func (l *PollListener) Drain() ([]*Comment, error) {
	return l.queue.drain()
}

// Cursor returns the last comment id the listener has seen.
func (l *PollListener) Cursor() int64 {
	return l.queue.cursor()
}

func (l *PollListener) loop(ctx context.Context) {
	retry := l.opts.newBackOff()
	for ctx.Err() == nil {
		wait, stop := l.cycle(ctx, retry)
		if stop {
			return
		}
		if wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				return
			}
		}
	}
}

// cycle runs one long-poll and returns how long to wait before the next
// one, or stop=true when the loop must end.
func (l *PollListener) cycle(ctx context.Context, retry *backoff.ExponentialBackOff) (wait time.Duration, stop bool) {
	cursor := l.queue.cursor()
	result, err := l.client.Listen(ctx, cursor)
	if ctx.Err() != nil {
		return 0, true
	}
	switch {
	case err == nil:
		retry.Reset()
		comments := filterAuthor(result.Comments, l.selfID)
		l.queue.push(result.LastID, comments)
		l.opts.report("ok")
		if len(comments) > 0 {
			l.log.Debug().
				Int64("cursor", result.LastID).
				Int("count", len(comments)).
				Msg("Received comments")
		}
		return 0, false
	case errors.Is(err, ErrAuthExpired):
		l.queue.markExpired()
		l.opts.report("expired")
		l.log.Warn().Int64("cursor", cursor).Msg("Listen token rejected, stopping until re-authenticated")
		return 0, true
	case errors.Is(err, ErrRateLimited):
		l.opts.report("rate_limited")
		l.log.Warn().Dur("wait", l.opts.RateLimitWait).Msg("Rate limited by SmileBASIC Source")
		return l.opts.RateLimitWait, false
	default:
		wait = nextRetry(retry)
		l.opts.report("error")
		l.log.Err(fmt.Errorf("failed to listen: %w", err)).
			Int64("cursor", cursor).
			Dur("retry_in", wait).
			Msg("Listen request failed")
		return wait, false
	}
}

func nextRetry(b *backoff.ExponentialBackOff) time.Duration {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		return b.MaxInterval
	}
	return wait
}

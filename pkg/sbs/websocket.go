// Copyright 2024-2026 Aiku AI

package sbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SocketListener ingests comments from the read/wslisten push socket. Every
// connection starts with a fresh ticket and the latest known cursor, so
// reconnecting never depends on server-side state.
type SocketListener struct {
	client *Client
	opts   ListenerOptions
	log    zerolog.Logger
	sleep  sleepFunc
	dialer *websocket.Dialer

	queue  commentQueue
	run    runner
	selfID int64
}

var _ Listener = (*SocketListener)(nil)

// NewSocketListener creates a push-socket listener for the client's session.
func NewSocketListener(client *Client, opts ListenerOptions) *SocketListener {
	return &SocketListener{
		client: client,
		opts:   opts.withDefaults(),
		log:    client.log.With().Str("component", "sbs_websocket").Logger(),
		sleep:  sleepContext,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
	}
}

type subscribeFrame struct {
	Auth    string        `json:"auth"`
	Actions listenActions `json:"actions"`
}

func (l *SocketListener) Start(ctx context.Context) error {
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
		Msg("Starting SmileBASIC Source websocket listener")
	l.run.start(ctx, l.loop)
	return nil
}

func (l *SocketListener) Close() {
	l.run.stop()
}

func (l *SocketListener) Drain() ([]*Comment, error) {
	return l.queue.drain()
}

// Cursor returns the last comment id the listener has seen.
func (l *SocketListener) Cursor() int64 {
	return l.queue.cursor()
}

func (l *SocketListener) loop(ctx context.Context) {
	retry := l.opts.newBackOff()
	for ctx.Err() == nil {
		received, err := l.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if received {
			retry.Reset()
		}
		if errors.Is(err, ErrAuthExpired) {
			l.queue.markExpired()
			l.opts.report("expired")
			l.log.Warn().Msg("Websocket ticket request rejected, stopping until re-authenticated")
			return
		}
		wait := nextRetry(retry)
		if errors.Is(err, ErrRateLimited) {
			l.opts.report("rate_limited")
			wait = l.opts.RateLimitWait
		} else {
			l.opts.report("error")
		}
		l.log.Warn().Err(err).Dur("retry_in", wait).Msg("Websocket disconnected, reconnecting")
		if err := l.sleep(ctx, wait); err != nil {
			return
		}
	}
}

// connect runs one full handshake and read loop. It reports whether any
// frame was received before the connection ended.
func (l *SocketListener) connect(ctx context.Context) (bool, error) {
	ticket, err := l.client.WebSocketTicket(ctx)
	if err != nil {
		return false, err
	}
	cursor := l.queue.cursor()

	conn, _, err := l.dialer.DialContext(ctx, l.client.WebSocketURL(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-connDone:
		}
	}()

	if err = conn.WriteJSON(subscribeFrame{Auth: ticket, Actions: newListenActions(cursor)}); err != nil {
		return false, fmt.Errorf("failed to send subscribe frame: %w", err)
	}
	l.log.Debug().Int64("cursor", cursor).Msg("Subscribed to websocket listener")

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("failed to read websocket frame: %w", err)
		}
		received = true
		var frame listenResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			l.log.Warn().Err(err).Str("frame", truncate(string(data), 200)).Msg("Ignoring unparseable websocket frame")
			continue
		}
		result := frame.result()
		lastID := result.LastID
		for _, c := range result.Comments {
			if c.ID > lastID {
				lastID = c.ID
			}
		}
		comments := filterAuthor(result.Comments, l.selfID)
		l.queue.push(lastID, comments)
		l.opts.report("ok")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

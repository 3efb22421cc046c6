// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

var errWebSocketClosedEarly = errors.New("websocket closed before any event arrived")

// localEventSink receives every Mattermost event that survived echo
// prevention. The relay satisfies it; tests inject a recorder.
type localEventSink interface {
	HandleLocal(ctx context.Context, evt *LocalEvent) error
}

// MattermostClient is the bridge's single authenticated Mattermost
// connection. It turns websocket events into LocalEvents and implements
// LocalPlatform for writes coming from SmileBASIC Source.
type MattermostClient struct {
	creds     MattermostCredentials
	botPrefix string

	client    *model.Client4
	wsClient  *model.WebSocketClient
	userID    string
	username  string
	teamID    string
	serverURL string

	// reconnectMax caps the wait between websocket reconnect attempts.
	reconnectMax time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ LocalPlatform = (*MattermostClient)(nil)

// NewMattermostClient creates a client that has not logged in yet.
func NewMattermostClient(creds MattermostCredentials, botPrefix string, log zerolog.Logger) *MattermostClient {
	return &MattermostClient{
		creds:        creds,
		botPrefix:    botPrefix,
		serverURL:    strings.TrimSuffix(creds.ServerURL, "/"),
		reconnectMax: time.Minute,
		stopChan:     make(chan struct{}),
		log:          log.With().Str("component", "mm_client").Logger(),
	}
}

// Connect logs in and verifies the session.
func (m *MattermostClient) Connect(ctx context.Context) error {
	m.log.Info().Str("server_url", m.serverURL).Msg("Connecting to Mattermost")

	res, err := login(ctx, m.creds)
	if err != nil {
		return fmt.Errorf("failed to log in to Mattermost: %w", err)
	}
	m.client = res.Client
	m.userID = res.User.Id
	m.username = res.User.Username
	m.teamID = res.TeamID
	m.log.Info().Str("user_id", m.userID).Str("username", m.username).Msg("Authenticated")
	return nil
}

// Run streams websocket events into sink until ctx is cancelled or
// Disconnect is called. A dropped websocket is reconnected with backoff.
func (m *MattermostClient) Run(ctx context.Context, sink localEventSink) error {
	if !m.IsLoggedIn() {
		return fmt.Errorf("mattermost client is not logged in")
	}
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = m.reconnectMax
	retry.Reset()

	for {
		err := m.connectWebSocket()
		if err == nil {
			reconnect, received := m.listenWebSocket(ctx, sink)
			if !reconnect {
				m.closeWebSocket()
				return nil
			}
			if received {
				retry.Reset()
				m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				continue
			}
			err = errWebSocketClosedEarly
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			wait = m.reconnectMax
		}
		m.log.Error().Err(err).Dur("retry_in", wait).Msg("WebSocket connection failed")
		if !m.sleep(ctx, wait) {
			return nil
		}
	}
}

func (m *MattermostClient) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.stopChan:
		return false
	case <-t.C:
		return true
	}
}

func (m *MattermostClient) connectWebSocket() error {
	wsURL := httpToWS(m.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, m.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	m.wsClient = ws

	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

func (m *MattermostClient) closeWebSocket() {
	if m.wsClient != nil {
		m.wsClient.Close()
		m.wsClient = nil
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// listenWebSocket dispatches events until the channel closes (reconnect is
// true) or the client is stopped. received reports whether any event arrived.
func (m *MattermostClient) listenWebSocket(ctx context.Context, sink localEventSink) (reconnect, received bool) {
	for {
		select {
		case <-ctx.Done():
			return false, received
		case <-m.stopChan:
			return false, received
		case evt, ok := <-m.wsClient.EventChannel:
			if !ok {
				return true, received
			}
			received = true
			if evt == nil {
				continue
			}
			m.handleEvent(ctx, evt, sink)
		}
	}
}

// Disconnect stops the event loop.
func (m *MattermostClient) Disconnect() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
}

// IsLoggedIn reports whether the client holds a valid authentication token.
func (m *MattermostClient) IsLoggedIn() bool {
	return m.client != nil && m.client.AuthToken != ""
}

// SelfID returns the bridge account's Mattermost user id.
func (m *MattermostClient) SelfID() string {
	return m.userID
}

// TeamID returns the first team the bridge account belongs to.
func (m *MattermostClient) TeamID() string {
	return m.teamID
}

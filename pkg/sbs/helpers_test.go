// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sbs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
	"github.com/aiku/mattermost-sbs/pkg/sbs/sbstest"
)

const (
	bridgeUserID int64 = 1
	otherUserID  int64 = 2
	testRoom     int64 = 937
)

// newTestClient starts a fake with a bridge account and a logged in client.
func newTestClient(t *testing.T) (*sbstest.Server, *sbs.Client) {
	t.Helper()
	fake := sbstest.NewServer()
	t.Cleanup(fake.Close)
	fake.AddAccount(bridgeUserID, "bridge", "hunter2")
	fake.AddUser(sbs.User{ID: otherUserID, Username: "yuki", Avatar: 77})

	client := sbs.NewClient(fake.URL(), sbs.Credentials{Username: "bridge", Password: "hunter2"}, 10*time.Second, zerolog.Nop())
	if _, err := client.Session().Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return fake, client
}

// recordingSleep records requested waits without actually waiting.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// drainUntil drains l until n comments have been collected.
func drainUntil(t *testing.T, l sbs.Listener, n int) []*sbs.Comment {
	t.Helper()
	var got []*sbs.Comment
	waitFor(t, "drained comments", func() bool {
		batch, err := l.Drain()
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		got = append(got, batch...)
		return len(got) >= n
	})
	return got
}

func comment(id, userID int64, text string) *sbs.Comment {
	c := &sbs.Comment{
		ID:           id,
		ParentID:     testRoom,
		CreateDate:   "2024-01-01T00:00:00Z",
		EditDate:     "2024-01-01T00:00:00Z",
		CreateUserID: userID,
		EditUserID:   userID,
	}
	c.SetContent(sbs.Settings{Markup: sbs.MarkupPlain}, text)
	return c
}

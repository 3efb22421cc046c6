// Copyright 2024-2026 Aiku AI

package sbs

import (
	"context"
	"time"
)

func SetPollSleep(l *PollListener, fn func(context.Context, time.Duration) error) {
	l.sleep = fn
}

func SetSocketSleep(l *SocketListener, fn func(context.Context, time.Duration) error) {
	l.sleep = fn
}

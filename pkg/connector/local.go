// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
)

// LocalEventKind is the mutation a Mattermost event represents.
type LocalEventKind int

const (
	LocalCreate LocalEventKind = iota
	LocalEdit
	LocalDelete
)

func (k LocalEventKind) String() string {
	switch k {
	case LocalCreate:
		return "create"
	case LocalEdit:
		return "edit"
	case LocalDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// LocalAuthor is the live identity of a Mattermost user.
type LocalAuthor struct {
	ID       string
	Username string
	Nickname string
	// AvatarRef identifies the current profile image. It changes whenever
	// the user uploads a new picture.
	AvatarRef string
}

// LocalMessage is a Mattermost post as seen by the relay.
type LocalMessage struct {
	ID          string
	ChannelID   string
	Author      LocalAuthor
	Content     string
	Attachments []string
	// FromBridge marks posts the bridge wrote itself.
	FromBridge bool
}

// LocalEvent is a create, edit, or delete coming from Mattermost.
type LocalEvent struct {
	Kind    LocalEventKind
	Message *LocalMessage
}

// Identity is how a relayed SBS comment is presented in Mattermost.
type Identity struct {
	DisplayName string
	AvatarURL   string
}

// LocalPlatform is the write side of the Mattermost adapter used by the
// relay.
type LocalPlatform interface {
	// SelfID is the Mattermost user id the bridge posts as.
	SelfID() string
	// ResolveTarget looks up the channel a pair writes into.
	ResolveTarget(ctx context.Context, channelID string) (*WriteTarget, error)
	// SendAs posts content under another identity and returns the post id.
	SendAs(ctx context.Context, target *WriteTarget, identity Identity, content string) (string, error)
	EditMessage(ctx context.Context, target *WriteTarget, messageID, content string) error
	DeleteMessage(ctx context.Context, target *WriteTarget, messageID string) error
	// SendNotice posts a message from the bridge itself.
	SendNotice(ctx context.Context, target *WriteTarget, text string) error
	// FetchAvatar downloads a user's current profile image.
	FetchAvatar(ctx context.Context, userID string) ([]byte, error)
}

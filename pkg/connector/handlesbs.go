// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"go.mau.fi/util/ptr"
)

var errNotLoggedIn = errors.New("not logged in to Mattermost")

// ResolveTarget looks up the channel a pair writes into.
func (m *MattermostClient) ResolveTarget(ctx context.Context, channelID string) (*WriteTarget, error) {
	if !m.IsLoggedIn() {
		return nil, errNotLoggedIn
	}
	channel, _, err := m.client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}
	return &WriteTarget{
		ChannelID:   channel.Id,
		TeamID:      channel.TeamId,
		DisplayName: channel.DisplayName,
	}, nil
}

// SendAs posts content under the name and avatar of an SBS user, the way an
// incoming webhook would.
func (m *MattermostClient) SendAs(ctx context.Context, target *WriteTarget, identity Identity, content string) (string, error) {
	if !m.IsLoggedIn() {
		return "", errNotLoggedIn
	}
	post := &model.Post{
		ChannelId: target.ChannelID,
		Message:   content,
	}
	post.AddProp(propOverrideUsername, identity.DisplayName)
	if identity.AvatarURL != "" {
		post.AddProp(propOverrideIconURL, identity.AvatarURL)
	}
	post.AddProp(propFromWebhook, "true")
	post.AddProp(propBridged, "true")

	created, _, err := m.client.CreatePost(ctx, post)
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	return created.Id, nil
}

// EditMessage replaces the text of a post the bridge made.
func (m *MattermostClient) EditMessage(ctx context.Context, _ *WriteTarget, messageID, content string) error {
	if !m.IsLoggedIn() {
		return errNotLoggedIn
	}
	patch := &model.PostPatch{
		Message: ptr.Ptr(content),
	}
	if _, _, err := m.client.PatchPost(ctx, messageID, patch); err != nil {
		return fmt.Errorf("failed to edit post %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessage removes a post the bridge made.
func (m *MattermostClient) DeleteMessage(ctx context.Context, _ *WriteTarget, messageID string) error {
	if !m.IsLoggedIn() {
		return errNotLoggedIn
	}
	if _, err := m.client.DeletePost(ctx, messageID); err != nil {
		return fmt.Errorf("failed to delete post %s: %w", messageID, err)
	}
	return nil
}

// SendNotice posts a message from the bridge account itself.
func (m *MattermostClient) SendNotice(ctx context.Context, target *WriteTarget, text string) error {
	if !m.IsLoggedIn() {
		return errNotLoggedIn
	}
	post := &model.Post{
		ChannelId: target.ChannelID,
		Message:   text,
	}
	post.AddProp(propBridged, "true")
	post.AddProp(propBridgeNotice, "true")
	if _, _, err := m.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to create notice: %w", err)
	}
	return nil
}

// FetchAvatar downloads a user's current profile image.
func (m *MattermostClient) FetchAvatar(ctx context.Context, userID string) ([]byte, error) {
	if !m.IsLoggedIn() {
		return nil, errNotLoggedIn
	}
	data, _, err := m.client.GetProfileImage(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get profile image: %w", err)
	}
	return data, nil
}

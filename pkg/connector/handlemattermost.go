// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// handleEvent converts a Mattermost WebSocket event and hands it to sink.
func (m *MattermostClient) handleEvent(ctx context.Context, evt *model.WebSocketEvent, sink localEventSink) {
	var kind LocalEventKind
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		kind = LocalCreate
	case model.WebsocketEventPostEdited:
		kind = LocalEdit
	case model.WebsocketEventPostDeleted:
		kind = LocalDelete
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}

	post, err := m.parsePostEvent(evt)
	if err != nil {
		m.log.Warn().Err(err).Stringer("kind", kind).Msg("Failed to parse post event")
		return
	}
	if post == nil {
		return
	}

	m.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Stringer("kind", kind).
		Msg("Received post event")

	msg := m.convertPost(ctx, post, kind)
	if err = sink.HandleLocal(ctx, &LocalEvent{Kind: kind, Message: msg}); err != nil {
		m.log.Warn().Err(err).Str("post_id", post.Id).Msg("Failed to handle post event")
	}
}

// parsePostEvent extracts and validates a post from a posted, edited, or
// deleted event, applying all echo prevention layers. Returns (nil, nil) to
// skip silently, (nil, err) to log an error, or (post, nil) to proceed.
func (m *MattermostClient) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts, which covers everything relayed in.
	if post.UserId == m.userID {
		return nil, nil
	}

	// Echo prevention: skip posts carrying the bridge marker.
	if isBridgePost(&post) {
		m.log.Debug().Str("post_id", post.Id).Msg("Skipping bridge post (echo prevention)")
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Echo prevention: skip posts from usernames matching known bridge patterns.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, m.botPrefix) {
		m.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

// convertPost builds the relay's view of a post. Author and attachment
// lookups that fail degrade to what the post itself carries.
func (m *MattermostClient) convertPost(ctx context.Context, post *model.Post, kind LocalEventKind) *LocalMessage {
	msg := &LocalMessage{
		ID:        post.Id,
		ChannelID: post.ChannelId,
		Author:    LocalAuthor{ID: post.UserId},
		Content:   post.Message,
	}
	if kind == LocalDelete {
		return msg
	}
	msg.Author = m.resolveAuthor(ctx, post.UserId)
	for _, fileID := range post.FileIds {
		link, _, err := m.client.GetFileLink(ctx, fileID)
		if err != nil {
			m.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get public file link")
			continue
		}
		msg.Attachments = append(msg.Attachments, link)
	}
	return msg
}

func (m *MattermostClient) resolveAuthor(ctx context.Context, userID string) LocalAuthor {
	author := LocalAuthor{ID: userID}
	user, _, err := m.client.GetUser(ctx, userID, "")
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to get post author")
		return author
	}
	author.Username = user.Username
	author.Nickname = user.Nickname
	author.AvatarRef = m.avatarRef(user)
	return author
}

// avatarRef identifies a user's current profile image. Mattermost bumps
// LastPictureUpdate on every upload, so the ref changes with the picture.
func (m *MattermostClient) avatarRef(user *model.User) string {
	return fmt.Sprintf("%s/api/v4/users/%s/image?_=%d", m.serverURL, user.Id, user.LastPictureUpdate)
}

func isBridgePost(post *model.Post) bool {
	return post.GetProp(propBridged) != nil
}

// isBridgeUsername returns true if the username belongs to a known bridge
// infrastructure bot that should never be relayed. It checks against
// hardcoded bridge usernames and an optional configurable prefix.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "sbs-bridge":
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

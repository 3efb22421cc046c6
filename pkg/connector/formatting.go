// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"
)

// zeroWidthSpace is used both as the placeholder for empty messages and as
// the separator that defuses mentions.
const zeroWidthSpace = "\u200b"

// escapeMentions inserts a zero-width space after every '@' that is not
// already followed by one, so relayed text can never trigger @channel, @all,
// or @here. Applying it twice gives the same result as applying it once.
func escapeMentions(text string) string {
	if !strings.Contains(text, "@") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 8)
	for i := 0; i < len(text); i++ {
		b.WriteByte(text[i])
		if text[i] == '@' && !strings.HasPrefix(text[i+1:], zeroWidthSpace) {
			b.WriteString(zeroWidthSpace)
		}
	}
	return b.String()
}

// nonEmpty replaces text that is blank after trimming with a single
// zero-width space. Neither platform accepts an empty post.
func nonEmpty(text string) string {
	if strings.TrimSpace(text) == "" {
		return zeroWidthSpace
	}
	return text
}

// formatOutgoing renders a Mattermost post for SBS: the message followed by
// one "!<url>" line per attachment, which 12y markup renders as an image.
func formatOutgoing(content string, attachments []string) string {
	lines := make([]string, 0, len(attachments)+1)
	if content != "" {
		lines = append(lines, content)
	}
	for _, url := range attachments {
		lines = append(lines, "!"+url)
	}
	return nonEmpty(strings.Join(lines, "\n"))
}

// formatIncoming renders SBS comment text for Mattermost.
func formatIncoming(text string) string {
	return escapeMentions(nonEmpty(text))
}

// outgoingName picks the name shown on SBS for a new Mattermost post.
func outgoingName(author LocalAuthor) string {
	if author.Nickname != "" {
		return author.Nickname
	}
	return author.Username
}

// editName picks the name for a re-sent edit, preferring the live identity
// and falling back to what was stored with the original comment.
func editName(author LocalAuthor, stored bridgeIdentity) string {
	for _, name := range []string{author.Nickname, author.Username, stored.BridgeName, stored.Nickname} {
		if name != "" {
			return name
		}
	}
	return ""
}

// bridgeIdentity is the name part of a comment's settings header.
type bridgeIdentity struct {
	BridgeName string
	Nickname   string
}

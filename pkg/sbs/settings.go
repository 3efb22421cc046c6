// Copyright 2024-2026 Aiku AI

package sbs

import (
	"encoding/json"
	"strings"
)

const (
	// MarkupPlain is the markup tag assumed for content without a
	// parseable settings header.
	MarkupPlain = "t"
	// Markup12y is the markup tag the bridge stamps on outgoing comments.
	Markup12y = "12y"
)

// Settings is the metadata header prefixed onto comment content. SBS has no
// native field for a bridged display name or avatar, so every bridge writes
// them as a single JSON line ahead of the text.
type Settings struct {
	// Markup is the markup dialect of the text. It is always encoded, even
	// when empty, because its presence is what marks a valid header.
	Markup string `json:"m"`
	// BridgeName is the display username chosen by the bridge endpoint.
	BridgeName string `json:"b,omitempty"`
	// Nickname is an optional nickname fallback.
	Nickname string `json:"n,omitempty"`
	// Avatar is the SBS file id of a bridged avatar, 0 if none.
	Avatar int64 `json:"a,omitempty"`
}

// EncodeContent serializes settings and text into the wire form
// "<settings-json>\n<text>".
func EncodeContent(settings Settings, text string) string {
	header, err := json.Marshal(settings)
	if err != nil {
		// Settings only holds strings and an integer.
		panic(err)
	}
	return string(header) + "\n" + text
}

// DecodeContent splits wire content into its settings header and text. It
// never fails: content without a valid header is returned whole as text with
// the plain markup tag.
func DecodeContent(content string) (Settings, string) {
	idx := strings.IndexByte(content, '\n')
	if idx < 0 {
		return Settings{Markup: MarkupPlain}, content
	}
	settings, ok := parseSettings(content[:idx])
	if !ok {
		return Settings{Markup: MarkupPlain}, content
	}
	return settings, content[idx+1:]
}

func parseSettings(header string) (Settings, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "{") {
		return Settings{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(header), &fields); err != nil {
		return Settings{}, false
	}
	if _, ok := fields["m"]; !ok {
		return Settings{}, false
	}
	var settings Settings
	if err := json.Unmarshal([]byte(header), &settings); err != nil {
		return Settings{}, false
	}
	return settings, true
}

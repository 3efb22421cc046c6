// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// Post props the bridge sets on everything it writes to Mattermost.
const (
	propOverrideUsername = "override_username"
	propOverrideIconURL  = "override_icon_url"
	propFromWebhook      = "from_webhook"
	// propBridged marks a post as bridge-written for echo prevention.
	propBridged      = "from_sbs_bridge"
	propBridgeNotice = "sbs_bridge_notice"
)

// ParseRoomID parses an SBS room id as written by users, with or without a
// leading '#'.
func ParseRoomID(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid room id %q: %w", s, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid room id %q: must be positive", s)
	}
	return id, nil
}

// FormatRoomID is the inverse of ParseRoomID.
func FormatRoomID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ValidChannelID reports whether s looks like a Mattermost channel id.
// Snowflake-style numeric ids are accepted too, so bindings restored from
// older state files stay valid.
func ValidChannelID(s string) bool {
	if model.IsValidId(s) {
		return true
	}
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

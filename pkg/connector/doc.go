// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Mattermost-SmileBASIC Source bridge.
//
// Each bound Mattermost channel is paired with one SBS room. Posts, edits,
// and deletes flow both ways; a per-pair correlation cache remembers which
// post mirrors which comment so edits and deletes can follow. Pairs whose
// counterpart has aged out of the cache simply drop the update.
//
// # Core Types
//
// [Bridge] owns every component and supervises the Mattermost event loop,
// the SBS ingestion loop, the state snapshot loop, and the admin API.
//
// [Registry] maps channels to rooms and owns one [CorrelationCache] per
// [ChannelPair].
//
// [Relay] converts between the two platforms. Comments carry the sender's
// display name and avatar in a JSON settings header, see [sbs.Settings].
//
// [MattermostClient] is the single bridge account on Mattermost. It posts
// relayed comments with override_username and override_icon_url props.
//
// [AvatarBridge] uploads Mattermost profile pictures to SBS once per
// picture.
//
// # Echo Prevention
//
// The bridge ignores its own Mattermost user, posts carrying its marker
// prop, system messages, and usernames matching the configured bot prefix.
// On the SBS side the listeners drop comments authored by the bridge
// account. These layers must not be simplified or removed.
package connector

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-Slack puppeting bridge using the
// mautrix bridgev2 framework.
//
// Each login holds a Slack user token. Messages the user sends from Matrix
// are posted to Slack as that user, and everything happening in the user's
// Slack conversations is relayed to Matrix through ghosts.
//
// # Core Types
//
// [SlackConnector] implements [bridgev2.NetworkConnector] and manages the
// bridge lifecycle, configuration and the token login flow.
//
// [SlackClient] represents an authenticated Slack user session. It owns a
// [slackrtm.Session] for real-time events, the session's directory cache
// and a reconnect scheduler, and performs Web API calls for channel sync,
// message sending and backfill.
//
// # Echo Prevention
//
// Messages, edits and deletions sent from Matrix are recorded in a bounded
// LRU keyed by conversation and timestamp. The matching RTM echo is dropped
// once and the key forgotten.
//
// # Sub-packages
//
//   - directory caches Slack users, conversations and bots.
//   - slackrtm drives the RTM connection and normalizes its events.
//   - slackfmt converts Slack mrkdwn to Markdown and Matrix HTML.
//   - matrixfmt converts Matrix HTML to Slack mrkdwn.
package connector

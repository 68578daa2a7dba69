// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-slackpuppet is a Matrix-Slack puppeting bridge built on
// the mautrix bridgev2 framework. Each Matrix user logs in with their own
// Slack token and their Slack conversations are mirrored into Matrix rooms.
package main

import (
	"maunium.net/go/mautrix/bridgev2/matrix/mxmain"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var m = mxmain.BridgeMain{
	Name:        "mautrix-slackpuppet",
	URL:         "https://github.com/aiku/mautrix-slackpuppet",
	Description: "A Matrix-Slack puppeting bridge",
	Version:     "0.1.0",

	Connector: &connector.SlackConnector{},
}

func main() {
	m.InitVersion(Tag, Commit, BuildTime)
	m.Run()
}

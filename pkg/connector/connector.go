// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"os"
	"time"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/id"
)

// SlackConnector implements bridgev2.NetworkConnector for Slack.
type SlackConnector struct {
	Bridge *bridgev2.Bridge
	Config Config
}

var _ bridgev2.NetworkConnector = (*SlackConnector)(nil)

func (sc *SlackConnector) Init(bridge *bridgev2.Bridge) {
	sc.Bridge = bridge
}

func (sc *SlackConnector) Start(ctx context.Context) error {
	if err := sc.Config.PostProcess(); err != nil {
		return fmt.Errorf("failed to post-process config: %w", err)
	}
	go sc.autoLogin(ctx)
	return nil
}

// autoLogin checks for SLACK_AUTO_TOKEN and SLACK_AUTO_OWNER_MXID env vars
// and performs an automatic login if no existing logins are found.
func (sc *SlackConnector) autoLogin(ctx context.Context) {
	token := os.Getenv("SLACK_AUTO_TOKEN")
	ownerMXID := os.Getenv("SLACK_AUTO_OWNER_MXID")
	if token == "" || ownerMXID == "" {
		return
	}

	// Wait for the bridge framework to finish loading existing logins.
	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}

	existingUsers, err := sc.Bridge.DB.UserLogin.GetAllUserIDsWithLogins(ctx)
	if err != nil {
		sc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to check existing logins")
		return
	}
	if len(existingUsers) > 0 {
		sc.Bridge.Log.Info().Int("count", len(existingUsers)).Msg("Existing logins found, skipping auto-login")
		return
	}

	sc.Bridge.Log.Info().Str("owner", ownerMXID).Msg("Performing auto-login")

	user, err := sc.Bridge.GetUserByMXID(ctx, id.UserID(ownerMXID))
	if err != nil {
		sc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to get bridge user")
		return
	}
	result, err := validateTokenLogin(ctx, sc.newAPI(token), sc.Config.TeamDomain)
	if err != nil {
		sc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to verify token")
		return
	}
	ul, err := sc.createLogin(ctx, user, token, result)
	if err != nil {
		sc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to create login")
		return
	}
	ul.Client.Connect(ctx)

	sc.Bridge.Log.Info().
		Str("user_id", result.UserID).
		Str("team", result.Team).
		Msg("Auto-login complete")
}

func (sc *SlackConnector) LoadUserLogin(_ context.Context, login *bridgev2.UserLogin) error {
	login.Client = NewSlackClient(login, sc)
	return nil
}

func (sc *SlackConnector) GetName() bridgev2.BridgeName {
	return bridgev2.BridgeName{
		DisplayName:      "Slack",
		NetworkURL:       "https://slack.com",
		NetworkIcon:      "mxc://maunium.net/slack",
		NetworkID:        "slack",
		BeeperBridgeType: "slack",
		DefaultPort:      29335,
	}
}

func (sc *SlackConnector) GetDBMetaTypes() database.MetaTypes {
	return database.MetaTypes{
		UserLogin: func() any {
			return &UserLoginMetadata{}
		},
	}
}

func (sc *SlackConnector) GetCapabilities() *bridgev2.NetworkGeneralCapabilities {
	return &bridgev2.NetworkGeneralCapabilities{
		DisappearingMessages: false,
		AggressiveUpdateInfo: false,
	}
}

func (sc *SlackConnector) GetBridgeInfoVersion() (info, capabilities int) {
	return 1, 1
}

// UserLoginMetadata stores Slack-specific login data.
type UserLoginMetadata struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	TeamID   string `json:"team_id"`
	TeamName string `json:"team_name"`
	TeamURL  string `json:"team_url"`
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	bridgematrix "maunium.net/go/mautrix/bridgev2/matrix"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackfmt"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackrtm"
)

// remoteEventSender is an interface for queuing remote events. This allows
// tests to inject a mock instead of requiring a full bridgev2.Bridge.
type remoteEventSender interface {
	QueueRemoteEvent(login *bridgev2.UserLogin, evt bridgev2.RemoteEvent)
}

// bridgeEventSender is the production implementation that delegates to the bridge.
type bridgeEventSender struct {
	bridge *bridgev2.Bridge
}

func (b *bridgeEventSender) QueueRemoteEvent(login *bridgev2.UserLogin, evt bridgev2.RemoteEvent) {
	b.bridge.QueueRemoteEvent(login, evt)
}

// matrixIdentity maps Slack ids to bridge ghosts and back.
type matrixIdentity interface {
	GhostMXID(userID networkid.UserID) id.UserID
	ParseGhostMXID(mxid id.UserID) (networkid.UserID, bool)
	ServerName() string
	// EnsureRoomAlias points a room alias at a portal room, replacing a
	// stale target.
	EnsureRoomAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error
}

// bridgeIdentity is the production matrixIdentity backed by the bridge's
// Matrix connector.
type bridgeIdentity struct {
	bridge *bridgev2.Bridge
}

func (b *bridgeIdentity) GhostMXID(userID networkid.UserID) id.UserID {
	return b.bridge.Matrix.GhostIntent(userID).GetMXID()
}

func (b *bridgeIdentity) ParseGhostMXID(mxid id.UserID) (networkid.UserID, bool) {
	return b.bridge.Matrix.ParseGhostMXID(mxid)
}

func (b *bridgeIdentity) ServerName() string {
	return b.bridge.Matrix.ServerName()
}

func (b *bridgeIdentity) EnsureRoomAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	mx, ok := b.bridge.Matrix.(*bridgematrix.Connector)
	if !ok {
		return fmt.Errorf("room aliases are not supported by %T", b.bridge.Matrix)
	}
	resp, err := mx.Bot.ResolveAlias(ctx, alias)
	switch {
	case err == nil && resp.RoomID == roomID:
		return nil
	case err == nil:
		if _, err = mx.Bot.DeleteAlias(ctx, alias); err != nil {
			return fmt.Errorf("failed to remove stale alias: %w", err)
		}
	case !errors.Is(err, mautrix.MNotFound):
		return fmt.Errorf("failed to resolve alias: %w", err)
	}
	if _, err = mx.Bot.CreateAlias(ctx, alias, roomID); err != nil {
		return fmt.Errorf("failed to create alias: %w", err)
	}
	return nil
}

// slackAPI is the part of the Slack Web API the client uses. *slack.Client
// implements it.
type slackAPI interface {
	slackrtm.WebAPI
	GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channel, messageTimestamp string) (string, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

// SlackClient represents a single authenticated Slack user connection.
type SlackClient struct {
	connector   *SlackConnector
	userLogin   *bridgev2.UserLogin
	eventSender remoteEventSender
	matrix      matrixIdentity
	httpClient  *http.Client

	api         slackAPI
	directory   *directory.Cache
	session     *slackrtm.Session
	reconnector *slackrtm.Reconnector
	translator  *slackfmt.Translator

	// echoes holds keys of messages, edits and deletions this client sent,
	// so their RTM echo is not bridged back.
	echoes *lru.Cache
	// aliases maps minted room aliases back to conversation ids.
	aliases *lru.Cache
	// published holds aliases already pointed at their portal room.
	published *lru.Cache

	userID   string
	teamID   string
	teamName string

	ctx      context.Context
	cancel   context.CancelFunc
	loopOnce sync.Once
	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var (
	_ bridgev2.NetworkAPI                  = (*SlackClient)(nil)
	_ bridgev2.EditHandlingNetworkAPI      = (*SlackClient)(nil)
	_ bridgev2.RedactionHandlingNetworkAPI = (*SlackClient)(nil)
	_ bridgev2.TypingHandlingNetworkAPI    = (*SlackClient)(nil)
)

// NewSlackClient creates a new client from an existing user login.
func NewSlackClient(login *bridgev2.UserLogin, connector *SlackConnector) *SlackClient {
	log := login.Log.With().Str("component", "slack_client").Logger()
	sc := newSlackClient(connector, &bridgeEventSender{bridge: connector.Bridge}, &bridgeIdentity{bridge: connector.Bridge}, log)
	sc.userLogin = login
	if meta := getLoginMeta(login); meta != nil {
		sc.restore(meta)
	}
	return sc
}

func newSlackClient(connector *SlackConnector, sender remoteEventSender, matrix matrixIdentity, log zerolog.Logger) *SlackClient {
	ctx, cancel := context.WithCancel(log.WithContext(context.Background()))
	sc := &SlackClient{
		connector:   connector,
		eventSender: sender,
		matrix:      matrix,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
		stopChan:    make(chan struct{}),
		log:         log,
	}
	size := connector.Config.echoCacheSize()
	// lru.New only fails for non-positive sizes.
	sc.echoes, _ = lru.New(size)
	sc.aliases, _ = lru.New(size)
	sc.published, _ = lru.New(size)
	sc.translator = slackfmt.New(
		&translationContext{client: sc},
		slackfmt.WithNotifyPolicy(connector.Config.notifyPolicy()),
		slackfmt.WithEmojiAliases(connector.Config.EmojiAliases),
	)
	return sc
}

// restore loads identity and credentials from login metadata.
func (s *SlackClient) restore(meta *UserLoginMetadata) {
	s.userID = meta.UserID
	s.teamID = meta.TeamID
	s.teamName = meta.TeamName
	if meta.Token != "" {
		client := s.connector.newAPI(meta.Token)
		s.setAPI(client, slackrtm.NewRTMDialer(client))
	}
}

// setAPI wires the Web API and real-time stream into a fresh directory and
// session.
func (s *SlackClient) setAPI(api slackAPI, dial slackrtm.Dialer) {
	s.api = api
	s.directory = directory.New(
		slackrtm.NewFetcher(api),
		s.connector.Config.lookupsPerMinute(),
		s.log.With().Str("component", "slack_directory").Logger(),
	)
	s.session = slackrtm.NewSession(api, dial, s.directory, s.log.With().Str("component", "slack_rtm").Logger())
	s.reconnector = slackrtm.NewReconnector(
		s.connector.Config.reconnectDelay(),
		s.connectSession,
		s.handleReconnectError,
		s.log,
	)
}

// Connect implements bridgev2.NetworkAPI. It does not return an error;
// connection errors are reported via BridgeState.
func (s *SlackClient) Connect(ctx context.Context) {
	if s.session == nil {
		s.log.Warn().Msg("Client not initialized, login first")
		s.sendState(status.StateBadCredentials, "slack-not-logged-in", "Not logged in to Slack")
		return
	}
	s.loopOnce.Do(func() {
		go s.runEventLoop()
	})

	s.log.Info().Str("team_id", s.teamID).Msg("Connecting to Slack")
	if err := s.connectSession(ctx); err != nil {
		if errors.Is(err, slackrtm.ErrAlreadyConnected) {
			s.log.Debug().Msg("Slack session already connected")
		}
		// Other failures surface through UnableToStartEvent.
	}
}

func (s *SlackClient) connectSession(ctx context.Context) error {
	if err := s.session.Connect(ctx); err != nil {
		return err
	}
	go s.syncChannels(s.ctx)
	return nil
}

func (s *SlackClient) handleReconnectError(err error) {
	if isAuthError(err) {
		// Already reported as unable to start.
		return
	}
	s.sendState(status.StateUnknownError, "slack-reconnect-failed", fmt.Sprintf("reconnect failed: %v", err))
}

func (s *SlackClient) sendState(state status.BridgeStateEvent, code, message string) {
	if s.userLogin == nil {
		return
	}
	s.userLogin.BridgeState.Send(status.BridgeState{
		StateEvent: state,
		Error:      status.BridgeStateErrorCode(code),
		Message:    message,
	})
}

// isAuthError reports whether err means the token is no longer usable.
func isAuthError(err error) bool {
	if errors.Is(err, slackrtm.ErrInvalidAuth) {
		return true
	}
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		switch slackErr.Err {
		case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
			return true
		}
	}
	return false
}

func (s *SlackClient) runEventLoop() {
	events := s.session.Events()
	for {
		select {
		case <-s.stopChan:
			return
		case evt := <-events:
			s.handleEvent(evt)
		}
	}
}

// syncChannels queues a ChatResync for every conversation the user belongs
// to so the bridge creates portal rooms in Matrix.
func (s *SlackClient) syncChannels(ctx context.Context) {
	channels := s.directory.Channels()
	synced := 0
	for _, ch := range channels {
		if !ch.Member {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		chatInfo, err := s.channelToChatInfo(ctx, ch)
		if err != nil {
			s.log.Warn().Err(err).Str("channel_id", ch.ID).Msg("Failed to build chat info")
			continue
		}

		var checkBackfill func(ctx context.Context, latestMessage *database.Message) (bool, error)
		if s.connector.Config.BackfillEnabled {
			checkBackfill = func(_ context.Context, latestMessage *database.Message) (bool, error) {
				return latestMessage == nil, nil
			}
		}

		channelID, channelName := ch.ID, ch.Name
		s.eventSender.QueueRemoteEvent(s.userLogin, &simplevent.ChatResync{
			EventMeta: simplevent.EventMeta{
				Type:      bridgev2.RemoteEventChatResync,
				PortalKey: makePortalKey(channelID),
				LogContext: func(c zerolog.Context) zerolog.Context {
					return c.Str("channel_id", channelID).Str("channel_name", channelName)
				},
				CreatePortal:   true,
				PostHandleFunc: s.publishRoomAlias,
			},
			ChatInfo:               chatInfo,
			CheckNeedsBackfillFunc: checkBackfill,
		})
		synced++
	}
	s.log.Info().Int("count", synced).Msg("Channel sync complete")
}

// Disconnect closes the RTM connection and stops the client's event loop.
func (s *SlackClient) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.cancel()
	})
	if s.session != nil {
		s.session.Close()
	}
}

// IsLoggedIn reports whether the client holds a Slack session.
func (s *SlackClient) IsLoggedIn() bool {
	return s.api != nil
}

func (s *SlackClient) LogoutRemote(_ context.Context) {
	s.Disconnect()
}

// IsThisUser reports whether the given network user ID matches this client's Slack user.
func (s *SlackClient) IsThisUser(_ context.Context, userID networkid.UserID) bool {
	return ParseUserID(userID) == s.userID
}

func (s *SlackClient) GetChatInfo(ctx context.Context, portal *bridgev2.Portal) (*bridgev2.ChatInfo, error) {
	if !s.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}
	channelID := ParsePortalID(portal.ID)
	ch, ok := s.directory.LookupChannel(ctx, channelID)
	if !ok {
		return nil, fmt.Errorf("failed to get channel info: unknown conversation %s", channelID)
	}
	return s.channelToChatInfo(ctx, ch)
}

func (s *SlackClient) GetUserInfo(ctx context.Context, ghost *bridgev2.Ghost) (*bridgev2.UserInfo, error) {
	if !s.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}
	slackID := ParseUserID(ghost.ID)
	if isBotID(slackID) {
		bot, ok := s.directory.LookupBot(ctx, slackID)
		if !ok {
			return nil, fmt.Errorf("failed to get bot info: unknown bot %s", slackID)
		}
		return s.botToUserInfo(bot), nil
	}
	user := s.directory.LookupUser(ctx, slackID)
	if user.Unknown {
		return nil, fmt.Errorf("failed to get user info: unknown user %s", slackID)
	}
	return s.slackUserToUserInfo(user), nil
}

func (s *SlackClient) GetCapabilities(_ context.Context, _ *bridgev2.Portal) *event.RoomFeatures {
	return &event.RoomFeatures{
		Formatting: event.FormattingFeatureMap{
			event.FmtBold:          event.CapLevelFullySupported,
			event.FmtItalic:        event.CapLevelFullySupported,
			event.FmtStrikethrough: event.CapLevelFullySupported,
			event.FmtInlineCode:    event.CapLevelFullySupported,
			event.FmtCodeBlock:     event.CapLevelFullySupported,
			event.FmtBlockquote:    event.CapLevelFullySupported,
			event.FmtInlineLink:    event.CapLevelFullySupported,
			event.FmtUserLink:      event.CapLevelFullySupported,
			event.FmtUnorderedList: event.CapLevelFullySupported,
			event.FmtOrderedList:   event.CapLevelFullySupported,
		},
		MaxTextLength:       40000,
		Reply:               event.CapLevelFullySupported,
		Thread:              event.CapLevelFullySupported,
		Edit:                event.CapLevelFullySupported,
		Delete:              event.CapLevelFullySupported,
		TypingNotifications: true,
	}
}

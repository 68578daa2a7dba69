// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackfmt"
)

// translationContext gives both translators access to the client's directory
// and Matrix identities.
type translationContext struct {
	client *SlackClient
}

var (
	_ slackfmt.Resolver  = (*translationContext)(nil)
	_ matrixfmt.Resolver = (*translationContext)(nil)
)

func (t *translationContext) LookupUser(ctx context.Context, idOrName string) directory.User {
	if t.client.directory == nil {
		return directory.UnknownUser(idOrName)
	}
	return t.client.directory.LookupUser(ctx, idOrName)
}

func (t *translationContext) LookupChannel(ctx context.Context, channelID string) (directory.Channel, bool) {
	if t.client.directory == nil {
		return directory.Channel{}, false
	}
	return t.client.directory.LookupChannel(ctx, channelID)
}

// RoomReference mints the canonical room alias of a Slack conversation and
// remembers it for the reverse direction.
func (t *translationContext) RoomReference(channelID string) string {
	alias := t.client.roomAlias(channelID)
	t.client.aliases.Add(alias, channelID)
	return alias
}

func (t *translationContext) SelfUserID() string {
	return t.client.userID
}

func (t *translationContext) IsSelf(mxid id.UserID) bool {
	return t.client.userLogin != nil && mxid == t.client.userLogin.UserMXID
}

func (t *translationContext) GhostUserID(mxid id.UserID) (string, bool) {
	userID, ok := t.client.matrix.ParseGhostMXID(mxid)
	if !ok {
		return "", false
	}
	return ParseUserID(userID), true
}

func (t *translationContext) ChannelForAlias(alias string) (string, bool) {
	v, ok := t.client.aliases.Get(alias)
	if !ok {
		return "", false
	}
	channelID, ok := v.(string)
	return channelID, ok
}

func (t *translationContext) ServicePrefix() string {
	return aliasPrefix(t.client.teamID)
}

// aliasPrefix is the localpart prefix of room aliases minted for a team.
func aliasPrefix(teamID string) string {
	return "slack_" + strings.ToLower(teamID) + "_"
}

// roomAlias returns the room alias minted for a Slack conversation.
func (s *SlackClient) roomAlias(channelID string) string {
	return fmt.Sprintf("#%s%s:%s", aliasPrefix(s.teamID), strings.ToLower(channelID), s.matrix.ServerName())
}

// publishRoomAlias points the conversation's minted alias at its portal room
// once the room exists, so channel links rendered in Matrix resolve.
func (s *SlackClient) publishRoomAlias(ctx context.Context, portal *bridgev2.Portal) {
	if portal == nil || portal.MXID == "" || s.teamID == "" {
		return
	}
	channelID := ParsePortalID(portal.ID)
	alias := s.roomAlias(channelID)
	if target, ok := s.published.Get(alias); ok && target == portal.MXID {
		return
	}
	if err := s.matrix.EnsureRoomAlias(ctx, id.RoomAlias(alias), portal.MXID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("alias", alias).
			Stringer("room_id", portal.MXID).
			Msg("Failed to publish room alias")
		return
	}
	s.aliases.Add(alias, channelID)
	s.published.Add(alias, portal.MXID)
}

// resolveMention binds a pending mention to the puppet's own Matrix account
// or to the sender's ghost.
func (s *SlackClient) resolveMention(pm slackfmt.PendingMention) slackfmt.Mention {
	if pm.User.Unknown {
		return slackfmt.LiteralMention(pm)
	}
	if pm.UserID == s.userID && s.userLogin != nil {
		return slackfmt.Mention{Text: s.mentionName(pm), MXID: s.userLogin.UserMXID}
	}
	return slackfmt.Mention{
		Text: s.mentionName(pm),
		MXID: s.matrix.GhostMXID(MakeUserID(pm.UserID)),
	}
}

func (s *SlackClient) mentionName(pm slackfmt.PendingMention) string {
	name := s.connector.Config.FormatDisplayname(DisplaynameParams{
		Name:     pm.User.Name,
		RealName: pm.User.RealName,
		ID:       pm.User.ID,
		IsBot:    pm.User.IsBot,
	})
	if name == "" {
		return pm.Label
	}
	return name
}

// parseSlackText converts Slack mrkdwn to Matrix message content. A failing
// translation falls back to the raw text.
func (s *SlackClient) parseSlackText(ctx context.Context, text string) (parsed *slackfmt.ParsedMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Msg("Slack message translation panicked")
			parsed = &slackfmt.ParsedMessage{Body: text}
		}
	}()
	return slackfmt.Render(s.translator.Parse(ctx, text), s.resolveMention)
}

// parseMatrixContent converts Matrix message content to Slack mrkdwn. A
// failing translation falls back to the plain body.
func (s *SlackClient) parseMatrixContent(ctx context.Context, content *event.MessageEventContent) (text string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Msg("Matrix message translation panicked")
			text = matrixfmt.Escape(content.Body)
		}
	}()
	return matrixfmt.Parse(ctx, content, &translationContext{client: s})
}

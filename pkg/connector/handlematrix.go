// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/matrixfmt"
)

// HandleMatrixMessage handles a message sent from Matrix to Slack.
func (s *SlackClient) HandleMatrixMessage(ctx context.Context, msg *bridgev2.MatrixMessage) (*bridgev2.MatrixMessageResponse, error) {
	if !s.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}

	channelID := ParsePortalID(msg.Portal.ID)
	content := msg.Content

	var text string
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text = s.parseMatrixContent(ctx, content)
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		// Slack file uploads need a separate upload flow; post the caption
		// or file name instead.
		text = content.Body
		if text == "" {
			text = content.GetFileName()
		}
		text = matrixfmt.Escape(text)
	default:
		return nil, fmt.Errorf("unsupported message type: %s", content.MsgType)
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(true),
	}
	if content.MsgType == event.MsgEmote {
		opts = append(opts, slack.MsgOptionMeMessage())
	}
	if threadTS := threadTimestamp(msg); threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, ts, err := s.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to post message: %w", err)
	}
	s.recordEcho(messageEchoKey(channelID, ts))

	return &bridgev2.MatrixMessageResponse{
		DB: &database.Message{
			ID:        MakeMessageID(channelID, ts),
			SenderID:  MakeUserID(s.userID),
			Timestamp: parseSlackTS(ts),
		},
	}, nil
}

// threadTimestamp returns the Slack thread a Matrix message belongs to.
func threadTimestamp(msg *bridgev2.MatrixMessage) string {
	target := msg.ThreadRoot
	if target == nil {
		target = msg.ReplyTo
	}
	if target == nil {
		return ""
	}
	_, ts, ok := ParseMessageID(target.ID)
	if !ok {
		return ""
	}
	return ts
}

// HandleMatrixEdit handles an edit sent from Matrix.
func (s *SlackClient) HandleMatrixEdit(ctx context.Context, msg *bridgev2.MatrixEdit) error {
	if !s.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	channelID, ts, ok := ParseMessageID(msg.EditTarget.ID)
	if !ok {
		return fmt.Errorf("failed to edit message: invalid message ID %q", msg.EditTarget.ID)
	}
	text := s.parseMatrixContent(ctx, msg.Content)

	s.recordEcho(editEchoKey(channelID, ts))
	if _, _, _, err := s.api.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(text, false)); err != nil {
		s.echoes.Remove(editEchoKey(channelID, ts))
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// HandleMatrixMessageRemove handles a message deletion from Matrix.
func (s *SlackClient) HandleMatrixMessageRemove(ctx context.Context, msg *bridgev2.MatrixMessageRemove) error {
	if !s.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	channelID, ts, ok := ParseMessageID(msg.TargetMessage.ID)
	if !ok {
		return fmt.Errorf("failed to delete message: invalid message ID %q", msg.TargetMessage.ID)
	}

	s.recordEcho(deleteEchoKey(channelID, ts))
	if _, _, err := s.api.DeleteMessageContext(ctx, channelID, ts); err != nil {
		s.echoes.Remove(deleteEchoKey(channelID, ts))
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// HandleMatrixTyping sends a typing indicator to Slack. Slack has no way to
// stop typing, so only starts are forwarded.
func (s *SlackClient) HandleMatrixTyping(_ context.Context, msg *bridgev2.MatrixTyping) error {
	if !s.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}
	if !msg.IsTyping {
		return nil
	}

	channelID := ParsePortalID(msg.Portal.ID)
	s.session.SendTyping(channelID)
	return nil
}

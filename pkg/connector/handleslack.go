// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackrtm"
)

const (
	stateDisconnectedMessage = "disconnected, will try to reconnect in a minute"

	// Slack subtypes that carry no user content.
	subtypeChannelJoin    = "channel_join"
	subtypeChannelLeave   = "channel_leave"
	subtypeChannelTopic   = "channel_topic"
	subtypeChannelPurpose = "channel_purpose"
	subtypeChannelName    = "channel_name"
	subtypeMeMessage      = "me_message"
)

// handleEvent dispatches a normalized session event to the appropriate handler.
func (s *SlackClient) handleEvent(evt slackrtm.Event) {
	switch e := evt.(type) {
	case slackrtm.ConnectedEvent:
		s.log.Info().Str("user_id", e.Self.ID).Msg("Connected to Slack")
		s.sendState(status.StateConnected, "", "")
	case slackrtm.DisconnectedEvent:
		s.log.Warn().Err(e.Cause).Msg("Disconnected from Slack")
		s.sendState(status.StateTransientDisconnect, "slack-disconnected", stateDisconnectedMessage)
		s.reconnector.Schedule(s.ctx)
	case slackrtm.UnableToStartEvent:
		s.handleUnableToStart(e)
	case slackrtm.MessageEvent:
		s.handleMessage(e)
	case slackrtm.MessageDeletedEvent:
		s.handleMessageDeleted(e)
	case slackrtm.TypingEvent:
		s.handleTyping(e)
	case slackrtm.RenameEvent:
		s.handleRename(e)
	default:
		s.log.Trace().Type("event_type", evt).Msg("Unhandled event type")
	}
}

func (s *SlackClient) handleUnableToStart(e slackrtm.UnableToStartEvent) {
	s.log.Error().Err(e.Err).Msg("Unable to start Slack session")
	message := fmt.Sprintf("unable to start: %v", e.Err)
	if isAuthError(e.Err) {
		s.sendState(status.StateBadCredentials, "slack-invalid-auth", message)
		return
	}
	s.sendState(status.StateUnknownError, "slack-unable-to-start", message)
}

// skipMessage reports whether a message event must not reach Matrix.
func (s *SlackClient) skipMessage(e slackrtm.MessageEvent) bool {
	switch e.SubType {
	case subtypeChannelJoin, subtypeChannelLeave, subtypeChannelTopic, subtypeChannelPurpose, subtypeChannelName:
		return true
	}
	if e.Edit {
		return s.consumeEcho(editEchoKey(e.ChannelID, e.TargetTimestamp))
	}
	return s.consumeEcho(messageEchoKey(e.ChannelID, e.Timestamp))
}

// messageSender returns the ghost a Slack message is attributed to.
func (s *SlackClient) messageSender(e slackrtm.MessageEvent) bridgev2.EventSender {
	if e.UserID == "" && e.BotID != "" {
		return bridgev2.EventSender{Sender: MakeUserID(e.BotID)}
	}
	return bridgev2.EventSender{
		IsFromMe: e.UserID == s.userID,
		Sender:   MakeUserID(e.UserID),
	}
}

func (s *SlackClient) handleMessage(e slackrtm.MessageEvent) {
	if s.skipMessage(e) {
		return
	}

	s.log.Debug().
		Str("ts", e.Timestamp).
		Str("channel_id", e.ChannelID).
		Str("user_id", e.UserID).
		Bool("edit", e.Edit).
		Msg("Received message")

	logContext := func(c zerolog.Context) zerolog.Context {
		return c.Str("ts", e.Timestamp).Str("channel_id", e.ChannelID)
	}

	if e.Edit {
		s.eventSender.QueueRemoteEvent(s.userLogin, &simplevent.Message[slackrtm.MessageEvent]{
			EventMeta: simplevent.EventMeta{
				Type:       bridgev2.RemoteEventEdit,
				LogContext: logContext,
				PortalKey:  makePortalKey(e.ChannelID),
				Sender:     s.messageSender(e),
				Timestamp:  parseSlackTS(e.Timestamp),
			},
			TargetMessage: MakeMessageID(e.ChannelID, e.TargetTimestamp),
			Data:          e,
			ConvertEditFunc: func(ctx context.Context, _ *bridgev2.Portal, _ bridgev2.MatrixAPI, existing []*database.Message, data slackrtm.MessageEvent) (*bridgev2.ConvertedEdit, error) {
				return s.convertEditToMatrix(ctx, data, existing), nil
			},
		})
		return
	}

	s.eventSender.QueueRemoteEvent(s.userLogin, &simplevent.Message[slackrtm.MessageEvent]{
		EventMeta: simplevent.EventMeta{
			Type:           bridgev2.RemoteEventMessage,
			LogContext:     logContext,
			PortalKey:      makePortalKey(e.ChannelID),
			Sender:         s.messageSender(e),
			Timestamp:      parseSlackTS(e.Timestamp),
			CreatePortal:   true,
			PostHandleFunc: s.publishRoomAlias,
		},
		ID:   MakeMessageID(e.ChannelID, e.Timestamp),
		Data: e,
		ConvertMessageFunc: func(ctx context.Context, _ *bridgev2.Portal, _ bridgev2.MatrixAPI, data slackrtm.MessageEvent) (*bridgev2.ConvertedMessage, error) {
			return s.convertMessageToMatrix(ctx, data), nil
		},
	})
}

func (s *SlackClient) handleMessageDeleted(e slackrtm.MessageDeletedEvent) {
	if s.consumeEcho(deleteEchoKey(e.ChannelID, e.Timestamp)) {
		return
	}
	s.eventSender.QueueRemoteEvent(s.userLogin, &simplevent.MessageRemove{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventMessageRemove,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("ts", e.Timestamp).Str("channel_id", e.ChannelID)
			},
			PortalKey: makePortalKey(e.ChannelID),
		},
		TargetMessage: MakeMessageID(e.ChannelID, e.Timestamp),
	})
}

func (s *SlackClient) handleTyping(e slackrtm.TypingEvent) {
	if e.UserID == s.userID {
		return
	}
	s.eventSender.QueueRemoteEvent(s.userLogin, &simplevent.Typing{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventTyping,
			PortalKey: makePortalKey(e.ChannelID),
			Sender: bridgev2.EventSender{
				Sender: MakeUserID(e.UserID),
			},
		},
		Timeout: s.connector.Config.typingTimeout(),
	})
}

func (s *SlackClient) handleRename(e slackrtm.RenameEvent) {
	s.log.Debug().
		Str("channel_id", e.ChannelID).
		Str("old_name", e.OldName).
		Str("new_name", e.NewName).
		Msg("Channel renamed")

	name := e.NewName
	s.eventSender.QueueRemoteEvent(s.userLogin, &simplevent.ChatInfoChange{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventChatInfoChange,
			PortalKey: makePortalKey(e.ChannelID),
		},
		ChatInfoChange: &bridgev2.ChatInfoChange{
			ChatInfo: &bridgev2.ChatInfo{Name: &name},
		},
	})
}

// convertMessageToMatrix converts a Slack message to a bridgev2.ConvertedMessage.
func (s *SlackClient) convertMessageToMatrix(ctx context.Context, msg slackrtm.MessageEvent) *bridgev2.ConvertedMessage {
	var parts []*bridgev2.ConvertedMessagePart

	if text := messageText(msg); text != "" {
		parts = append(parts, &bridgev2.ConvertedMessagePart{
			ID:      MakeMessagePartID(0),
			Type:    event.EventMessage,
			Content: s.textContent(ctx, msg.SubType, text),
		})
	}

	for i, f := range msg.Files {
		parts = append(parts, s.convertFileToMatrix(ctx, f, i+1))
	}

	converted := &bridgev2.ConvertedMessage{Parts: parts}
	if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
		converted.ReplyTo = &networkid.MessageOptionalPartID{
			MessageID: MakeMessageID(msg.ChannelID, msg.ThreadTimestamp),
		}
	}
	return converted
}

// convertEditToMatrix converts an edited Slack message to a bridgev2.ConvertedEdit.
func (s *SlackClient) convertEditToMatrix(ctx context.Context, msg slackrtm.MessageEvent, existing []*database.Message) *bridgev2.ConvertedEdit {
	var targetPart *database.Message
	if len(existing) > 0 {
		targetPart = existing[0]
	}
	return &bridgev2.ConvertedEdit{
		ModifiedParts: []*bridgev2.ConvertedEditPart{{
			Part:    targetPart,
			Type:    event.EventMessage,
			Content: s.textContent(ctx, msg.SubType, messageText(msg)),
		}},
	}
}

func (s *SlackClient) textContent(ctx context.Context, subtype, text string) *event.MessageEventContent {
	parsed := s.parseSlackText(ctx, text)
	msgType := event.MsgText
	if subtype == subtypeMeMessage {
		msgType = event.MsgEmote
	}
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
		Mentions:      parsed.Mentions,
	}
}

// messageText joins the message body with its attachment texts.
func messageText(msg slackrtm.MessageEvent) string {
	texts := make([]string, 0, len(msg.Attachments)+1)
	if msg.Text != "" {
		texts = append(texts, msg.Text)
	}
	texts = append(texts, msg.Attachments...)
	return strings.Join(texts, "\n")
}

// convertFileToMatrix renders a shared Slack file as a link. Slack file URLs
// require the session token, so the content is not rehosted.
func (s *SlackClient) convertFileToMatrix(ctx context.Context, f slackrtm.File, partIndex int) *bridgev2.ConvertedMessagePart {
	title := f.Title
	if title == "" {
		title = f.Name
	}
	text := title
	if f.URL != "" {
		text = fmt.Sprintf("<%s|%s>", f.URL, title)
	}
	content := s.textContent(ctx, "", text)
	content.MsgType = event.MsgNotice
	return &bridgev2.ConvertedMessagePart{
		ID:      MakeMessagePartID(partIndex),
		Type:    event.EventMessage,
		Content: content,
		Extra: map[string]any{
			"fi.mau.slack.file_id": f.ID,
		},
	}
}

// consumeEcho reports whether key was recorded by a send from this client,
// forgetting it on the way.
func (s *SlackClient) consumeEcho(key string) bool {
	if !s.echoes.Contains(key) {
		return false
	}
	s.echoes.Remove(key)
	s.log.Debug().Str("echo_key", key).Msg("Skipping own echo")
	return true
}

func (s *SlackClient) recordEcho(key string) {
	s.echoes.Add(key, struct{}{})
}

func messageEchoKey(channelID, ts string) string { return "msg:" + channelID + ":" + ts }
func editEchoKey(channelID, ts string) string    { return "edit:" + channelID + ":" + ts }
func deleteEchoKey(channelID, ts string) string  { return "del:" + channelID + ":" + ts }

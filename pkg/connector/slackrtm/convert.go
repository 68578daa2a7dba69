// Copyright 2024-2026 Aiku AI

package slackrtm

import (
	"github.com/slack-go/slack"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
)

// UserFromSlack converts a Slack API user into a directory record.
func UserFromSlack(u *slack.User) directory.User {
	name := u.Name
	if name == "" {
		name = u.Profile.DisplayName
	}
	realName := u.RealName
	if realName == "" {
		realName = u.Profile.RealName
	}
	return directory.User{
		ID:       u.ID,
		Name:     name,
		RealName: realName,
		IsBot:    u.IsBot,
		Profile: directory.Profile{
			Image72:  u.Profile.Image72,
			Image512: u.Profile.Image512,
		},
	}
}

// BotFromUser extracts the bot behind a Slack bot user. ok is false for
// regular users.
func BotFromUser(u *slack.User) (bot directory.Bot, ok bool) {
	if !u.IsBot || u.Profile.BotID == "" {
		return directory.Bot{}, false
	}
	name := u.RealName
	if name == "" {
		name = u.Name
	}
	return directory.Bot{
		ID:    u.Profile.BotID,
		Name:  name,
		Icons: directory.BotIcons{Image72: u.Profile.Image72},
	}, true
}

// ChannelFromSlack converts a Slack conversation into a directory record.
func ChannelFromSlack(ch *slack.Channel) directory.Channel {
	out := directory.Channel{
		ID:        ch.ID,
		Name:      ch.Name,
		Purpose:   ch.Purpose.Value,
		IsGroupDM: ch.IsMpIM,
		Member:    ch.IsMember || ch.IsIM || ch.IsMpIM,
	}
	if ch.IsIM {
		out.IsDirect = true
		out.PeerUserID = ch.User
	}
	return out
}

// BotFromSlack converts a Slack bot into a directory record.
func BotFromSlack(b *slack.Bot) directory.Bot {
	return directory.Bot{
		ID:    b.ID,
		Name:  b.Name,
		Icons: directory.BotIcons{Image72: b.Icons.Image72},
	}
}

// MessageFromHistory converts a message returned by conversations.history.
func MessageFromHistory(msg *slack.Message, channelID string) MessageEvent {
	return messageFromSlack(&msg.Msg, channelID)
}

func messageFromSlack(msg *slack.Msg, channelID string) MessageEvent {
	out := MessageEvent{
		ChannelID:       channelID,
		UserID:          msg.User,
		BotID:           msg.BotID,
		Username:        msg.Username,
		SubType:         msg.SubType,
		Text:            msg.Text,
		Timestamp:       msg.Timestamp,
		ThreadTimestamp: msg.ThreadTimestamp,
	}
	for _, att := range msg.Attachments {
		text := att.Text
		if text == "" {
			text = att.Fallback
		}
		if text != "" {
			out.Attachments = append(out.Attachments, text)
		}
	}
	for _, f := range msg.Files {
		out.Files = append(out.Files, File{
			ID:       f.ID,
			Name:     f.Name,
			Title:    f.Title,
			Mimetype: f.Mimetype,
			URL:      f.URLPrivate,
		})
	}
	return out
}

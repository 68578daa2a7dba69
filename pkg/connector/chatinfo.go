// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
)

const membersPageSize = 200

// channelToChatInfo converts a Slack conversation to a bridgev2.ChatInfo.
func (s *SlackClient) channelToChatInfo(ctx context.Context, ch directory.Channel) (*bridgev2.ChatInfo, error) {
	chatInfo := &bridgev2.ChatInfo{}

	switch {
	case ch.IsDirect:
		dmType := database.RoomTypeDM
		chatInfo.Type = &dmType
		peer := s.directory.LookupUser(ctx, ch.PeerUserID)
		name := s.connector.Config.FormatDisplayname(DisplaynameParams{
			Name:     peer.Name,
			RealName: peer.RealName,
			ID:       peer.ID,
			IsBot:    peer.IsBot,
		})
		if name == "" {
			name = ch.PeerUserID
		}
		chatInfo.Name = &name
		topic := fmt.Sprintf("Slack Direct Message (Team: %s)", s.teamName)
		chatInfo.Topic = &topic
		memberIDs := []string{s.userID}
		if ch.PeerUserID != "" && ch.PeerUserID != s.userID {
			memberIDs = append(memberIDs, ch.PeerUserID)
		}
		members := s.membersToChatMembers(memberIDs)
		members.OtherUserID = MakeUserID(ch.PeerUserID)
		chatInfo.Members = members
		return chatInfo, nil
	case ch.IsGroupDM:
		groupType := database.RoomTypeGroupDM
		chatInfo.Type = &groupType
	default:
		roomType := database.RoomTypeDefault
		chatInfo.Type = &roomType
	}

	if ch.Name != "" {
		name := ch.Name
		chatInfo.Name = &name
	}
	if ch.Purpose != "" {
		topic := ch.Purpose
		chatInfo.Topic = &topic
	}

	memberIDs, err := s.conversationMembers(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	chatInfo.Members = s.membersToChatMembers(memberIDs)
	return chatInfo, nil
}

// conversationMembers pages through conversations.members.
func (s *SlackClient) conversationMembers(ctx context.Context, channelID string) ([]string, error) {
	var all []string
	cursor := ""
	for {
		ids, next, err := s.api.GetUsersInConversationContext(ctx, &slack.GetUsersInConversationParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     membersPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get members of %s: %w", channelID, err)
		}
		all = append(all, ids...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// membersToChatMembers converts Slack user IDs to a bridgev2 member list.
func (s *SlackClient) membersToChatMembers(userIDs []string) *bridgev2.ChatMemberList {
	memberMap := make(map[networkid.UserID]bridgev2.ChatMember, len(userIDs))
	for _, userID := range userIDs {
		memberMap[MakeUserID(userID)] = bridgev2.ChatMember{
			EventSender: bridgev2.EventSender{
				IsFromMe: userID == s.userID,
				Sender:   MakeUserID(userID),
			},
			Membership: event.MembershipJoin,
		}
	}
	return &bridgev2.ChatMemberList{
		IsFull:           true,
		TotalMemberCount: len(userIDs),
		MemberMap:        memberMap,
	}
}

// slackUserToUserInfo converts a Slack user to a bridgev2.UserInfo.
func (s *SlackClient) slackUserToUserInfo(user directory.User) *bridgev2.UserInfo {
	name := s.connector.Config.FormatDisplayname(DisplaynameParams{
		Name:     user.Name,
		RealName: user.RealName,
		ID:       user.ID,
		IsBot:    user.IsBot,
	})
	isBot := user.IsBot
	info := &bridgev2.UserInfo{
		Identifiers: []string{fmt.Sprintf("slack:%s", user.ID)},
		Name:        &name,
		IsBot:       &isBot,
	}
	if user.Profile.Image512 != "" {
		info.Avatar = s.avatarFromURL(user.Profile.Image512)
	}
	return info
}

// botToUserInfo converts a Slack bot integration to a bridgev2.UserInfo.
func (s *SlackClient) botToUserInfo(bot directory.Bot) *bridgev2.UserInfo {
	name := s.connector.Config.FormatDisplayname(DisplaynameParams{
		Name:  bot.Name,
		ID:    bot.ID,
		IsBot: true,
	})
	isBot := true
	info := &bridgev2.UserInfo{
		Identifiers: []string{fmt.Sprintf("slack:%s", bot.ID)},
		Name:        &name,
		IsBot:       &isBot,
	}
	if bot.Icons.Image72 != "" {
		info.Avatar = s.avatarFromURL(bot.Icons.Image72)
	}
	return info
}

// avatarFromURL builds a lazily downloaded avatar. Slack avatar URLs change
// whenever the picture does, so the URL doubles as the avatar ID.
func (s *SlackClient) avatarFromURL(url string) *bridgev2.Avatar {
	return &bridgev2.Avatar{
		ID: networkid.AvatarID(url),
		Get: func(ctx context.Context) ([]byte, error) {
			return s.downloadAvatar(ctx, url)
		},
	}
}

func (s *SlackClient) downloadAvatar(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build avatar request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download avatar: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

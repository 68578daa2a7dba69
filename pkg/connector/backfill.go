// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sort"

	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/networkid"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackrtm"
)

// Compile-time assertion that SlackClient implements BackfillingNetworkAPI.
var _ bridgev2.BackfillingNetworkAPI = (*SlackClient)(nil)

// Slack caps conversations.history pages at 999, but recommends 200.
const historyPageSize = 200

// FetchMessages implements bridgev2.BackfillingNetworkAPI.
func (s *SlackClient) FetchMessages(ctx context.Context, params bridgev2.FetchMessagesParams) (*bridgev2.FetchMessagesResponse, error) {
	if !s.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}
	channelID := ParsePortalID(params.Portal.ID)

	maxCount := s.connector.Config.backfillMaxCount()
	if params.Count > 0 {
		maxCount = params.Count
	}
	limit := maxCount
	if limit > historyPageSize {
		limit = historyPageSize
	}

	req := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Cursor:    string(params.Cursor),
		Limit:     limit,
	}
	if params.AnchorMessage != nil {
		if _, anchorTS, ok := ParseMessageID(params.AnchorMessage.ID); ok {
			if params.Forward {
				req.Oldest = anchorTS
			} else {
				req.Latest = anchorTS
			}
		}
	}

	history, err := s.api.GetConversationHistoryContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for backfill: %w", err)
	}

	// Slack returns newest first.
	msgs := history.Messages
	sort.Slice(msgs, func(i, j int) bool {
		return parseSlackTS(msgs[i].Timestamp).Before(parseSlackTS(msgs[j].Timestamp))
	})
	if len(msgs) > maxCount {
		msgs = msgs[len(msgs)-maxCount:]
	}

	var messages []*bridgev2.BackfillMessage
	for i := range msgs {
		evt := slackrtm.MessageFromHistory(&msgs[i], channelID)
		if evt.SubType != "" && evt.SubType != subtypeMeMessage && evt.SubType != "bot_message" && evt.SubType != "thread_broadcast" {
			continue
		}
		messages = append(messages, &bridgev2.BackfillMessage{
			ConvertedMessage: s.convertMessageToMatrix(ctx, evt),
			Sender:           s.messageSender(evt),
			ID:               MakeMessageID(channelID, evt.Timestamp),
			Timestamp:        parseSlackTS(evt.Timestamp),
		})
	}

	resp := &bridgev2.FetchMessagesResponse{
		Messages: messages,
		HasMore:  history.HasMore,
		Forward:  params.Forward,
	}
	if history.HasMore && history.ResponseMetaData.NextCursor != "" {
		resp.Cursor = networkid.PaginationCursor(history.ResponseMetaData.NextCursor)
	}
	return resp, nil
}

// Copyright 2024-2026 Aiku AI

package slackrtm

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
)

type fetcher struct {
	api WebAPI
}

// NewFetcher returns a directory.Fetcher that reads single records from the
// Slack Web API.
func NewFetcher(api WebAPI) directory.Fetcher {
	return &fetcher{api: api}
}

func (f *fetcher) FetchUser(ctx context.Context, userID string) (*directory.User, error) {
	u, err := f.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	out := UserFromSlack(u)
	return &out, nil
}

func (f *fetcher) FetchChannel(ctx context.Context, channelID string) (*directory.Channel, error) {
	ch, err := f.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", channelID, err)
	}
	out := ChannelFromSlack(ch)
	return &out, nil
}

func (f *fetcher) FetchBot(ctx context.Context, botID string) (*directory.Bot, error) {
	b, err := f.api.GetBotInfoContext(ctx, slack.GetBotInfoParameters{Bot: botID})
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %s: %w", botID, err)
	}
	out := BotFromSlack(b)
	return &out, nil
}

// Copyright 2024-2026 Aiku AI

package slackrtm

import (
	"github.com/slack-go/slack"
)

// Stream is a single real-time connection attempt.
type Stream interface {
	// ManageConnection blocks while the connection is kept alive.
	ManageConnection()
	Disconnect() error
	Incoming() <-chan slack.RTMEvent
	SendTyping(channelID string)
}

// Dialer creates a fresh Stream for every connect.
type Dialer func() Stream

type rtmStream struct {
	rtm *slack.RTM
}

// NewRTMDialer returns a Dialer backed by the Slack RTM API of client.
func NewRTMDialer(client *slack.Client, opts ...slack.RTMOption) Dialer {
	return func() Stream {
		return &rtmStream{rtm: client.NewRTM(opts...)}
	}
}

func (s *rtmStream) ManageConnection() {
	s.rtm.ManageConnection()
}

func (s *rtmStream) Disconnect() error {
	return s.rtm.Disconnect()
}

func (s *rtmStream) Incoming() <-chan slack.RTMEvent {
	return s.rtm.IncomingEvents
}

func (s *rtmStream) SendTyping(channelID string) {
	s.rtm.SendMessage(s.rtm.NewTypingMessage(channelID))
}

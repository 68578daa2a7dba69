// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackrtm"
)

// mockEventSender captures queued remote events for test assertions.
type mockEventSender struct {
	mu     sync.Mutex
	events []bridgev2.RemoteEvent
}

func (m *mockEventSender) QueueRemoteEvent(_ *bridgev2.UserLogin, evt bridgev2.RemoteEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockEventSender) Events() []bridgev2.RemoteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]bridgev2.RemoteEvent, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockEventSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

const testServerName = "example.com"

// fakeIdentity maps Slack ids to ghosts of the form @slack_<id>:example.com
// and records published room aliases.
type fakeIdentity struct {
	mu       sync.Mutex
	aliases  map[id.RoomAlias]id.RoomID
	fail     bool
	attempts int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{aliases: make(map[id.RoomAlias]id.RoomID)}
}

func (*fakeIdentity) GhostMXID(userID networkid.UserID) id.UserID {
	return id.UserID(fmt.Sprintf("@slack_%s:%s", strings.ToLower(string(userID)), testServerName))
}

func (*fakeIdentity) ParseGhostMXID(mxid id.UserID) (networkid.UserID, bool) {
	localpart, server, err := mxid.Parse()
	if err != nil || server != testServerName || !strings.HasPrefix(localpart, "slack_") {
		return "", false
	}
	return networkid.UserID(strings.ToUpper(strings.TrimPrefix(localpart, "slack_"))), true
}

func (*fakeIdentity) ServerName() string {
	return testServerName
}

func (f *fakeIdentity) EnsureRoomAlias(_ context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail {
		return errFake
	}
	f.aliases[alias] = roomID
	return nil
}

// ResolveAlias returns the room a published alias points at.
func (f *fakeIdentity) ResolveAlias(alias id.RoomAlias) (id.RoomID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.aliases[alias]
	return roomID, ok
}

func (f *fakeIdentity) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// apiCall records a Slack Web API call made during a test.
type apiCall struct {
	Method    string
	ChannelID string
	Timestamp string
}

// fakeSlack is an in-memory Slack Web API. It records calls and serves
// canned responses.
type fakeSlack struct {
	mu    sync.Mutex
	calls []apiCall

	Users    []slack.User
	Channels []slack.Channel
	Bots     map[string]*slack.Bot
	// Members maps conversation ID to member IDs.
	Members map[string][]string
	// MembersPage splits member lists into pages of this size when set.
	MembersPage int
	// History maps conversation ID to the history response.
	History map[string]*slack.GetConversationHistoryResponse
	// PostTS is the timestamp returned by PostMessage.
	PostTS string
	// Fail makes every method with this name fail.
	Fail map[string]bool

	lastHistoryParams *slack.GetConversationHistoryParameters
	lastPostOptions   []slack.MsgOption
}

var _ slackAPI = (*fakeSlack)(nil)

func newFakeSlack() *fakeSlack {
	return &fakeSlack{
		Users: []slack.User{
			{ID: "UME", Name: "me", RealName: "Me Myself"},
			{ID: "U1", Name: "alice", RealName: "Alice Liddell", Profile: slack.UserProfile{Image512: "https://avatars.example/alice_512.png"}},
			{ID: "U2", Name: "bob", RealName: "Bob"},
		},
		Channels: []slack.Channel{
			{GroupConversation: slack.GroupConversation{Conversation: slack.Conversation{ID: "C1"}, Name: "general", Purpose: slack.Purpose{Value: "Company-wide"}}, IsMember: true},
			{GroupConversation: slack.GroupConversation{Conversation: slack.Conversation{ID: "C2"}, Name: "random"}},
			{GroupConversation: slack.GroupConversation{Conversation: slack.Conversation{ID: "D1", IsIM: true, User: "U1"}}},
		},
		Bots:    make(map[string]*slack.Bot),
		Members: map[string][]string{"C1": {"UME", "U1", "U2"}},
		History: make(map[string]*slack.GetConversationHistoryResponse),
		PostTS:  "1700000000.000100",
		Fail:    make(map[string]bool),
	}
}

var errFake = errors.New("fake error")

func (f *fakeSlack) record(method, channelID, ts string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{Method: method, ChannelID: channelID, Timestamp: ts})
	if f.Fail[method] {
		return errFake
	}
	return nil
}

func (f *fakeSlack) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]apiCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeSlack) Called(method string) bool {
	for _, c := range f.Calls() {
		if c.Method == method {
			return true
		}
	}
	return false
}

func (f *fakeSlack) AuthTestContext(_ context.Context) (*slack.AuthTestResponse, error) {
	if err := f.record("auth.test", "", ""); err != nil {
		return nil, err
	}
	return &slack.AuthTestResponse{
		URL:    "https://acme.slack.com/",
		Team:   "Acme",
		User:   "me",
		TeamID: "T1",
		UserID: "UME",
	}, nil
}

func (f *fakeSlack) GetUsersContext(_ context.Context, _ ...slack.GetUsersOption) ([]slack.User, error) {
	if err := f.record("users.list", "", ""); err != nil {
		return nil, err
	}
	return f.Users, nil
}

func (f *fakeSlack) GetConversationsContext(_ context.Context, _ *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	if err := f.record("conversations.list", "", ""); err != nil {
		return nil, "", err
	}
	return f.Channels, "", nil
}

func (f *fakeSlack) GetUserInfoContext(_ context.Context, user string) (*slack.User, error) {
	if err := f.record("users.info", "", ""); err != nil {
		return nil, err
	}
	for i := range f.Users {
		if f.Users[i].ID == user {
			return &f.Users[i], nil
		}
	}
	return nil, slack.SlackErrorResponse{Err: "user_not_found"}
}

func (f *fakeSlack) GetConversationInfoContext(_ context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	if err := f.record("conversations.info", input.ChannelID, ""); err != nil {
		return nil, err
	}
	for i := range f.Channels {
		if f.Channels[i].ID == input.ChannelID {
			return &f.Channels[i], nil
		}
	}
	return nil, slack.SlackErrorResponse{Err: "channel_not_found"}
}

func (f *fakeSlack) GetBotInfoContext(_ context.Context, params slack.GetBotInfoParameters) (*slack.Bot, error) {
	if err := f.record("bots.info", "", ""); err != nil {
		return nil, err
	}
	if bot, ok := f.Bots[params.Bot]; ok {
		return bot, nil
	}
	return nil, slack.SlackErrorResponse{Err: "bot_not_found"}
}

func (f *fakeSlack) GetUsersInConversationContext(_ context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error) {
	if err := f.record("conversations.members", params.ChannelID, ""); err != nil {
		return nil, "", err
	}
	members := f.Members[params.ChannelID]
	if f.MembersPage <= 0 {
		return members, "", nil
	}
	start, _ := strconv.Atoi(params.Cursor)
	end := min(start+f.MembersPage, len(members))
	next := ""
	if end < len(members) {
		next = strconv.Itoa(end)
	}
	return members[start:end], next, nil
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	f.lastPostOptions = options
	f.mu.Unlock()
	if err := f.record("chat.postMessage", channelID, ""); err != nil {
		return "", "", err
	}
	return channelID, f.PostTS, nil
}

func (f *fakeSlack) UpdateMessageContext(_ context.Context, channelID, timestamp string, _ ...slack.MsgOption) (string, string, string, error) {
	if err := f.record("chat.update", channelID, timestamp); err != nil {
		return "", "", "", err
	}
	return channelID, timestamp, "", nil
}

func (f *fakeSlack) DeleteMessageContext(_ context.Context, channel, messageTimestamp string) (string, string, error) {
	if err := f.record("chat.delete", channel, messageTimestamp); err != nil {
		return "", "", err
	}
	return channel, messageTimestamp, nil
}

func (f *fakeSlack) GetConversationHistoryContext(_ context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	f.mu.Lock()
	f.lastHistoryParams = params
	f.mu.Unlock()
	if err := f.record("conversations.history", params.ChannelID, ""); err != nil {
		return nil, err
	}
	if resp, ok := f.History[params.ChannelID]; ok {
		return resp, nil
	}
	return &slack.GetConversationHistoryResponse{}, nil
}

// fakeStream is an RTM stream fed by the test.
type fakeStream struct {
	mu       sync.Mutex
	incoming chan slack.RTMEvent
	typing   []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{incoming: make(chan slack.RTMEvent, 16)}
}

func (f *fakeStream) ManageConnection()               {}
func (f *fakeStream) Disconnect() error               { return nil }
func (f *fakeStream) Incoming() <-chan slack.RTMEvent { return f.incoming }
func (f *fakeStream) SendTyping(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, channelID)
}

func (f *fakeStream) Typing() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.typing...)
}

// newFullTestClient creates a SlackClient backed by a fake Slack API, with a
// populated directory and a mock event sender. The client is considered
// logged in as UME in team T1.
func newFullTestClient(api *fakeSlack) *SlackClient {
	log := zerolog.Nop()
	connector := &SlackConnector{
		Bridge: &bridgev2.Bridge{},
		Config: Config{},
	}
	connector.Bridge.Log = log

	client := newSlackClient(connector, &mockEventSender{}, newFakeIdentity(), log)
	client.userID = "UME"
	client.teamID = "T1"
	client.teamName = "Acme"
	stream := newFakeStream()
	client.setAPI(api, func() slackrtm.Stream { return stream })

	snap := &directory.Snapshot{TeamID: "T1", TeamName: "Acme"}
	for i := range api.Users {
		u := slackrtm.UserFromSlack(&api.Users[i])
		if u.ID == "UME" {
			snap.Self = u
		}
		snap.Users = append(snap.Users, u)
	}
	for i := range api.Channels {
		snap.Channels = append(snap.Channels, slackrtm.ChannelFromSlack(&api.Channels[i]))
	}
	client.directory.Reset(snap)
	return client
}

// newTestSessionWithStream creates a session for sc that dials stream.
func newTestSessionWithStream(sc *SlackClient, api *fakeSlack, stream *fakeStream) *slackrtm.Session {
	return slackrtm.NewSession(api, func() slackrtm.Stream { return stream }, sc.directory, sc.log)
}

// testMock returns the mockEventSender from a test client.
func testMock(sc *SlackClient) *mockEventSender {
	return sc.eventSender.(*mockEventSender)
}

// testIdentity returns the fake Matrix identity of a test client.
func testIdentity(sc *SlackClient) *fakeIdentity {
	return sc.matrix.(*fakeIdentity)
}

// newNotLoggedInClient creates a SlackClient without a Slack session.
func newNotLoggedInClient() *SlackClient {
	log := zerolog.Nop()
	connector := &SlackConnector{
		Bridge: &bridgev2.Bridge{},
		Config: Config{},
	}
	connector.Bridge.Log = log
	client := newSlackClient(connector, &mockEventSender{}, newFakeIdentity(), log)
	client.userID = "UME"
	return client
}

// makeTestPortal creates a minimal bridgev2.Portal for testing.
func makeTestPortal(channelID string) *bridgev2.Portal {
	return &bridgev2.Portal{
		Portal: &database.Portal{
			PortalKey: networkid.PortalKey{
				ID: MakePortalID(channelID),
			},
		},
	}
}

// makeTestMessage creates a database message pointing at a Slack message.
func makeTestMessage(channelID, ts string) *database.Message {
	return &database.Message{ID: MakeMessageID(channelID, ts)}
}

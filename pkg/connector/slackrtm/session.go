// Copyright 2024-2026 Aiku AI

// Package slackrtm runs a Slack real-time session: it authenticates, loads
// the directory snapshot, and turns the raw RTM stream into typed events.
package slackrtm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
)

var (
	// ErrAlreadyConnected is returned by Connect while a session is being
	// established or is live.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrInvalidAuth is reported when Slack rejects the token mid-session.
	ErrInvalidAuth = errors.New("slack rejected the token")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticated
	StateReady
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// WebAPI is the subset of the Slack Web API the session needs. *slack.Client
// implements it.
type WebAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetUsersContext(ctx context.Context, options ...slack.GetUsersOption) ([]slack.User, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetBotInfoContext(ctx context.Context, parameters slack.GetBotInfoParameters) (*slack.Bot, error)
}

var conversationTypes = []string{"public_channel", "private_channel", "mpim", "im"}

const (
	subtypeMessageChanged = "message_changed"
	subtypeMessageDeleted = "message_deleted"
)

const (
	conversationsPageSize = 200
	eventBufferSize       = 64
)

// Session is one Slack login's real-time connection.
type Session struct {
	api  WebAPI
	dial Dialer
	dir  *directory.Cache
	log  zerolog.Logger

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	state  State
	stream Stream
}

// NewSession creates an idle session that loads its snapshot into dir.
func NewSession(api WebAPI, dial Dialer, dir *directory.Cache, log zerolog.Logger) *Session {
	return &Session{
		api:    api,
		dial:   dial,
		dir:    dir,
		log:    log,
		events: make(chan Event, eventBufferSize),
		stop:   make(chan struct{}),
	}
}

// Events returns the channel normalized events are delivered on.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.log.Debug().Stringer("from", prev).Stringer("to", state).Msg("Session state changed")
	}
}

func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.stop:
	}
}

// Connect authenticates, loads the directory snapshot and starts the
// real-time stream. Authentication and bootstrap failures move the session
// to StateFailed and emit UnableToStartEvent.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateAuthenticated, StateReady:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.mu.Unlock()

	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("failed to authenticate: %w", err))
	}
	s.log.Info().
		Str("user_id", auth.UserID).
		Str("team_id", auth.TeamID).
		Str("team", auth.Team).
		Msg("Authenticated with Slack")

	snap, err := s.bootstrap(ctx, auth)
	if err != nil {
		return s.fail(err)
	}
	s.dir.Reset(snap)

	stream := s.dial()
	s.mu.Lock()
	s.stream = stream
	s.state = StateAuthenticated
	s.mu.Unlock()

	go stream.ManageConnection()
	go s.consume(stream)
	return nil
}

func (s *Session) fail(err error) error {
	s.log.Error().Err(err).Msg("Unable to start Slack session")
	s.setState(StateFailed)
	s.emit(UnableToStartEvent{Err: err})
	return err
}

func (s *Session) bootstrap(ctx context.Context, auth *slack.AuthTestResponse) (*directory.Snapshot, error) {
	snap := &directory.Snapshot{
		Self:     directory.User{ID: auth.UserID, Name: auth.User},
		TeamID:   auth.TeamID,
		TeamName: auth.Team,
	}

	users, err := s.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	for i := range users {
		u := UserFromSlack(&users[i])
		snap.Users = append(snap.Users, u)
		if u.ID == auth.UserID {
			snap.Self = u
		}
		if b, ok := BotFromUser(&users[i]); ok {
			snap.Bots = append(snap.Bots, b)
		}
	}

	params := &slack.GetConversationsParameters{
		Types: conversationTypes,
		Limit: conversationsPageSize,
	}
	for {
		channels, cursor, err := s.api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		for i := range channels {
			snap.Channels = append(snap.Channels, ChannelFromSlack(&channels[i]))
		}
		if cursor == "" || cursor == params.Cursor {
			break
		}
		params.Cursor = cursor
	}

	s.log.Debug().
		Int("users", len(snap.Users)).
		Int("channels", len(snap.Channels)).
		Int("bots", len(snap.Bots)).
		Msg("Loaded bootstrap snapshot")
	return snap, nil
}

func (s *Session) consume(stream Stream) {
	for {
		select {
		case <-s.stop:
			return
		case evt, ok := <-stream.Incoming():
			if !ok {
				return
			}
			if !s.handle(stream, evt) {
				return
			}
		}
	}
}

// detach forgets stream if it is still the live one and moves the session
// to state. It reports whether stream was live.
func (s *Session) detach(stream Stream, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != stream {
		return false
	}
	s.stream = nil
	s.state = state
	return true
}

// release stops a detached stream without blocking the caller. slack-go may
// be redialling, so Disconnect only returns once its connection loop reads
// the kill signal. Events delivered meanwhile are dropped.
func (s *Session) release(stream Stream) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := stream.Disconnect(); err != nil {
			s.log.Debug().Err(err).Msg("Detached stream was already closed")
		}
	}()
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-stream.Incoming():
				if !ok {
					return
				}
			}
		}
	}()
}

// handle processes one raw event. It returns false once the stream is
// finished.
func (s *Session) handle(stream Stream, evt slack.RTMEvent) bool {
	switch ev := evt.Data.(type) {
	case *slack.ConnectingEvent:
		s.log.Debug().Int("attempt", ev.Attempt).Msg("Connecting to Slack RTM")
	case *slack.ConnectedEvent:
		s.setState(StateReady)
		s.log.Info().Int("connection_count", ev.ConnectionCount).Msg("Slack RTM connected")
		s.emit(ConnectedEvent{Self: s.dir.Self(), ConnectionCount: ev.ConnectionCount})
	case *slack.ConnectionErrorEvent:
		s.log.Warn().Err(ev.ErrorObj).Int("attempt", ev.Attempt).Msg("Slack RTM connection error")
	case *slack.DisconnectedEvent:
		if ev.Intentional {
			return false
		}
		if !s.detach(stream, StateDisconnected) {
			return false
		}
		s.log.Warn().Err(ev.Cause).Msg("Slack RTM disconnected")
		s.emit(DisconnectedEvent{Cause: ev.Cause})
		s.release(stream)
		return false
	case *slack.InvalidAuthEvent:
		if !s.detach(stream, StateFailed) {
			return false
		}
		s.log.Error().Msg("Slack rejected the token")
		s.emit(UnableToStartEvent{Err: ErrInvalidAuth})
		s.release(stream)
		return false
	case *slack.MessageEvent:
		if out, ok := s.normalizeMessage(ev); ok {
			s.emit(out)
		}
	case *slack.UserTypingEvent:
		s.emit(TypingEvent{ChannelID: ev.Channel, UserID: ev.User})
	case *slack.ChannelRenameEvent:
		s.rename(ev.Channel.ID, ev.Channel.Name)
	case *slack.GroupRenameEvent:
		s.rename(ev.Group.ID, ev.Group.Name)
	case *slack.ChannelJoinedEvent:
		s.upsertChannel(ChannelFromSlack(&ev.Channel))
	case *slack.GroupJoinedEvent:
		s.upsertChannel(ChannelFromSlack(&ev.Channel))
	case *slack.IMCreatedEvent:
		s.upsertChannel(directory.Channel{ID: ev.Channel.ID, PeerUserID: ev.User, Member: true})
	case *slack.UserChangeEvent:
		s.dir.UpsertUser(UserFromSlack(&ev.User))
	case *slack.TeamJoinEvent:
		s.dir.UpsertUser(UserFromSlack(&ev.User))
	case *slack.BotAddedEvent:
		s.dir.UpsertBot(BotFromSlack(&ev.Bot))
	case *slack.BotChangedEvent:
		s.dir.UpsertBot(BotFromSlack(&ev.Bot))
	case *slack.IncomingEventError:
		s.log.Warn().Err(ev.ErrorObj).Msg("Slack RTM read error")
	case *slack.UnmarshallingErrorEvent:
		s.log.Warn().Err(ev.ErrorObj).Msg("Failed to decode Slack RTM event")
	case *slack.AckErrorEvent:
		s.log.Warn().Err(ev.ErrorObj).Int("reply_to", ev.ReplyTo).Msg("Slack RTM rejected a message")
	default:
		s.log.Trace().Str("event_type", evt.Type).Msg("Unhandled RTM event")
	}
	return true
}

// normalizeMessage turns a raw message event into a domain event. It
// returns false for events that should be dropped silently.
func (s *Session) normalizeMessage(ev *slack.MessageEvent) (Event, bool) {
	switch ev.SubType {
	case subtypeMessageChanged:
		if ev.SubMessage == nil {
			return nil, false
		}
		if ev.PreviousMessage != nil && ev.PreviousMessage.Text == ev.SubMessage.Text {
			s.log.Debug().
				Str("channel_id", ev.Channel).
				Str("ts", ev.SubMessage.Timestamp).
				Msg("Ignoring edit without text change")
			return nil, false
		}
		out := messageFromSlack(ev.SubMessage, ev.Channel)
		out.Edit = true
		out.TargetTimestamp = ev.SubMessage.Timestamp
		out.Timestamp = ev.Timestamp
		return out, true
	case subtypeMessageDeleted:
		return MessageDeletedEvent{ChannelID: ev.Channel, Timestamp: ev.DeletedTimestamp}, true
	}
	if ev.Hidden {
		return nil, false
	}
	return messageFromSlack(&ev.Msg, ev.Channel), true
}

func (s *Session) rename(channelID, name string) {
	prev, renamed := s.dir.RenameChannel(channelID, name)
	if !renamed {
		s.log.Debug().Str("channel_id", channelID).Msg("Ignoring rename without name change")
		return
	}
	s.emit(RenameEvent{ChannelID: channelID, OldName: prev, NewName: name})
}

func (s *Session) upsertChannel(ch directory.Channel) {
	prev, renamed := s.dir.UpsertChannel(ch)
	if renamed {
		s.emit(RenameEvent{ChannelID: ch.ID, OldName: prev, NewName: ch.Name})
	}
}

// SendTyping sends a typing indicator on the live stream, if any.
func (s *Session) SendTyping(channelID string) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SendTyping(channelID)
	}
}

// Close stops the session for good. Events are no longer delivered.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.state = StateIdle
	s.mu.Unlock()
	if stream != nil {
		_ = stream.Disconnect()
	}
}

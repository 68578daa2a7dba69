// Copyright 2024-2026 Aiku AI

package slackrtm

import (
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
)

// Event is a normalized Slack event delivered on Session.Events.
type Event interface {
	isEvent()
}

// ConnectedEvent is emitted when the real-time stream is ready.
type ConnectedEvent struct {
	Self            directory.User
	ConnectionCount int
}

// DisconnectedEvent is emitted when a ready session dropped without being
// asked to.
type DisconnectedEvent struct {
	Cause error
}

// UnableToStartEvent is emitted when authentication or bootstrap failed, or
// the token was revoked mid-session.
type UnableToStartEvent struct {
	Err error
}

// File is a file shared along with a message.
type File struct {
	ID       string
	Name     string
	Title    string
	Mimetype string
	URL      string
}

// MessageEvent is a new or edited message.
type MessageEvent struct {
	ChannelID       string
	UserID          string
	BotID           string
	Username        string
	SubType         string
	Text            string
	Timestamp       string
	ThreadTimestamp string
	Attachments     []string
	Files           []File

	// Edit marks a message_changed event. TargetTimestamp is then the
	// timestamp of the edited message.
	Edit            bool
	TargetTimestamp string
}

// MessageDeletedEvent is emitted when a message was deleted.
type MessageDeletedEvent struct {
	ChannelID string
	Timestamp string
}

// TypingEvent is emitted when a user starts typing.
type TypingEvent struct {
	ChannelID string
	UserID    string
}

// RenameEvent is emitted when a channel's name actually changed.
type RenameEvent struct {
	ChannelID string
	OldName   string
	NewName   string
}

func (ConnectedEvent) isEvent()      {}
func (DisconnectedEvent) isEvent()   {}
func (UnableToStartEvent) isEvent()  {}
func (MessageEvent) isEvent()        {}
func (MessageDeletedEvent) isEvent() {}
func (TypingEvent) isEvent()         {}
func (RenameEvent) isEvent()         {}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackfmt"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackrtm"
)

// queuedMessage returns the single queued message event.
func queuedMessage(t *testing.T, sc *SlackClient) *simplevent.Message[slackrtm.MessageEvent] {
	t.Helper()
	events := testMock(sc).Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	msg, ok := events[0].(*simplevent.Message[slackrtm.MessageEvent])
	if !ok {
		t.Fatalf("expected *simplevent.Message, got %T", events[0])
	}
	return msg
}

// convertQueued runs the conversion of the single queued message.
func convertQueued(t *testing.T, sc *SlackClient) *bridgev2.ConvertedMessage {
	t.Helper()
	msg := queuedMessage(t, sc)
	converted, err := msg.ConvertMessageFunc(context.Background(), nil, nil, msg.Data)
	if err != nil {
		t.Fatalf("ConvertMessageFunc: %v", err)
	}
	return converted
}

func TestHandleMessage_QueuesMessage(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())

	sc.handleEvent(slackrtm.MessageEvent{
		ChannelID: "C1",
		UserID:    "U1",
		Text:      "Card moved: *important*",
		Timestamp: "1700000000.000100",
	})

	msg := queuedMessage(t, sc)
	if msg.GetType() != bridgev2.RemoteEventMessage {
		t.Errorf("type: got %v, want RemoteEventMessage", msg.GetType())
	}
	if msg.ID != MakeMessageID("C1", "1700000000.000100") {
		t.Errorf("id: got %q", msg.ID)
	}
	if msg.Sender.Sender != MakeUserID("U1") || msg.Sender.IsFromMe {
		t.Errorf("sender: got %+v", msg.Sender)
	}
	if !msg.CreatePortal {
		t.Error("new messages should create the portal")
	}
	if want := time.Unix(1700000000, 100000); !msg.Timestamp.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", msg.Timestamp, want)
	}

	converted := convertQueued(t, sc)
	if len(converted.Parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(converted.Parts))
	}
	content := converted.Parts[0].Content
	if content.Body != "Card moved: **important**" {
		t.Errorf("body: got %q", content.Body)
	}
	if content.Format != event.FormatHTML {
		t.Errorf("format: got %q, want html", content.Format)
	}
	if !strings.Contains(content.FormattedBody, "<strong>important</strong>") {
		t.Errorf("formatted body: got %q", content.FormattedBody)
	}
}

func TestHandleMessage_FromMe(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "UME", Text: "mine", Timestamp: "1.000001"})

	msg := queuedMessage(t, sc)
	if !msg.Sender.IsFromMe {
		t.Error("message from the logged-in user should be marked IsFromMe")
	}
}

func TestHandleMessage_BotSender(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", BotID: "B1", SubType: "bot_message", Text: "deployed", Timestamp: "1.000001"})

	msg := queuedMessage(t, sc)
	if msg.Sender.Sender != MakeUserID("B1") {
		t.Errorf("sender: got %q, want B1", msg.Sender.Sender)
	}
}

func TestHandleMessage_SkipsMembershipSubtypes(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	for _, subtype := range []string{"channel_join", "channel_leave", "channel_topic", "channel_purpose", "channel_name"} {
		sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "U1", SubType: subtype, Text: "x", Timestamp: "1.000001"})
	}
	if n := len(testMock(sc).Events()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestHandleMessage_SkipsEchoOnce(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.recordEcho(messageEchoKey("C1", "1.000001"))

	evt := slackrtm.MessageEvent{ChannelID: "C1", UserID: "UME", Text: "sent from matrix", Timestamp: "1.000001"}
	sc.handleEvent(evt)
	if n := len(testMock(sc).Events()); n != 0 {
		t.Fatalf("echo should be skipped, got %d events", n)
	}

	sc.handleEvent(evt)
	if n := len(testMock(sc).Events()); n != 1 {
		t.Errorf("echo key should be consumed once, got %d events", n)
	}
}

func TestHandleMessage_Edit(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{
		ChannelID:       "C1",
		UserID:          "U1",
		Text:            "fixed _typo_",
		Timestamp:       "2.000000",
		Edit:            true,
		TargetTimestamp: "1.000001",
	})

	msg := queuedMessage(t, sc)
	if msg.GetType() != bridgev2.RemoteEventEdit {
		t.Fatalf("type: got %v, want RemoteEventEdit", msg.GetType())
	}
	if msg.TargetMessage != MakeMessageID("C1", "1.000001") {
		t.Errorf("target: got %q", msg.TargetMessage)
	}

	existing := []*database.Message{makeTestMessage("C1", "1.000001")}
	edit, err := msg.ConvertEditFunc(context.Background(), nil, nil, existing, msg.Data)
	if err != nil {
		t.Fatalf("ConvertEditFunc: %v", err)
	}
	if len(edit.ModifiedParts) != 1 || edit.ModifiedParts[0].Part != existing[0] {
		t.Fatalf("expected one modified part targeting the existing message, got %+v", edit.ModifiedParts)
	}
	if body := edit.ModifiedParts[0].Content.Body; body != "fixed _typo_" {
		t.Errorf("body: got %q", body)
	}
}

func TestHandleMessage_EditEchoSkipped(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.recordEcho(editEchoKey("C1", "1.000001"))
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "UME", Text: "x", Timestamp: "2.0", Edit: true, TargetTimestamp: "1.000001"})
	if n := len(testMock(sc).Events()); n != 0 {
		t.Errorf("own edit should be skipped, got %d events", n)
	}
}

func TestHandleMessage_Mentions(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "U2", Text: "<@U1> see <#C1> and ask <@U999>", Timestamp: "1.000001"})

	content := convertQueued(t, sc).Parts[0].Content
	ghost := id.UserID("@slack_u1:example.com")
	if content.Mentions == nil || len(content.Mentions.UserIDs) != 1 || content.Mentions.UserIDs[0] != ghost {
		t.Errorf("mentions: got %+v, want [%s]", content.Mentions, ghost)
	}
	if !strings.Contains(content.FormattedBody, "https://matrix.to/#/"+string(ghost)) {
		t.Errorf("formatted body should link the ghost, got %q", content.FormattedBody)
	}
	if !strings.Contains(content.FormattedBody, "#slack_t1_c1:example.com") {
		t.Errorf("formatted body should link the room alias, got %q", content.FormattedBody)
	}
	if !strings.Contains(content.Body, "U999") {
		t.Errorf("unknown user should render literally, got %q", content.Body)
	}

	channelID, ok := (&translationContext{client: sc}).ChannelForAlias("#slack_t1_c1:example.com")
	if !ok || channelID != "C1" {
		t.Errorf("minted alias should map back to C1, got %q, %v", channelID, ok)
	}
}

func TestHandleMessage_ChannelBroadcast(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "U1", Text: "<!channel> meeting now", Timestamp: "1.000001"})

	content := convertQueued(t, sc).Parts[0].Content
	if content.Body != "@room meeting now" {
		t.Errorf("body: got %q", content.Body)
	}
	if content.Mentions == nil || !content.Mentions.Room {
		t.Errorf("room mention expected, got %+v", content.Mentions)
	}
}

func TestHandleMessage_AttachmentsAndFiles(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{
		ChannelID:   "C1",
		UserID:      "U1",
		Text:        "build finished",
		Timestamp:   "1.000001",
		Attachments: []string{"All 42 tests passed"},
		Files: []slackrtm.File{
			{ID: "F1", Title: "report.pdf", URL: "https://files.slack.com/report.pdf"},
		},
	})

	converted := convertQueued(t, sc)
	if len(converted.Parts) != 2 {
		t.Fatalf("expected text and file parts, got %d", len(converted.Parts))
	}
	if body := converted.Parts[0].Content.Body; body != "build finished\nAll 42 tests passed" {
		t.Errorf("text body: got %q", body)
	}
	file := converted.Parts[1]
	if file.ID != MakeMessagePartID(1) {
		t.Errorf("file part id: got %q", file.ID)
	}
	if file.Content.MsgType != event.MsgNotice {
		t.Errorf("file msgtype: got %q", file.Content.MsgType)
	}
	if !strings.Contains(file.Content.FormattedBody, `href="https://files.slack.com/report.pdf"`) {
		t.Errorf("file link: got %q", file.Content.FormattedBody)
	}
	if file.Extra["fi.mau.slack.file_id"] != "F1" {
		t.Errorf("file id extra: got %v", file.Extra)
	}
}

func TestHandleMessage_ThreadReply(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "U1", Text: "reply", Timestamp: "2.000000", ThreadTimestamp: "1.000001"})

	converted := convertQueued(t, sc)
	if converted.ReplyTo == nil || converted.ReplyTo.MessageID != MakeMessageID("C1", "1.000001") {
		t.Errorf("reply target: got %+v", converted.ReplyTo)
	}
}

func TestHandleMessage_ThreadRootIsNotReply(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "U1", Text: "root", Timestamp: "1.000001", ThreadTimestamp: "1.000001"})

	if converted := convertQueued(t, sc); converted.ReplyTo != nil {
		t.Errorf("thread root should not be a reply, got %+v", converted.ReplyTo)
	}
}

func TestHandleMessage_MeMessage(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageEvent{ChannelID: "C1", UserID: "U1", SubType: "me_message", Text: "waves", Timestamp: "1.000001"})

	if mt := convertQueued(t, sc).Parts[0].Content.MsgType; mt != event.MsgEmote {
		t.Errorf("msgtype: got %q, want m.emote", mt)
	}
}

func TestHandleMessageDeleted(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.MessageDeletedEvent{ChannelID: "C1", Timestamp: "1.000001"})

	events := testMock(sc).Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	remove, ok := events[0].(*simplevent.MessageRemove)
	if !ok {
		t.Fatalf("expected *simplevent.MessageRemove, got %T", events[0])
	}
	if remove.TargetMessage != MakeMessageID("C1", "1.000001") {
		t.Errorf("target: got %q", remove.TargetMessage)
	}
}

func TestHandleMessageDeleted_EchoSkipped(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.recordEcho(deleteEchoKey("C1", "1.000001"))
	sc.handleEvent(slackrtm.MessageDeletedEvent{ChannelID: "C1", Timestamp: "1.000001"})
	if n := len(testMock(sc).Events()); n != 0 {
		t.Errorf("own deletion should be skipped, got %d events", n)
	}
}

func TestHandleTyping(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.TypingEvent{ChannelID: "C1", UserID: "U1"})

	events := testMock(sc).Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	typing, ok := events[0].(*simplevent.Typing)
	if !ok {
		t.Fatalf("expected *simplevent.Typing, got %T", events[0])
	}
	if typing.Timeout != 5*time.Second {
		t.Errorf("timeout: got %v, want 5s", typing.Timeout)
	}
	if typing.Sender.Sender != MakeUserID("U1") {
		t.Errorf("sender: got %q", typing.Sender.Sender)
	}
}

func TestHandleTyping_Self(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.TypingEvent{ChannelID: "C1", UserID: "UME"})
	if n := len(testMock(sc).Events()); n != 0 {
		t.Errorf("own typing should be skipped, got %d events", n)
	}
}

func TestHandleTyping_ConfiguredTimeout(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.connector.Config.TypingTimeout = 12
	sc.handleEvent(slackrtm.TypingEvent{ChannelID: "C1", UserID: "U1"})

	typing := testMock(sc).Events()[0].(*simplevent.Typing)
	if typing.Timeout != 12*time.Second {
		t.Errorf("timeout: got %v, want 12s", typing.Timeout)
	}
}

func TestHandleRename(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.handleEvent(slackrtm.RenameEvent{ChannelID: "C1", OldName: "general", NewName: "announcements"})

	events := testMock(sc).Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	change, ok := events[0].(*simplevent.ChatInfoChange)
	if !ok {
		t.Fatalf("expected *simplevent.ChatInfoChange, got %T", events[0])
	}
	if change.ChatInfoChange == nil || change.ChatInfoChange.ChatInfo == nil || *change.ChatInfoChange.ChatInfo.Name != "announcements" {
		t.Errorf("unexpected change: %+v", change.ChatInfoChange)
	}
	if change.GetPortalKey() != makePortalKey("C1") {
		t.Errorf("portal: got %+v", change.GetPortalKey())
	}
}

func TestHandleDisconnected_SchedulesReconnect(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	t.Cleanup(sc.Disconnect)

	sc.handleEvent(slackrtm.DisconnectedEvent{})
	if !sc.reconnector.Pending() {
		t.Error("a reconnect should be pending after an unexpected disconnect")
	}

	sc.handleEvent(slackrtm.DisconnectedEvent{})
	if !sc.reconnector.Pending() {
		t.Error("reconnect should still be pending")
	}
}

func TestHandleUnableToStart_NoLogin(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	// Without a user login the state is only logged.
	sc.handleEvent(slackrtm.UnableToStartEvent{Err: slackrtm.ErrInvalidAuth})
	sc.handleEvent(slackrtm.ConnectedEvent{})
	if n := len(testMock(sc).Events()); n != 0 {
		t.Errorf("state events must not queue remote events, got %d", n)
	}
}

// panickingResolver fails every lookup with a panic.
type panickingResolver struct{}

func (panickingResolver) LookupUser(context.Context, string) directory.User {
	panic("lookup failed")
}

func (panickingResolver) LookupChannel(context.Context, string) (directory.Channel, bool) {
	panic("lookup failed")
}

func (panickingResolver) RoomReference(string) string {
	panic("lookup failed")
}

func TestParseSlackText_RecoversFromPanic(t *testing.T) {
	t.Parallel()
	sc := newFullTestClient(newFakeSlack())
	sc.translator = slackfmt.New(panickingResolver{})

	parsed := sc.parseSlackText(context.Background(), "raw <@U1>")
	if parsed.Body != "raw <@U1>" {
		t.Errorf("fallback body: got %q", parsed.Body)
	}
	if parsed.FormattedBody != "" {
		t.Errorf("fallback should carry no HTML, got %q", parsed.FormattedBody)
	}
}

func TestMessageText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  slackrtm.MessageEvent
		want string
	}{
		{"text only", slackrtm.MessageEvent{Text: "hi"}, "hi"},
		{"attachments only", slackrtm.MessageEvent{Attachments: []string{"a", "b"}}, "a\nb"},
		{"both", slackrtm.MessageEvent{Text: "hi", Attachments: []string{"a"}}, "hi\na"},
		{"empty", slackrtm.MessageEvent{}, ""},
	}
	for _, tt := range tests {
		if got := messageText(tt.msg); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

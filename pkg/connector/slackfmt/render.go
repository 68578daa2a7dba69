// Copyright 2024-2026 Aiku AI

package slackfmt

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ParsedMessage holds the result of converting a Slack message to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
	Mentions      *event.Mentions
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps(), gmhtml.WithXHTML()),
)

// ToHTML renders Markdown to Matrix HTML. A message that renders to a single
// paragraph is returned without the wrapping <p>.
func ToHTML(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return html.EscapeString(md)
	}
	out := strings.TrimSpace(buf.String())
	if strings.HasPrefix(out, "<p>") && strings.HasSuffix(out, "</p>") && strings.Count(out, "<p>") == 1 {
		out = out[len("<p>") : len(out)-len("</p>")]
	}
	return out
}

// Render finalizes msg into Matrix message content. Plain messages without
// formatting or resolved mentions carry no HTML body.
func Render(msg *Message, resolve MentionResolver) *ParsedMessage {
	if resolve == nil {
		resolve = LiteralMention
	}
	var userIDs []id.UserID
	seen := make(map[id.UserID]struct{})
	final := func(pm PendingMention) Mention {
		m := resolve(pm)
		if m.MXID != "" {
			if _, ok := seen[m.MXID]; !ok {
				seen[m.MXID] = struct{}{}
				userIDs = append(userIDs, m.MXID)
			}
		}
		return m
	}
	md := msg.Markdown(final)
	parsed := &ParsedMessage{
		Body: html.UnescapeString(msg.Plain(resolve)),
	}
	if len(userIDs) > 0 || msg.MentionsRoom {
		parsed.Mentions = &event.Mentions{UserIDs: userIDs, Room: msg.MentionsRoom}
	}
	if msg.Rich {
		parsed.Format = event.FormatHTML
		parsed.FormattedBody = ToHTML(md)
	}
	return parsed
}

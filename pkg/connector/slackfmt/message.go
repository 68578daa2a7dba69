// Copyright 2024-2026 Aiku AI

package slackfmt

import (
	"strings"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
	"maunium.net/go/mautrix/id"
)

// PermalinkPrefix is the prefix of matrix.to permalinks.
const PermalinkPrefix = "https://matrix.to/#/"

// Permalink builds a matrix.to link for a room alias, room id or user id.
func Permalink(ref string) string {
	return PermalinkPrefix + ref
}

// PendingMention is a user mention whose Matrix identity is bound only when
// the message is finalized.
type PendingMention struct {
	UserID string
	Label  string
	// User is the directory record resolved while parsing. User.Unknown is
	// set when the id could not be resolved.
	User directory.User
}

// Mention is a finalized mention. An empty MXID renders Text literally.
type Mention struct {
	Text string
	MXID id.UserID
}

// MentionResolver binds a pending mention to its final form.
type MentionResolver func(PendingMention) Mention

// LiteralMention renders every mention as its raw Slack id.
func LiteralMention(pm PendingMention) Mention {
	return Mention{Text: pm.UserID}
}

type node struct {
	text    string
	mention *PendingMention
}

// Message is the intermediate form of a translated Slack message: Markdown
// text interleaved with pending mentions.
type Message struct {
	nodes []node

	// MentionsRoom is set when the message contained a notify marker that
	// maps to a room-wide mention.
	MentionsRoom bool
	// Rich is set when the message contains Markdown formatting, links or
	// mentions.
	Rich bool
}

func (m *Message) appendText(text string) {
	if text == "" {
		return
	}
	if n := len(m.nodes); n > 0 && m.nodes[n-1].mention == nil {
		m.nodes[n-1].text += text
		return
	}
	m.nodes = append(m.nodes, node{text: text})
}

func (m *Message) appendMention(pm PendingMention) {
	m.nodes = append(m.nodes, node{mention: &pm})
}

// Mentions returns the pending mentions in message order.
func (m *Message) Mentions() []PendingMention {
	var out []PendingMention
	for _, n := range m.nodes {
		if n.mention != nil {
			out = append(out, *n.mention)
		}
	}
	return out
}

var linkLabelEscaper = strings.NewReplacer(`\`, `\\`, "[", `\[`, "]", `\]`)

// Markdown finalizes the message. A nil resolver renders mentions literally.
func (m *Message) Markdown(resolve MentionResolver) string {
	if resolve == nil {
		resolve = LiteralMention
	}
	var sb strings.Builder
	for _, n := range m.nodes {
		if n.mention == nil {
			sb.WriteString(n.text)
			continue
		}
		mention := resolve(*n.mention)
		if mention.MXID == "" {
			sb.WriteString(mention.Text)
			continue
		}
		sb.WriteByte('[')
		sb.WriteString(linkLabelEscaper.Replace(mention.Text))
		sb.WriteString("](")
		sb.WriteString(Permalink(string(mention.MXID)))
		sb.WriteByte(')')
	}
	return sb.String()
}

// Plain finalizes the message with mentions rendered as their text only.
func (m *Message) Plain(resolve MentionResolver) string {
	if resolve == nil {
		resolve = LiteralMention
	}
	var sb strings.Builder
	for _, n := range m.nodes {
		if n.mention == nil {
			sb.WriteString(n.text)
		} else {
			sb.WriteString(resolve(*n.mention).Text)
		}
	}
	return sb.String()
}

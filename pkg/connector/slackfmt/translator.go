// Copyright 2024-2026 Aiku AI

// Package slackfmt converts Slack mrkdwn to Markdown and Matrix HTML.
//
// Parsing is a single left-to-right scan. Tags (<...>) take priority over
// emphasis, block code over inline code. Emphasis delimiters only convert
// when they sit on a whitespace or text boundary on both sides, so that
// snake_case identifiers and arithmetic survive untouched.
package slackfmt

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
)

// Resolver gives the translator read access to the directory and mints
// canonical Matrix room references for Slack channels.
type Resolver interface {
	LookupUser(ctx context.Context, idOrName string) directory.User
	LookupChannel(ctx context.Context, id string) (directory.Channel, bool)
	RoomReference(channelID string) string
}

// NotifyPolicy maps Slack broadcast commands (channel, here, everyone) to the
// text emitted in their place. An empty value keeps the command as plain
// text without pinging the room.
type NotifyPolicy map[string]string

// DefaultNotifyPolicy maps every broadcast to a room mention.
func DefaultNotifyPolicy() NotifyPolicy {
	return NotifyPolicy{
		"channel":  "@room",
		"here":     "@room",
		"everyone": "@room",
	}
}

// Translator converts Slack mrkdwn to Markdown.
type Translator struct {
	resolver     Resolver
	notify       NotifyPolicy
	emojiAliases map[string]string
}

// Option configures a Translator.
type Option func(*Translator)

// WithNotifyPolicy overrides the broadcast mapping.
func WithNotifyPolicy(p NotifyPolicy) Option {
	return func(t *Translator) {
		if len(p) > 0 {
			t.notify = p
		}
	}
}

// WithEmojiAliases adds short-code aliases checked before the built-in table.
func WithEmojiAliases(aliases map[string]string) Option {
	return func(t *Translator) {
		t.emojiAliases = aliases
	}
}

// New creates a translator. resolver may be nil, in which case channel
// references render as raw ids and every user is unknown.
func New(resolver Resolver, opts ...Option) *Translator {
	t := &Translator{
		resolver: resolver,
		notify:   DefaultNotifyPolicy(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Parse converts raw mrkdwn into the intermediate message form.
func (t *Translator) Parse(ctx context.Context, raw string) *Message {
	s := &scanner{t: t, ctx: ctx, msg: &Message{}}
	s.parse(raw)
	return s.msg
}

// Translate converts raw mrkdwn to Markdown, rendering mentions as raw ids.
func (t *Translator) Translate(ctx context.Context, raw string) string {
	return t.Parse(ctx, raw).Markdown(nil)
}

type scanner struct {
	t   *Translator
	ctx context.Context
	msg *Message
}

func (s *scanner) parse(text string) {
	var buf strings.Builder
	flush := func() {
		s.msg.appendText(buf.String())
		buf.Reset()
	}
	for i := 0; i < len(text); {
		switch text[i] {
		case '<':
			if end, ok := tagEnd(text, i); ok {
				flush()
				s.tag(text[i+1 : end])
				i = end + 1
				continue
			}
		case '[':
			if end, ok := linkEnd(text, i); ok {
				buf.WriteString(text[i:end])
				i = end
				continue
			}
		case '`':
			if strings.HasPrefix(text[i:], "```") {
				if end, ok := closing(text, i, "```", false); ok {
					flush()
					s.msg.Rich = true
					s.msg.appendText("```\n" + strings.TrimSpace(text[i+3:end]) + "\n```")
					i = end + 3
					continue
				}
			}
			if end, ok := closing(text, i, "`", false); ok {
				flush()
				s.msg.Rich = true
				s.msg.appendText(text[i : end+1])
				i = end + 1
				continue
			}
		case '*':
			if end, ok := closing(text, i, "*", true); ok {
				flush()
				s.emphasis("**", text[i+1:end])
				i = end + 1
				continue
			}
		case '_':
			if end, ok := closing(text, i, "_", true); ok {
				flush()
				s.emphasis("_", text[i+1:end])
				i = end + 1
				continue
			}
		case '~':
			if end, ok := closing(text, i, "~", true); ok {
				flush()
				s.emphasis("~~", text[i+1:end])
				i = end + 1
				continue
			}
		case ':':
			if name, end, ok := emojiAt(text, i); ok {
				if e := s.t.lookupEmoji(name); e != "" {
					buf.WriteString(e)
					i = end + 1
					continue
				}
				buf.WriteString(text[i:end])
				i = end
				continue
			}
		}
		buf.WriteByte(text[i])
		i++
	}
	flush()
}

func (s *scanner) emphasis(marker, inner string) {
	s.msg.Rich = true
	s.msg.appendText(marker)
	s.parse(inner)
	s.msg.appendText(marker)
}

func (s *scanner) tag(payload string) {
	switch payload[0] {
	case '!':
		command, label := splitLabel(payload[1:])
		base, _, _ := strings.Cut(command, "^")
		if token, ok := s.t.notify[base]; ok {
			if token == "" {
				s.msg.appendText("@" + base)
			} else {
				s.msg.MentionsRoom = true
				s.msg.appendText(token)
			}
			return
		}
		if label != "" {
			s.msg.appendText(label)
		} else {
			s.msg.appendText(command)
		}
	case '#':
		channelID, _ := splitLabel(payload[1:])
		if s.t.resolver != nil {
			if ch, ok := s.t.resolver.LookupChannel(s.ctx, channelID); ok && ch.Name != "" {
				s.msg.Rich = true
				s.msg.appendText("[" + linkLabelEscaper.Replace(ch.Name) + "](" + Permalink(s.t.resolver.RoomReference(channelID)) + ")")
				return
			}
		}
		s.msg.appendText(channelID)
	case '@':
		userID, label := splitLabel(payload[1:])
		user := directory.UnknownUser(userID)
		if s.t.resolver != nil {
			user = s.t.resolver.LookupUser(s.ctx, userID)
		}
		s.msg.Rich = true
		s.msg.appendMention(PendingMention{UserID: userID, Label: label, User: user})
	default:
		target, label := splitLabel(payload)
		if label == "" {
			label = target
		}
		s.msg.Rich = true
		s.msg.appendText("[" + linkLabelEscaper.Replace(label) + "](" + linkTargetEscaper.Replace(target) + ")")
	}
}

func splitLabel(payload string) (value, label string) {
	value, label, _ = strings.Cut(payload, "|")
	return value, label
}

// tagEnd finds the '>' closing a tag opened at i. Tags never span lines and
// never nest.
func tagEnd(text string, i int) (int, bool) {
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '>':
			return j, j > i+1
		case '<', '\n':
			return 0, false
		}
	}
	return 0, false
}

// markdownLinkRe matches a rendered Markdown link. Labels are written with
// linkLabelEscaper and targets with linkTargetEscaper, so neither can end
// early.
var markdownLinkRe = regexp.MustCompile(`^\[(?:\\.|[^\]\\\n])*\]\([^)\n]*\)`)

var linkTargetEscaper = strings.NewReplacer(")", "%29", " ", "%20")

// linkEnd returns the end of a Markdown link starting at i. Its label is
// copied verbatim so a second pass over rendered output changes nothing.
func linkEnd(text string, i int) (int, bool) {
	loc := markdownLinkRe.FindStringIndex(text[i:])
	if loc == nil {
		return 0, false
	}
	return i + loc[1], true
}

// closing finds the delimiter closing the one opened at open, applying the
// boundary rule on both sides and rejecting empty content. skipTags makes
// the search step over <...> tags and rendered links.
func closing(text string, open int, delim string, skipTags bool) (int, bool) {
	if !boundaryBefore(text, open) {
		return 0, false
	}
	start := open + len(delim)
	for j := start; j < len(text); {
		if skipTags && text[j] == '<' {
			if end, ok := tagEnd(text, j); ok {
				j = end + 1
				continue
			}
		}
		if skipTags && text[j] == '[' {
			if end, ok := linkEnd(text, j); ok {
				j = end
				continue
			}
		}
		if strings.HasPrefix(text[j:], delim) {
			if j == start || !boundaryAfter(text, j+len(delim)) {
				return 0, false
			}
			return j, true
		}
		j++
	}
	return 0, false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return unicode.IsSpace(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(r)
}

// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/directory"
	"maunium.net/go/mautrix/id"
)

// Resolver maps Matrix identities back to Slack ids.
type Resolver interface {
	// SelfUserID is the Slack id of the logged-in puppet.
	SelfUserID() string
	IsSelf(mxid id.UserID) bool
	// GhostUserID returns the Slack id behind a bridge ghost.
	GhostUserID(mxid id.UserID) (string, bool)
	// ChannelForAlias returns the Slack channel a room alias was minted for.
	ChannelForAlias(alias string) (string, bool)
	// ServicePrefix is the localpart prefix of minted room aliases, such as
	// "slack_t0123_".
	ServicePrefix() string

	LookupUser(ctx context.Context, idOrName string) directory.User
	LookupChannel(ctx context.Context, id string) (directory.Channel, bool)
}

var permalinkRe = regexp.MustCompile(`\[([^\]]*)\]\(https://matrix\.to/#/([^)\s]+)\)`)

// controlEscaper escapes the characters Slack treats as markup for links,
// mentions and entities.
var controlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape escapes text for posting to Slack verbatim.
func Escape(text string) string {
	return controlEscaper.Replace(text)
}

// Translate rewrites matrix.to permalinks in Markdown text to Slack
// references. All other text is escaped, so only the references produced
// here reach Slack as control sequences.
func Translate(ctx context.Context, text string, r Resolver) string {
	matches := permalinkRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return controlEscaper.Replace(text)
	}
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(controlEscaper.Replace(text[last:m[0]]))
		label := text[m[2]:m[3]]
		fragment := text[m[4]:m[5]]
		sb.WriteString(resolvePermalink(ctx, label, fragment, r))
		last = m[1]
	}
	sb.WriteString(controlEscaper.Replace(text[last:]))
	return sb.String()
}

func resolvePermalink(ctx context.Context, label, fragment string, r Resolver) string {
	fragment, _, _ = strings.Cut(fragment, "?")
	if unescaped, err := url.PathUnescape(fragment); err == nil {
		fragment = unescaped
	}
	if fragment == "" {
		return controlEscaper.Replace(label)
	}
	switch fragment[0] {
	case '@':
		if r != nil {
			if slackID, ok := userForMXID(ctx, id.UserID(fragment), r); ok {
				return "<@" + slackID + ">"
			}
		}
	case '#':
		if r != nil {
			if channelID, ok := channelForAlias(ctx, fragment, r); ok {
				return "<#" + channelID + ">"
			}
		}
	default:
		return controlEscaper.Replace(label)
	}
	return controlEscaper.Replace(fragment)
}

func userForMXID(ctx context.Context, mxid id.UserID, r Resolver) (string, bool) {
	if r.IsSelf(mxid) {
		self := r.SelfUserID()
		return self, self != ""
	}
	slackID, ok := r.GhostUserID(mxid)
	if !ok || slackID == "" {
		return "", false
	}
	if u := r.LookupUser(ctx, slackID); u.Unknown {
		return "", false
	}
	return slackID, true
}

func channelForAlias(ctx context.Context, alias string, r Resolver) (string, bool) {
	if channelID, ok := r.ChannelForAlias(alias); ok {
		if _, known := r.LookupChannel(ctx, channelID); known {
			return channelID, true
		}
	}
	localpart, _, _ := strings.Cut(strings.TrimPrefix(alias, "#"), ":")
	prefix := strings.ToLower(r.ServicePrefix())
	if prefix == "" || !strings.HasPrefix(strings.ToLower(localpart), prefix) {
		return "", false
	}
	channelID := strings.ToUpper(localpart[len(prefix):])
	if channelID == "" {
		return "", false
	}
	if _, known := r.LookupChannel(ctx, channelID); !known {
		return "", false
	}
	return channelID, true
}

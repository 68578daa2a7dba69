// Copyright 2024-2026 Aiku AI

package slackfmt

import (
	"github.com/kenshaw/emoji"
)

// defaultEmojiAliases maps Slack short-codes to the names used by the emoji
// table when they differ.
var defaultEmojiAliases = map[string]string{
	"+1":                    "thumbsup",
	"-1":                    "thumbsdown",
	"facepunch":             "punch",
	"hankey":                "poop",
	"slightly_smiling_face": "slight_smile",
	"upside_down_face":      "upside_down",
}

// Slack renders skin tones as separate short-codes following the base emoji.
var skinTones = map[string]string{
	"skin-tone-2": "\U0001F3FB",
	"skin-tone-3": "\U0001F3FC",
	"skin-tone-4": "\U0001F3FD",
	"skin-tone-5": "\U0001F3FE",
	"skin-tone-6": "\U0001F3FF",
}

const maxEmojiNameLen = 64

func isEmojiNameByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '_' || c == '+' || c == '-' || c == '\''
}

// emojiAt reports whether text[i:] starts with a :short-code: and returns the
// name and the index of the closing colon.
func emojiAt(text string, i int) (name string, end int, ok bool) {
	limit := min(len(text), i+2+maxEmojiNameLen)
	for j := i + 1; j < limit; j++ {
		if text[j] == ':' {
			if j == i+1 {
				return "", 0, false
			}
			return text[i+1 : j], j, true
		}
		if !isEmojiNameByte(text[j]) {
			return "", 0, false
		}
	}
	return "", 0, false
}

// lookupEmoji returns the Unicode rendering of a short-code name, or "" when
// the name is unknown.
func (t *Translator) lookupEmoji(name string) string {
	if tone, ok := skinTones[name]; ok {
		return tone
	}
	canonical := name
	if alias, ok := t.emojiAliases[name]; ok {
		canonical = alias
	} else if alias, ok := defaultEmojiAliases[name]; ok {
		canonical = alias
	}
	if e := emoji.FromAlias(canonical); e != nil {
		return e.Emoji
	}
	if canonical != name {
		if e := emoji.FromAlias(name); e != nil {
			return e.Emoji
		}
	}
	return ""
}

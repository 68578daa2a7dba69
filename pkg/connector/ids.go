// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/bridgev2/networkid"
)

// MakePortalID creates a networkid.PortalID from a Slack conversation ID.
func MakePortalID(channelID string) networkid.PortalID {
	return networkid.PortalID(channelID)
}

// ParsePortalID extracts the Slack conversation ID from a PortalID.
func ParsePortalID(portalID networkid.PortalID) string {
	return string(portalID)
}

// MakeUserID creates a networkid.UserID from a Slack user or bot ID.
func MakeUserID(userID string) networkid.UserID {
	return networkid.UserID(userID)
}

// ParseUserID extracts the Slack user or bot ID from a networkid.UserID.
func ParseUserID(userID networkid.UserID) string {
	return string(userID)
}

// isBotID reports whether a Slack ID belongs to a bot integration rather
// than a user.
func isBotID(slackID string) bool {
	return strings.HasPrefix(slackID, "B")
}

// MakeMessageID creates a networkid.MessageID from a conversation ID and a
// message timestamp. Slack timestamps are only unique per conversation.
func MakeMessageID(channelID, ts string) networkid.MessageID {
	return networkid.MessageID(channelID + ":" + ts)
}

// ParseMessageID splits a MessageID into conversation ID and timestamp.
func ParseMessageID(messageID networkid.MessageID) (channelID, ts string, ok bool) {
	channelID, ts, ok = strings.Cut(string(messageID), ":")
	if !ok || channelID == "" || ts == "" {
		return "", "", false
	}
	return channelID, ts, true
}

// MakeMessagePartID creates a networkid.PartID for message parts (e.g., shared files).
func MakeMessagePartID(index int) networkid.PartID {
	if index == 0 {
		return ""
	}
	return networkid.PartID(strconv.Itoa(index))
}

// MakeUserLoginID creates a UserLoginID from a workspace and user ID.
func MakeUserLoginID(teamID, userID string) networkid.UserLoginID {
	return networkid.UserLoginID(teamID + "-" + userID)
}

// ParseUserLoginID extracts the workspace and user ID from a UserLoginID.
func ParseUserLoginID(loginID networkid.UserLoginID) (teamID, userID string) {
	teamID, userID, _ = strings.Cut(string(loginID), "-")
	return teamID, userID
}

// parseSlackTS converts a Slack message timestamp ("1700000000.000100") to a
// time. Invalid timestamps yield the zero time.
func parseSlackTS(ts string) time.Time {
	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if fracStr != "" {
		if len(fracStr) > 6 {
			fracStr = fracStr[:6]
		}
		fracStr += strings.Repeat("0", 6-len(fracStr))
		micros, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			micros = 0
		}
	}
	return time.Unix(sec, micros*int64(time.Microsecond))
}

// makePortalKey creates a networkid.PortalKey from a Slack conversation ID.
func makePortalKey(channelID string) networkid.PortalKey {
	return networkid.PortalKey{
		ID: MakePortalID(channelID),
	}
}

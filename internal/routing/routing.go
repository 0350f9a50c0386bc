// Package routing encodes and decodes the session keys used to address
// conversations across channels.
package routing

import "strings"

// Well-known channel and chat identifiers.
const (
	ChannelSystem = "system"
	ChannelCLI    = "cli"

	DefaultChannel = ChannelCLI
	DefaultChatID  = "direct"

	keySep = ":"
)

// SessionKey returns the canonical "<channel>:<chatId>" key.
func SessionKey(channel, chatID string) string {
	return channel + keySep + chatID
}

// ParseSessionKey splits a key at the first ":".
// A chat ID may itself contain ":"; everything after the first separator
// belongs to it. ok is false when the key has no separator or an empty channel.
func ParseSessionKey(key string) (channel, chatID string, ok bool) {
	idx := strings.Index(key, keySep)
	if idx <= 0 {
		return "", "", false
	}
	return key[:idx], key[idx+len(keySep):], true
}

// ParseOrigin decodes the origin embedded in a system message chat ID.
// Undecodable values fall back to the cli/direct destination.
func ParseOrigin(chatID string) (channel, originChatID string) {
	channel, originChatID, ok := ParseSessionKey(chatID)
	if !ok {
		return DefaultChannel, DefaultChatID
	}
	if originChatID == "" {
		originChatID = DefaultChatID
	}
	return channel, originChatID
}

// IsInternal reports whether a channel never has a human on the other end.
func IsInternal(channel string) bool {
	switch channel {
	case ChannelSystem, "scheduler", "subagent":
		return true
	}
	return false
}

// Package chatid holds WhatsApp chat identifier conventions.
package chatid

import "strings"

const GroupSuffix = "@g.us"

// IsGroup reports whether id names a group chat.
func IsGroup(id string) bool {
	return strings.HasSuffix(strings.TrimSpace(id), GroupSuffix)
}

// Phone returns the user part of a chat id ("5511999@c.us" -> "5511999").
func Phone(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// Sender returns the private identity of whoever wrote a message: the
// author inside a group, the chat itself otherwise.
func Sender(from, author string) string {
	if a := strings.TrimSpace(author); a != "" {
		return a
	}
	return strings.TrimSpace(from)
}

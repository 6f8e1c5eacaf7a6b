/*
Package user describes who is behind a chat connection.

Authentication happens outside the chat core: a connection arrives either with a verified
member id and display name, or as an anonymous guest identified by a session id.
*/
package user

import (
	"strings"
	"unicode/utf8"
)

// MaxNicknameLength caps display names, counted in characters.
const MaxNicknameLength = 40

// User is the identity attached to a connection.
type User struct {
	// ID is the member id, or the guest session id for anonymous users. It keys presence.
	ID string `json:"id"`

	// Nickname is the display name shown to the room.
	Nickname string `json:"username"`

	// Anonymous is true for guests without an account.
	Anonymous bool `json:"anonymous"`
}

// Member returns the identity of an authenticated member.
func Member(id, nickname string) User {
	return User{ID: id, Nickname: CleanNickname(nickname, id)}
}

// Guest returns the identity of an anonymous visitor.
func Guest(sessionID, nickname string) User {
	return User{ID: sessionID, Nickname: CleanNickname(nickname, sessionID), Anonymous: true}
}

// AuthorID is the id recorded on messages; empty for guests.
func (u User) AuthorID() string {
	if u.Anonymous {
		return ""
	}
	return u.ID
}

// WithNickname returns a copy renamed to nickname, unless the cleaned name is empty.
func (u User) WithNickname(nickname string) User {
	if cleaned := CleanNickname(nickname, ""); cleaned != "" {
		u.Nickname = cleaned
	}
	return u
}

// CleanNickname trims name, collapses inner whitespace and truncates it to
// MaxNicknameLength characters. An empty result falls back to fallback.
func CleanNickname(name, fallback string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return fallback
	}

	if utf8.RuneCountInString(name) > MaxNicknameLength {
		name = string([]rune(name)[:MaxNicknameLength])
	}
	return name
}

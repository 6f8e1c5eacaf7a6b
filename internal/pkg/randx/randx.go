/*
Package randx generates and validates the identifiers used by the chat service:
connection ids, anonymous guest session ids, guest display names and room slugs.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the number of characters in Base62Chars.
	Base62Len = int64(len(Base62Chars))

	// GuestIDPrefix is the required prefix of anonymous session ids.
	GuestIDPrefix = "guest_"

	// GuestIDRawLength is the length of the Base62 part of a guest id.
	GuestIDRawLength = 6

	// GuestNicknamePrefix prefixes generated display names.
	GuestNicknamePrefix = "Guest_"
)

var roomIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,47}$`)

// ConnectionID returns a fresh UUID v4 for a live socket.
func ConnectionID() string {
	return uuid.NewString()
}

func base62(n int) (string, error) {
	result := make([]byte, n)

	for i := range n {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// GuestID generates an anonymous session id such as "guest_a81Kz0".
func GuestID() (string, error) {
	raw, err := base62(GuestIDRawLength)
	if err != nil {
		return "", err
	}
	return GuestIDPrefix + raw, nil
}

// IsValidGuestID checks the guest_ prefix followed by exactly GuestIDRawLength Base62 characters.
func IsValidGuestID(id string) bool {
	rawID, ok := strings.CutPrefix(id, GuestIDPrefix)
	if !ok || len(rawID) != GuestIDRawLength {
		return false
	}

	for _, char := range rawID {
		if !strings.ContainsRune(Base62Chars, char) {
			return false
		}
	}

	return true
}

// GuestNickname generates a display name for anonymous members who did not pick one.
func GuestNickname() (string, error) {
	raw, err := base62(6)
	if err != nil {
		return "", err
	}
	return GuestNicknamePrefix + raw, nil
}

// IsValidRoomID reports whether id is a lowercase slug of at most 48 characters.
func IsValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

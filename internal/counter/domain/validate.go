package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxUserIDLength matches the width of users.user_id.
const MaxUserIDLength = 128

// ValidUserID reports whether id, already trimmed, may key a user counter.
// Writes and reads share this rule.
func ValidUserID(id string) bool {
	if id == "" || utf8.RuneCountInString(id) > MaxUserIDLength {
		return false
	}
	return strings.IndexFunc(id, unicode.IsControl) < 0
}

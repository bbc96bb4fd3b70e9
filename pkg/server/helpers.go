package server

import (
	"github.com/google/uuid"
)

// canonicalUUID normalises a player UUID to lower-case hyphenated form
func canonicalUUID(s string) (string, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

package domain

import "strings"

const (
	userRoomPrefix     = "user:"
	presenceRoomPrefix = "presence:user:"
	noteRoomPrefix     = "note:"
)

// UserRoom is the per-user delivery room every connection of userID joins.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// PresenceRoom is joined by connections watching userID's online state.
func PresenceRoom(userID string) string { return presenceRoomPrefix + userID }

// NoteRoom is joined by connections collaborating on a note.
func NoteRoom(noteID string) string { return noteRoomPrefix + noteID }

// ValidRoom reports whether key follows one of the room naming conventions.
func ValidRoom(key string) bool {
	for _, prefix := range []string{presenceRoomPrefix, userRoomPrefix, noteRoomPrefix} {
		if id, ok := strings.CutPrefix(key, prefix); ok {
			return id != "" && !strings.ContainsAny(id, " \t\r\n")
		}
	}
	return false
}

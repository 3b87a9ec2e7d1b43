package engine

import (
	"encoding/base64"
	"strings"
)

// Conference calls join through a synthetic per-room user whose id embeds the
// room id. It must be recognizable so its devices can be excluded from trust
// decisions.
const conferenceUserPrefix = "fs_"

// ConferenceUserID returns the synthetic conference user id for a room,
// computed once and cached per engine instance.
func (e *Engine) ConferenceUserID(roomID string) string {
	if roomID == "" {
		return ""
	}

	e.confMu.Lock()
	defer e.confMu.Unlock()

	if id, ok := e.conferenceUsers[roomID]; ok {
		return id
	}

	domain := e.homeDomain()
	if domain == "" {
		return ""
	}

	encoded := base64.RawURLEncoding.EncodeToString([]byte(roomID))
	id := "@" + conferenceUserPrefix + encoded + ":" + domain
	e.conferenceUsers[roomID] = id
	return id
}

// IsConferenceUserID reports whether a user id is a conference user.
func (e *Engine) IsConferenceUserID(userID string) bool {
	e.confMu.Lock()
	for _, id := range e.conferenceUsers {
		if id == userID {
			e.confMu.Unlock()
			return true
		}
	}
	e.confMu.Unlock()

	prefix := "@" + conferenceUserPrefix
	suffix := ":" + e.homeDomain()
	if !strings.HasPrefix(userID, prefix) || !strings.HasSuffix(userID, suffix) {
		return false
	}

	encoded := userID[len(prefix) : len(userID)-len(suffix)]
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}

	roomID := string(decoded)
	return strings.HasPrefix(roomID, "!") && strings.Contains(roomID, ":")
}

// homeDomain returns the server part of our own user id.
func (e *Engine) homeDomain() string {
	if i := strings.Index(e.ownUserID, ":"); i >= 0 {
		return e.ownUserID[i+1:]
	}
	return ""
}

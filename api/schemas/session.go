// Package schemas defines the shared data model for the automation engine.
// It is imported by every other package and therefore imports none of them.
package schemas

import (
	"encoding/json"
	"time"
)

// Cookie is the engine's persistence shape for a single browser cookie.
// Expires is epoch seconds; zero means a session cookie. Partitioned cookies
// cannot be installed through the direct CDP cookie API and are skipped on
// restore, the browser re-issues them natively.
type Cookie struct {
	Name        string  `json:"name"`
	Value       string  `json:"value"`
	Domain      string  `json:"domain,omitempty"`
	Path        string  `json:"path,omitempty"`
	Expires     float64 `json:"expires,omitempty"`
	HTTPOnly    bool    `json:"httpOnly,omitempty"`
	Secure      bool    `json:"secure,omitempty"`
	SameSite    string  `json:"sameSite,omitempty"`
	Partitioned bool    `json:"partitioned,omitempty"`
}

// SessionSnapshot is a point-in-time capture of the authentication state of a
// browsing context: cookies plus local-storage. Snapshots are immutable; a
// refresh replaces the whole value rather than mutating it in place.
type SessionSnapshot struct {
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage"`
	SavedAt      time.Time         `json:"savedAt"`
	SourceURL    string            `json:"url"`
}

// Empty reports whether the snapshot carries no authentication state at all.
// An empty snapshot is still valid, it just yields an unauthenticated context.
func (s *SessionSnapshot) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.LocalStorage) == 0)
}

// NormalizeSessionFile parses the on-disk session document, accepting both
// legacy shapes: a bare JSON array of cookies, or the full snapshot object.
// Both normalize to a SessionSnapshot with a non-nil LocalStorage map.
func NormalizeSessionFile(data []byte) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err == nil && !looksLikeArray(data) {
		if snap.LocalStorage == nil {
			snap.LocalStorage = map[string]string{}
		}
		return &snap, nil
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, err
	}
	return &SessionSnapshot{
		Cookies:      cookies,
		LocalStorage: map[string]string{},
	}, nil
}

// looksLikeArray checks the first non-whitespace byte so a bare cookie array
// is not silently swallowed by the object unmarshal above (which would
// succeed with zero fields).
func looksLikeArray(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

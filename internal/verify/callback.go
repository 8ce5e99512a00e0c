package verify

import (
	"errors"
	"net/url"
	"strings"
)

// SessionIDFromURL extracts the session_id query parameter from a callback or
// deep-link URL delivered after the external verification hand-off.
func SessionIDFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("verify: callback url is empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	sessionID := strings.TrimSpace(parsed.Query().Get("session_id"))
	if sessionID == "" {
		return "", errors.New("verify: callback url carries no session_id")
	}
	return sessionID, nil
}

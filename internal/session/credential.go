package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultAuthMarkers are the cookie names at least one of which must be
// present for a credential to be considered usable.
var DefaultAuthMarkers = []string{"sessionid", "sid", "auth_token"}

type cookiePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseCredential normalizes raw credential material into a single
// "name=value; name2=value2" cookie string.
//
// Two input shapes are accepted:
//   - a JSON array of {name, value} objects (browser cookie exports)
//   - an already-delimited cookie string
//
// The result must contain at least one of the given auth markers; markers
// defaults to DefaultAuthMarkers when empty.
func ParseCredential(raw string, markers []string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("credential is empty")
	}
	if len(markers) == 0 {
		markers = DefaultAuthMarkers
	}

	var normalized string
	if strings.HasPrefix(raw, "[") {
		var pairs []cookiePair
		if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
			return "", fmt.Errorf("credential is not a valid cookie list: %w", err)
		}
		parts := make([]string, 0, len(pairs))
		for _, p := range pairs {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				continue
			}
			parts = append(parts, name+"="+p.Value)
		}
		if len(parts) == 0 {
			return "", fmt.Errorf("credential cookie list is empty")
		}
		normalized = strings.Join(parts, "; ")
	} else {
		if !strings.Contains(raw, "=") {
			return "", fmt.Errorf("credential is not a cookie string")
		}
		normalized = raw
	}

	if !containsMarker(normalized, markers) {
		return "", fmt.Errorf("credential is missing a session cookie (one of: %s)", strings.Join(markers, ", "))
	}
	return normalized, nil
}

func containsMarker(cookies string, markers []string) bool {
	for _, part := range strings.Split(cookies, ";") {
		name, _, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		for _, m := range markers {
			if name == strings.ToLower(strings.TrimSpace(m)) {
				return true
			}
		}
	}
	return false
}

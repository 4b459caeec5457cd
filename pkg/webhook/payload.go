// Package webhook sends status notifications to observer URLs.
package webhook

import (
	"net/url"
	"strings"
)

// Payload is the notification body observers receive.
type Payload struct {
	Status  bool   `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// IsDeliverable reports whether rawURL looks like an http(s) endpoint.
func IsDeliverable(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return (scheme == "http" || scheme == "https") && parsed.Host != ""
}

package util

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// PathTokenBytes is the entropy behind one endpoint token; hex encoding
// doubles it to 12 characters.
const PathTokenBytes = 6

var (
	pathTokenPattern = regexp.MustCompile(`^[a-f0-9]{12}$`)
	webhookPattern   = regexp.MustCompile(`^/webhook/[a-f0-9]{12}$`)
)

// NewPathToken returns a fresh lowercase hex token from crypto/rand.
func NewPathToken() (string, error) {
	buf := make([]byte, PathTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// IsPathToken reports whether token has the endpoint token shape.
func IsPathToken(token string) bool {
	return pathTokenPattern.MatchString(token)
}

// IsWebhookPath reports whether path is a well-formed relay URL path.
func IsWebhookPath(path string) bool {
	return webhookPattern.MatchString(path)
}

package analysis

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
)

const fingerprintDelimiter = "|"

// Fingerprint computes the grouping key for an error report: a hex SHA-256
// over type, file and line joined by "|". A missing file or line contributes
// the empty string, so absence hashes the same way on every call.
func Fingerprint(errorType, filePath string, line *int) string {
	lineStr := ""
	if line != nil {
		lineStr = strconv.Itoa(*line)
	}
	hash := sha256.Sum256([]byte(errorType + fingerprintDelimiter + filePath + fingerprintDelimiter + lineStr))
	return fmt.Sprintf("%x", hash)
}

// AnonymizeUser maps a raw end-user id to a project-scoped opaque identifier.
// Returns nil for an empty id so that absent users are never counted.
func AnonymizeUser(projectID uuid.UUID, userID string) *string {
	if userID == "" {
		return nil
	}
	hash := sha256.Sum256([]byte(projectID.String() + ":" + userID))
	anon := fmt.Sprintf("%x", hash)[:32]
	return &anon
}

// TruncateString truncates s to maxBytes without splitting UTF-8 runes.
func TruncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

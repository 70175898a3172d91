package models

import (
	"time"

	"github.com/google/uuid"
)

// Occurrence is one raw report instance. Rows are append-only; the replay
// reference is the only column written after insert.
type Occurrence struct {
	ID               uuid.UUID      `db:"id"                 json:"id"`
	ErrorID          uuid.UUID      `db:"error_id"           json:"error_id"`
	URL              string         `db:"url"                json:"url,omitempty"`
	HTTPMethod       string         `db:"http_method"        json:"http_method,omitempty"`
	UserAgent        string         `db:"user_agent"         json:"user_agent,omitempty"`
	IPAddress        string         `db:"ip_address"         json:"ip_address,omitempty"`
	UserIdentifier   *string        `db:"user_identifier"    json:"user_identifier,omitempty"`
	SessionID        string         `db:"session_id"         json:"session_id,omitempty"`
	Browser          string         `db:"browser"            json:"browser,omitempty"`
	OS               string         `db:"os"                 json:"os,omitempty"`
	Device           string         `db:"device"             json:"device,omitempty"`
	Context          map[string]any `db:"context"            json:"context,omitempty"`
	SessionReplayRef *string        `db:"session_replay_ref" json:"session_replay_ref,omitempty"`
	OccurredAt       time.Time      `db:"occurred_at"        json:"occurred_at"`
}

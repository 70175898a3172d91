package models

import (
	"time"

	"github.com/google/uuid"
)

// Project owns aggregates and channels. APIKey is the ingest credential that
// SDKs embed; it is distinct from management APIKey records.
type Project struct {
	ID                   uuid.UUID  `db:"id"                     json:"id"`
	Name                 string     `db:"name"                   json:"name"`
	APIKey               string     `db:"api_key"                json:"-"`
	SessionReplayEnabled bool       `db:"session_replay_enabled" json:"session_replay_enabled"`
	TotalErrors          int64      `db:"total_errors"           json:"total_errors"`
	LastErrorAt          *time.Time `db:"last_error_at"          json:"last_error_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at"             json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"             json:"updated_at"`
}

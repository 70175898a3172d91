package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType tags the destination kind of a NotificationChannel.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelTelegram ChannelType = "telegram"
	ChannelEmail    ChannelType = "email"
	ChannelWebhook  ChannelType = "webhook"
)

// Config keys understood by the senders.
const (
	ConfigWebhookURL = "webhook_url"
	ConfigBotToken   = "bot_token"
	ConfigChatID     = "chat_id"
	ConfigEmail      = "email"
	ConfigURL        = "url"
	ConfigSecret     = "secret"
)

// NotificationChannel is a per-project delivery target. The dispatcher reads
// it as a snapshot once per event.
type NotificationChannel struct {
	ID              uuid.UUID         `db:"id"                json:"id"`
	ProjectID       uuid.UUID         `db:"project_id"        json:"project_id"`
	Type            ChannelType       `db:"type"              json:"type"`
	Name            string            `db:"name"              json:"name"`
	Enabled         bool              `db:"enabled"           json:"enabled"`
	MinSeverity     Severity          `db:"min_severity"      json:"min_severity"`
	Config          map[string]string `db:"config"            json:"-"`
	SentCount       int64             `db:"sent_count"        json:"sent_count"`
	FailureCount    int64             `db:"failure_count"     json:"failure_count"`
	LastTriggeredAt *time.Time        `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time         `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"        json:"updated_at"`
}

// ShouldNotify reports whether an aggregate at sev passes this channel's
// threshold. A channel without a threshold behaves as MEDIUM.
func (c *NotificationChannel) ShouldNotify(sev Severity) bool {
	if !c.Enabled {
		return false
	}
	threshold := c.MinSeverity
	if threshold == "" {
		threshold = SeverityMedium
	}
	return sev.Rank() <= threshold.Rank()
}

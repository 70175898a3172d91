package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// DiscordSender posts embeds to a Discord channel webhook.
type DiscordSender struct {
	poster  poster
	baseURL string
}

func NewDiscordSender(client *http.Client, frontendBaseURL string) *DiscordSender {
	return &DiscordSender{poster: newPoster(client), baseURL: frontendBaseURL}
}

func (s *DiscordSender) Type() models.ChannelType { return models.ChannelDiscord }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

func (s *DiscordSender) Send(ctx context.Context, ch *models.NotificationChannel, project *models.Project, agg *models.ErrorAggregate, occ *models.Occurrence) error {
	url := configValue(ch, models.ConfigWebhookURL)
	if url == "" {
		return fmt.Errorf("%w: discord webhook_url", ErrMissingTarget)
	}

	ts := agg.LastSeenAt
	if occ != nil && !occ.OccurredAt.IsZero() {
		ts = occ.OccurredAt
	}

	embed := discordEmbed{
		Title:       truncate(fmt.Sprintf("%s %s", severityEmoji(agg.Severity), agg.ErrorType), 256),
		Description: truncate(agg.Message, maxFieldLen),
		URL:         errorLink(s.baseURL, agg.ID),
		Color:       discordColor(agg.Severity),
		Timestamp:   ts.UTC().Format(time.RFC3339),
		Fields: []discordField{
			{Name: "Project", Value: project.Name, Inline: true},
			{Name: "Location", Value: formatLocation(agg), Inline: true},
			{Name: "Occurrences", Value: fmt.Sprintf("%d", agg.OccurrenceCount), Inline: true},
			{Name: "Affected users", Value: fmt.Sprintf("%d", agg.AffectedUsersCount), Inline: true},
			{Name: "URL", Value: occurrenceURL(occ)},
		},
	}
	return s.poster.postJSON(ctx, url, discordMessage{Embeds: []discordEmbed{embed}}, nil)
}

func (s *DiscordSender) SendTest(ctx context.Context, ch *models.NotificationChannel) error {
	url := configValue(ch, models.ConfigWebhookURL)
	if url == "" {
		return fmt.Errorf("%w: discord webhook_url", ErrMissingTarget)
	}
	msg := discordMessage{Embeds: []discordEmbed{{
		Title:       "✅ Webhook test",
		Description: "BugShot notifications are working for this channel.",
		Color:       0x58B9FF,
	}}}
	return s.poster.postJSON(ctx, url, msg, nil)
}

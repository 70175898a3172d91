package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// SlackSender posts attachment messages to a Slack incoming webhook.
type SlackSender struct {
	poster  poster
	baseURL string
}

func NewSlackSender(client *http.Client, frontendBaseURL string) *SlackSender {
	return &SlackSender{poster: newPoster(client), baseURL: frontendBaseURL}
}

func (s *SlackSender) Type() models.ChannelType { return models.ChannelSlack }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text"`
	Fields    []slackField `json:"fields"`
	Footer    string       `json:"footer,omitempty"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

func (s *SlackSender) Send(ctx context.Context, ch *models.NotificationChannel, project *models.Project, agg *models.ErrorAggregate, occ *models.Occurrence) error {
	url := configValue(ch, models.ConfigWebhookURL)
	if url == "" {
		return fmt.Errorf("%w: slack webhook_url", ErrMissingTarget)
	}

	msg := slackMessage{
		Text: fmt.Sprintf("%s %s error in %s", severityEmoji(agg.Severity), agg.Severity, project.Name),
		Attachments: []slackAttachment{{
			Color:     slackColor(agg.Severity),
			Title:     agg.ErrorType,
			TitleLink: errorLink(s.baseURL, agg.ID),
			Text:      truncate(agg.Message, maxFieldLen),
			Fields: []slackField{
				{Title: "Occurrences", Value: fmt.Sprintf("%d", agg.OccurrenceCount), Short: true},
				{Title: "Affected users", Value: fmt.Sprintf("%d", agg.AffectedUsersCount), Short: true},
				{Title: "Location", Value: formatLocation(agg), Short: true},
				{Title: "URL", Value: occurrenceURL(occ), Short: true},
			},
			Footer: "BugShot",
		}},
	}
	return s.poster.postJSON(ctx, url, msg, nil)
}

func (s *SlackSender) SendTest(ctx context.Context, ch *models.NotificationChannel) error {
	url := configValue(ch, models.ConfigWebhookURL)
	if url == "" {
		return fmt.Errorf("%w: slack webhook_url", ErrMissingTarget)
	}
	return s.poster.postJSON(ctx, url, slackMessage{Text: "✅ BugShot webhook test: this channel is working."}, nil)
}

package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)) when the channel has
// a secret configured.
const SignatureHeader = "X-BugShot-Signature"

// WebhookSender posts a generic JSON document to a user-supplied URL.
type WebhookSender struct {
	poster  poster
	baseURL string
	now     func() time.Time
}

func NewWebhookSender(client *http.Client, frontendBaseURL string) *WebhookSender {
	return &WebhookSender{poster: newPoster(client), baseURL: frontendBaseURL, now: time.Now}
}

func (s *WebhookSender) Type() models.ChannelType { return models.ChannelWebhook }

// WebhookPayload is the body of an error.occurred callback.
type WebhookPayload struct {
	Event           string    `json:"event"`
	ProjectID       uuid.UUID `json:"projectId"`
	ProjectName     string    `json:"projectName"`
	ErrorID         uuid.UUID `json:"errorId"`
	ErrorType       string    `json:"errorType"`
	ErrorMessage    string    `json:"errorMessage"`
	Location        string    `json:"location"`
	Severity        string    `json:"severity"`
	PriorityScore   float64   `json:"priorityScore"`
	OccurrenceCount int64     `json:"occurrenceCount"`
	AffectedUsers   int64     `json:"affectedUsers"`
	URL             string    `json:"url,omitempty"`
	Link            string    `json:"link,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *WebhookSender) Send(ctx context.Context, ch *models.NotificationChannel, project *models.Project, agg *models.ErrorAggregate, occ *models.Occurrence) error {
	url := configValue(ch, models.ConfigURL, models.ConfigWebhookURL)
	if url == "" {
		return fmt.Errorf("%w: webhook url", ErrMissingTarget)
	}

	p := WebhookPayload{
		Event:           "error.occurred",
		ProjectID:       project.ID,
		ProjectName:     project.Name,
		ErrorID:         agg.ID,
		ErrorType:       agg.ErrorType,
		ErrorMessage:    agg.Message,
		Location:        formatLocation(agg),
		Severity:        string(agg.Severity),
		PriorityScore:   agg.PriorityScore,
		OccurrenceCount: agg.OccurrenceCount,
		AffectedUsers:   agg.AffectedUsersCount,
		Link:            errorLink(s.baseURL, agg.ID),
		Timestamp:       agg.LastSeenAt.UTC(),
	}
	if occ != nil {
		p.URL = occ.URL
		p.Timestamp = occ.OccurredAt.UTC()
	}
	return s.deliver(ctx, ch, url, p)
}

func (s *WebhookSender) SendTest(ctx context.Context, ch *models.NotificationChannel) error {
	url := configValue(ch, models.ConfigURL, models.ConfigWebhookURL)
	if url == "" {
		return fmt.Errorf("%w: webhook url", ErrMissingTarget)
	}
	return s.deliver(ctx, ch, url, map[string]any{
		"event":     "test",
		"message":   "BugShot webhook test",
		"timestamp": s.now().UTC(),
	})
}

func (s *WebhookSender) deliver(ctx context.Context, ch *models.NotificationChannel, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	var headers map[string]string
	if secret := configValue(ch, models.ConfigSecret); secret != "" {
		headers = map[string]string{SignatureHeader: Sign(secret, body)}
	}
	return s.poster.post(ctx, url, body, headers)
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

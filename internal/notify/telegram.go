package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/kiranshivaraju/bugshot/pkg/models"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender calls the Bot API sendMessage method. All channels share one
// client-side limiter so a burst of errors stays under the bot's global quota.
type TelegramSender struct {
	poster  poster
	apiBase string
	baseURL string
	limiter *rate.Limiter
}

func NewTelegramSender(client *http.Client, apiBaseURL, frontendBaseURL string, perSecond float64) *TelegramSender {
	if apiBaseURL == "" {
		apiBaseURL = defaultTelegramAPI
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &TelegramSender{
		poster:  newPoster(client),
		apiBase: strings.TrimRight(apiBaseURL, "/"),
		baseURL: frontendBaseURL,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *TelegramSender) Type() models.ChannelType { return models.ChannelTelegram }

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (s *TelegramSender) target(ch *models.NotificationChannel) (string, string, error) {
	token := configValue(ch, models.ConfigBotToken)
	chatID := configValue(ch, models.ConfigChatID)
	if token == "" || chatID == "" {
		return "", "", fmt.Errorf("%w: telegram bot_token and chat_id", ErrMissingTarget)
	}
	return fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, token), chatID, nil
}

func (s *TelegramSender) Send(ctx context.Context, ch *models.NotificationChannel, project *models.Project, agg *models.ErrorAggregate, occ *models.Occurrence) error {
	url, chatID, err := s.target(ch)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTargetTimeout, err)
	}
	return s.poster.postJSON(ctx, url, telegramMessage{
		ChatID:    chatID,
		Text:      s.buildMessage(project, agg, occ),
		ParseMode: "HTML",
	}, nil)
}

func (s *TelegramSender) buildMessage(project *models.Project, agg *models.ErrorAggregate, occ *models.Occurrence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n\n", severityEmoji(agg.Severity), agg.Severity)
	fmt.Fprintf(&b, "<b>Project:</b> %s\n", escapeHTML(project.Name))
	fmt.Fprintf(&b, "<b>Error:</b> %s: %s\n", escapeHTML(agg.ErrorType), escapeHTML(truncate(agg.Message, maxFieldLen)))
	fmt.Fprintf(&b, "<b>Location:</b> %s\n", escapeHTML(formatLocation(agg)))
	fmt.Fprintf(&b, "<b>Occurrences:</b> %d\n", agg.OccurrenceCount)
	fmt.Fprintf(&b, "<b>URL:</b> %s\n", escapeHTML(occurrenceURL(occ)))
	if link := errorLink(s.baseURL, agg.ID); link != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Open in BugShot</a>", escapeHTML(link))
	}
	return b.String()
}

func (s *TelegramSender) SendTest(ctx context.Context, ch *models.NotificationChannel) error {
	url, chatID, err := s.target(ch)
	if err != nil {
		return err
	}
	return s.poster.postJSON(ctx, url, telegramMessage{
		ChatID: chatID,
		Text:   "✅ BugShot Telegram notification test.",
	}, nil)
}

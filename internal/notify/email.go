package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/bugshot/pkg/models"
)

var ErrSMTPNotConfigured = errors.New("smtp not configured")

// SMTPSettings describes the outgoing mail relay.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender mails an HTML report to the channel's recipient.
type EmailSender struct {
	smtp     SMTPSettings
	baseURL  string
	sendMail sendMailFunc
	now      func() time.Time
}

func NewEmailSender(settings SMTPSettings, frontendBaseURL string) *EmailSender {
	return &EmailSender{smtp: settings, baseURL: frontendBaseURL, sendMail: smtp.SendMail, now: time.Now}
}

func (s *EmailSender) Type() models.ChannelType { return models.ChannelEmail }

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Error Notification</title></head>
<body style="font-family:-apple-system,Segoe UI,Roboto,sans-serif;background:#f5f5f5;margin:0;padding:0">
<div style="max-width:600px;margin:40px auto;background:#fff;border-radius:12px;overflow:hidden">
<div style="background:{{.Color}};color:#fff;padding:30px 40px">
<h1 style="margin:0;font-size:24px">{{.Emoji}} {{.Severity}} Error Detected</h1>
</div>
<div style="padding:40px">
<p style="font-size:18px;font-weight:600;color:#333">{{.Type}}: {{.Message}}</p>
<table style="font-size:14px;color:#555">
<tr><td><b>Project</b></td><td>{{.Project}}</td></tr>
<tr><td><b>Location</b></td><td>{{.Location}}</td></tr>
<tr><td><b>Occurrences</b></td><td>{{.Occurrences}}</td></tr>
<tr><td><b>Affected users</b></td><td>{{.Users}}</td></tr>
<tr><td><b>URL</b></td><td>{{.URL}}</td></tr>
</table>
{{if .Link}}<p><a href="{{.Link}}" style="display:inline-block;padding:12px 24px;background:{{.Color}};color:#fff;text-decoration:none;border-radius:6px">View error</a></p>{{end}}
</div>
</div>
</body>
</html>
`))

type emailView struct {
	Color       string
	Emoji       string
	Severity    models.Severity
	Type        string
	Message     string
	Project     string
	Location    string
	Occurrences int64
	Users       int64
	URL         string
	Link        string
}

func (s *EmailSender) Send(ctx context.Context, ch *models.NotificationChannel, project *models.Project, agg *models.ErrorAggregate, occ *models.Occurrence) error {
	to := configValue(ch, models.ConfigEmail)
	if to == "" {
		return fmt.Errorf("%w: email recipient", ErrMissingTarget)
	}

	var body bytes.Buffer
	err := emailTemplate.Execute(&body, emailView{
		Color:       hexColor(agg.Severity),
		Emoji:       severityEmoji(agg.Severity),
		Severity:    agg.Severity,
		Type:        agg.ErrorType,
		Message:     truncate(agg.Message, maxFieldLen),
		Project:     project.Name,
		Location:    formatLocation(agg),
		Occurrences: agg.OccurrenceCount,
		Users:       agg.AffectedUsersCount,
		URL:         occurrenceURL(occ),
		Link:        errorLink(s.baseURL, agg.ID),
	})
	if err != nil {
		return fmt.Errorf("rendering email: %w", err)
	}

	subject := fmt.Sprintf("[%s %s] %s", severityEmoji(agg.Severity), agg.Severity, agg.ErrorType)
	return s.deliver(ctx, to, subject, body.String())
}

func (s *EmailSender) SendTest(ctx context.Context, ch *models.NotificationChannel) error {
	to := configValue(ch, models.ConfigEmail)
	if to == "" {
		return fmt.Errorf("%w: email recipient", ErrMissingTarget)
	}
	return s.deliver(ctx, to, "✅ BugShot email test", "<p>BugShot email notifications are working.</p>")
}

func (s *EmailSender) deliver(ctx context.Context, to, subject, html string) error {
	if s.smtp.Host == "" {
		return ErrSMTPNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTargetTimeout, err)
	}

	addr := net.JoinHostPort(s.smtp.Host, strconv.Itoa(s.smtp.Port))
	var auth smtp.Auth
	if s.smtp.Username != "" {
		auth = smtp.PlainAuth("", s.smtp.Username, s.smtp.Password, s.smtp.Host)
	}

	msg := buildMIME(s.smtp.From, to, subject, html, s.now())

	// net/smtp has no context support; run it aside and honour ctx here.
	done := make(chan error, 1)
	go func() { done <- s.sendMail(addr, auth, s.smtp.From, []string{to}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTargetTimeout, ctx.Err())
	}
}

func buildMIME(from, to, subject, html string, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(html)
	return []byte(b.String())
}

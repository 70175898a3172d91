package notify

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

const maxFieldLen = 1000

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityHigh:
		return "🟡"
	case models.SeverityMedium:
		return "🟢"
	default:
		return "⚪"
	}
}

func discordColor(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 0xED4245
	case models.SeverityHigh:
		return 0xFEE75C
	case models.SeverityMedium:
		return 0x57F287
	default:
		return 0x99AAB5
	}
}

func slackColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "danger"
	case models.SeverityHigh:
		return "warning"
	case models.SeverityMedium:
		return "good"
	default:
		return "#99AAB5"
	}
}

func hexColor(s models.Severity) string {
	return fmt.Sprintf("#%06X", discordColor(s))
}

func formatLocation(agg *models.ErrorAggregate) string {
	switch {
	case agg.FilePath != "" && agg.LineNumber != nil:
		return fmt.Sprintf("%s:%d", agg.FilePath, *agg.LineNumber)
	case agg.FilePath != "":
		return agg.FilePath
	default:
		return "Unknown"
	}
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

func errorLink(baseURL string, id uuid.UUID) string {
	if baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/errors/%s", strings.TrimRight(baseURL, "/"), id)
}

func occurrenceURL(occ *models.Occurrence) string {
	if occ == nil || occ.URL == "" {
		return "-"
	}
	return occ.URL
}

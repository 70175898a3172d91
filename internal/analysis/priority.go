package analysis

import (
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/bugshot/pkg/models"
)

const baseScore = 1.0

// Score computes the priority and severity of agg as seen from contextURL at
// now. It reads OccurrenceCount, AffectedUsersCount, ErrorType and LastSeenAt.
func Score(agg *models.ErrorAggregate, contextURL string, now time.Time) (float64, models.Severity) {
	priority := baseScore +
		OccurrenceFactor(agg.OccurrenceCount)*
			UsersFactor(agg.AffectedUsersCount)*
			PageWeight(contextURL)*
			ErrorTypeWeight(agg.ErrorType)*
			RecencyBoost(now.Sub(agg.LastSeenAt))
	priority = math.Round(priority*100) / 100
	return priority, SeverityFor(priority, contextURL)
}

// OccurrenceFactor damps raw counts logarithmically.
func OccurrenceFactor(count int64) float64 {
	if count < 0 {
		count = 0
	}
	return math.Log10(float64(count)+1) + 1
}

func UsersFactor(users int64) float64 {
	if users < 1 {
		return 1
	}
	return float64(users)
}

// PageWeight rates how business-critical the page that raised the error is.
func PageWeight(contextURL string) float64 {
	if contextURL == "" {
		return 1
	}
	u := strings.ToLower(contextURL)
	switch {
	case containsAny(u, "checkout", "payment", "order"):
		return 10
	case containsAny(u, "login", "signup", "auth"):
		return 8
	case strings.Contains(u, "dashboard") || strings.Contains(urlPath(u), "/api"):
		return 5
	case isRootPath(u):
		return 3
	}
	return 1
}

// ErrorTypeWeight rates error kinds; the first matching row wins.
func ErrorTypeWeight(errorType string) float64 {
	t := strings.ToLower(errorType)
	switch {
	case containsAny(t, "typeerror", "referenceerror"):
		return 2.5
	case containsAny(t, "syntaxerror", "rangeerror", "urierror"):
		return 2.0
	case containsAny(t, "network", "fetch", "promise"):
		return 1.5
	case strings.HasSuffix(t, "error"):
		return 1.2
	case containsAny(t, "session", "event"):
		return 0.8
	}
	return 1.0
}

// RecencyBoost favours errors that are happening right now.
func RecencyBoost(sinceLastSeen time.Duration) float64 {
	switch {
	case sinceLastSeen < time.Hour:
		return 2.0
	case sinceLastSeen < 6*time.Hour:
		return 1.5
	case sinceLastSeen < 24*time.Hour:
		return 1.2
	}
	return 1.0
}

// SeverityFor maps a priority to a severity. Checkout and payment pages never
// drop below HIGH.
func SeverityFor(priority float64, contextURL string) models.Severity {
	if IsCriticalPage(contextURL) {
		if priority > 20 {
			return models.SeverityCritical
		}
		return models.SeverityHigh
	}
	switch {
	case priority > 50:
		return models.SeverityCritical
	case priority > 20:
		return models.SeverityHigh
	case priority > 8:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func IsCriticalPage(contextURL string) bool {
	return containsAny(strings.ToLower(contextURL), "checkout", "payment")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// urlPath returns the path component of raw, which may be absolute or a bare
// path. Unparseable input is returned unchanged.
func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme == "" && u.Host == "" && !strings.HasPrefix(raw, "/") {
		// "example.com/x" parses as a relative path
		if i := strings.Index(raw, "/"); i >= 0 {
			return raw[i:]
		}
		return ""
	}
	return u.Path
}

func isRootPath(raw string) bool {
	p := urlPath(raw)
	return p == "" || p == "/"
}

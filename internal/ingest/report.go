package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/bugshot/internal/analysis"
	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// Field size caps applied before anything is stored.
const (
	maxErrorTypeLen  = 255
	maxMessageLen    = 4096
	maxStackTraceLen = 64 << 10
	maxURLLen        = 2048
	maxShortFieldLen = 512
)

// Client timestamps further than this from the server clock are replaced
// with the receive time.
const maxClockSkew = 24 * time.Hour

// Report is one inbound error report as submitted by an SDK.
type Report struct {
	Credential string

	ErrorType  string
	Message    string
	StackTrace string
	FilePath   string
	Line       *int
	Column     *int
	Method     string

	URL        string
	HTTPMethod string
	UserAgent  string
	IPAddress  string
	SessionID  string
	UserID     string
	Browser    string
	OS         string
	Device     string
	Timestamp  *time.Time

	Headers    map[string]any
	Params     map[string]any
	CustomData map[string]any
	Extra      map[string]any

	Replay *events.ReplayPayload
}

// Validate checks the fields an aggregate cannot be built without.
func (r *Report) Validate() error {
	if strings.TrimSpace(r.ErrorType) == "" {
		return fmt.Errorf("%w: error type is required", ErrInvalidReport)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: error message is required", ErrInvalidReport)
	}
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: context url is required", ErrInvalidReport)
	}
	if r.Line != nil && *r.Line < 0 {
		return fmt.Errorf("%w: line must be non-negative", ErrInvalidReport)
	}
	return nil
}

// fingerprint groups reports by type and source location. The message is
// not part of it.
func (r *Report) fingerprint() string {
	return analysis.Fingerprint(strings.TrimSpace(r.ErrorType), r.FilePath, r.Line)
}

func (r *Report) seed() *models.ErrorAggregate {
	return &models.ErrorAggregate{
		ErrorType:  analysis.TruncateString(strings.TrimSpace(r.ErrorType), maxErrorTypeLen),
		Message:    analysis.TruncateString(r.Message, maxMessageLen),
		FilePath:   analysis.TruncateString(r.FilePath, maxURLLen),
		LineNumber: r.Line,
		MethodName: analysis.TruncateString(r.Method, maxShortFieldLen),
		StackTrace: analysis.TruncateString(r.StackTrace, maxStackTraceLen),
	}
}

func (r *Report) occurrence(project *models.Project, origin string, now time.Time) *models.Occurrence {
	ip := r.IPAddress
	if ip == "" {
		ip = origin
	}
	return &models.Occurrence{
		URL:            analysis.TruncateString(r.URL, maxURLLen),
		HTTPMethod:     analysis.TruncateString(strings.ToUpper(r.HTTPMethod), 16),
		UserAgent:      analysis.TruncateString(r.UserAgent, maxShortFieldLen),
		IPAddress:      analysis.TruncateString(ip, 64),
		UserIdentifier: analysis.AnonymizeUser(project.ID, r.UserID),
		SessionID:      analysis.TruncateString(r.SessionID, maxShortFieldLen),
		Browser:        analysis.TruncateString(r.Browser, maxShortFieldLen),
		OS:             analysis.TruncateString(r.OS, maxShortFieldLen),
		Device:         analysis.TruncateString(r.Device, maxShortFieldLen),
		Context:        r.contextBlob(),
		OccurredAt:     r.occurredAt(now),
	}
}

func (r *Report) contextBlob() map[string]any {
	blob := map[string]any{}
	if len(r.Headers) > 0 {
		blob["headers"] = r.Headers
	}
	if len(r.Params) > 0 {
		blob["params"] = r.Params
	}
	if len(r.CustomData) > 0 {
		blob["customData"] = r.CustomData
	}
	if r.Column != nil {
		blob["column"] = *r.Column
	}
	for k, v := range r.Extra {
		if _, taken := blob[k]; !taken {
			blob[k] = v
		}
	}
	if len(blob) == 0 {
		return nil
	}
	return blob
}

func (r *Report) occurredAt(now time.Time) time.Time {
	if r.Timestamp == nil {
		return now
	}
	ts := r.Timestamp.UTC()
	if ts.After(now) || now.Sub(ts) > maxClockSkew {
		return now
	}
	return ts
}

package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/bugshot/internal/api/middleware"
	"github.com/kiranshivaraju/bugshot/internal/api/response"
	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/internal/ingest"
)

// Replays dominate report size.
const maxIngestBody = 5 << 20

// APIKeyHeader is the alternative to the apiKey body field.
const APIKeyHeader = "X-API-Key"

// Ingester defines the interface the ingest handler depends on.
type Ingester interface {
	Ingest(ctx context.Context, r ingest.Report, origin string) (*ingest.Result, error)
}

type ingestRequest struct {
	APIKey string `json:"apiKey"`
	Error  struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		StackTrace string `json:"stackTrace"`
		File       string `json:"file"`
		Line       *int   `json:"line"`
		Column     *int   `json:"column"`
		Method     string `json:"method"`
	} `json:"error"`
	Context struct {
		URL         string         `json:"url"`
		HTTPMethod  string         `json:"httpMethod"`
		UserAgent   string         `json:"userAgent"`
		IPAddress   string         `json:"ipAddress"`
		SessionID   string         `json:"sessionId"`
		UserID      string         `json:"userId"`
		Timestamp   string         `json:"timestamp"`
		Browser     string         `json:"browser"`
		OS          string         `json:"os"`
		Device      string         `json:"device"`
		BrowserInfo *browserInfo   `json:"browserInfo"`
		DeviceInfo  *deviceInfo    `json:"deviceInfo"`
		Headers     map[string]any `json:"headers"`
		Params      map[string]any `json:"params"`
		CustomData  map[string]any `json:"customData"`
	} `json:"context"`
	SessionReplay *events.ReplayPayload `json:"sessionReplay"`
}

type browserInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	OS      string `json:"os"`
}

type deviceInfo struct {
	Type     string `json:"type"`
	Viewport *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport"`
}

type ingestResponse struct {
	Accepted bool      `json:"accepted"`
	ErrorID  uuid.UUID `json:"error_id"`
}

func (req *ingestRequest) toReport(header string) ingest.Report {
	c := req.Context
	r := ingest.Report{
		Credential: strings.TrimSpace(req.APIKey),
		ErrorType:  req.Error.Type,
		Message:    req.Error.Message,
		StackTrace: req.Error.StackTrace,
		FilePath:   req.Error.File,
		Line:       req.Error.Line,
		Column:     req.Error.Column,
		Method:     req.Error.Method,
		URL:        c.URL,
		HTTPMethod: c.HTTPMethod,
		UserAgent:  c.UserAgent,
		IPAddress:  c.IPAddress,
		SessionID:  c.SessionID,
		UserID:     c.UserID,
		Browser:    c.Browser,
		OS:         c.OS,
		Device:     c.Device,
		Headers:    c.Headers,
		Params:     c.Params,
		CustomData: c.CustomData,
		Replay:     req.SessionReplay,
	}
	if r.Credential == "" {
		r.Credential = strings.TrimSpace(header)
	}

	if b := c.BrowserInfo; b != nil {
		if r.Browser == "" {
			r.Browser = strings.TrimSpace(b.Name + " " + b.Version)
		}
		if r.OS == "" {
			r.OS = b.OS
		}
	}
	if d := c.DeviceInfo; d != nil {
		if r.Device == "" {
			r.Device = d.Type
		}
		if d.Viewport != nil {
			r.Extra = map[string]any{"viewport": map[string]int{"width": d.Viewport.Width, "height": d.Viewport.Height}}
		}
	}
	if c.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, c.Timestamp); err == nil {
			r.Timestamp = &ts
		}
	}
	return r
}

// NewIngestHandler returns an http.HandlerFunc for POST /api/v1/ingest.
// Forwarding headers are honored only from peers inside proxies.
func NewIngestHandler(svc Ingester, proxies TrustedProxies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if err := response.Decode(w, r, &req, maxIngestBody, false); err != nil {
			if errors.Is(err, response.ErrBodyTooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Report exceeds size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		result, err := svc.Ingest(r.Context(), req.toReport(r.Header.Get(APIKeyHeader)), proxies.ClientIP(r))
		if err != nil {
			writeIngestError(w, err)
			return
		}

		mw.AddLogAttrs(r.Context(),
			slog.String("project_id", result.ProjectID.String()),
			slog.String("error_id", result.ErrorID.String()),
			slog.Bool("new_error", result.IsNew),
		)
		mw.WriteRateLimitHeaders(w, result.Decision)
		response.Created(w, ingestResponse{Accepted: true, ErrorID: result.ErrorID})
	}
}

func writeIngestError(w http.ResponseWriter, err error) {
	var denied *ingest.AdmissionError
	switch {
	case errors.As(err, &denied):
		mw.WriteRateLimitHeaders(w, denied.Decision)
		response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
			"Rate limit exceeded. Please try again later.", map[string]any{"limit": string(denied.Decision.Kind)})
	case errors.Is(err, ingest.ErrInvalidCredential):
		response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIAL", "Invalid API key", nil)
	case errors.Is(err, ingest.ErrInvalidReport):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, ingest.ErrBackendUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "Error could not be recorded, retry later", nil)
	default:
		slog.Error("ingest failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to ingest error", nil)
	}
}

// TrustedProxies are the peers allowed to report the client address through
// X-Forwarded-For or X-Real-IP.
type TrustedProxies []netip.Prefix

func (p TrustedProxies) contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range p {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the connection's remote host. When that host is a trusted
// proxy, the first X-Forwarded-For hop or X-Real-IP is used instead.
func (p TrustedProxies) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	peer, err := netip.ParseAddr(host)
	if err != nil || !p.contains(peer) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" && !strings.EqualFold(ip, "unknown") {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && !strings.EqualFold(ip, "unknown") {
		return ip
	}
	return host
}

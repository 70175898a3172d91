// Package ingest records inbound error reports and drives the triage
// actions on the resulting aggregates.
package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/internal/metrics"
	"github.com/kiranshivaraju/bugshot/internal/ratelimit"
	"github.com/kiranshivaraju/bugshot/internal/store"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// Sentinel errors returned by Ingest.
var (
	ErrAdmissionDenied    = errors.New("admission denied")
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrInvalidReport      = errors.New("invalid report")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// AdmissionError carries the limiter decision that denied a request.
type AdmissionError struct {
	Decision ratelimit.Decision
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s limit of %d exceeded", ErrAdmissionDenied, e.Decision.Kind, e.Decision.Limit)
}

func (e *AdmissionError) Is(target error) bool { return target == ErrAdmissionDenied }

// Admitter decides whether a credential/origin pair may proceed.
type Admitter interface {
	Admit(ctx context.Context, credential, origin string) ratelimit.Decision
}

// Publisher hands recorded occurrences to asynchronous subscribers.
type Publisher interface {
	Publish(ev events.IngestedEvent)
}

// Result is returned for an accepted report.
type Result struct {
	Accepted  bool
	ErrorID   uuid.UUID
	ProjectID uuid.UUID
	IsNew     bool
	Decision  ratelimit.Decision
}

type Service struct {
	store store.Store
	gate  Admitter
	bus   Publisher
	now   func() time.Time
}

// NewService wires the ingest path. gate may be nil to disable admission
// control.
func NewService(s store.Store, gate Admitter, bus Publisher) *Service {
	return &Service{store: s, gate: gate, bus: bus, now: time.Now}
}

// Ingest admits, validates and records one report, then publishes it. The
// occurrence is durable once Ingest returns without error; everything that
// follows on the bus is best effort.
func (s *Service) Ingest(ctx context.Context, r Report, origin string) (*Result, error) {
	if r.Credential == "" {
		metrics.IngestTotal.WithLabelValues("invalid_credential").Inc()
		return nil, fmt.Errorf("%w: missing api key", ErrInvalidCredential)
	}

	var decision ratelimit.Decision
	if s.gate != nil {
		decision = s.gate.Admit(ctx, credentialSubject(r.Credential), origin)
		if !decision.Allowed {
			metrics.IngestTotal.WithLabelValues("denied").Inc()
			slog.Warn("ingest rate limited", "kind", decision.Kind, "origin", origin)
			return nil, &AdmissionError{Decision: decision}
		}
	}

	project, err := s.store.GetProjectByAPIKey(ctx, r.Credential)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.IngestTotal.WithLabelValues("invalid_credential").Inc()
			return nil, ErrInvalidCredential
		}
		metrics.IngestTotal.WithLabelValues("backend_error").Inc()
		return nil, fmt.Errorf("%w: looking up project: %v", ErrBackendUnavailable, err)
	}

	if err := r.Validate(); err != nil {
		metrics.IngestTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	fp := r.fingerprint()
	occ := r.occurrence(project, origin, s.now().UTC())
	occ.ID = uuid.New()

	agg, created, err := s.store.FindOrCreateAndIncrement(ctx, project.ID, fp, r.seed(), occ)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("backend_error").Inc()
		slog.Error("recording occurrence failed",
			"project_id", project.ID,
			"fingerprint", fp,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	metrics.IngestTotal.WithLabelValues("accepted").Inc()
	if created {
		metrics.AggregatesCreated.Inc()
		slog.Info("new error aggregate",
			"error_id", agg.ID,
			"project_id", project.ID,
			"error_type", agg.ErrorType,
		)
	}

	if s.bus != nil {
		s.bus.Publish(events.IngestedEvent{
			Project:       project,
			Aggregate:     agg,
			Occurrence:    occ,
			IsNew:         created,
			ContextURL:    occ.URL,
			Replay:        r.Replay,
			ReplayEnabled: project.SessionReplayEnabled,
		})
	}

	return &Result{Accepted: true, ErrorID: agg.ID, ProjectID: project.ID, IsNew: created, Decision: decision}, nil
}

// Resolve marks an unresolved aggregate resolved by actor.
func (s *Service) Resolve(ctx context.Context, projectID, errorID uuid.UUID, actor string) (*models.ErrorAggregate, error) {
	return s.transition(ctx, projectID, errorID, models.ActionResolve, actor)
}

// Ignore mutes an unresolved aggregate.
func (s *Service) Ignore(ctx context.Context, projectID, errorID uuid.UUID, actor string) (*models.ErrorAggregate, error) {
	return s.transition(ctx, projectID, errorID, models.ActionIgnore, actor)
}

// Reopen returns a resolved or ignored aggregate to unresolved.
func (s *Service) Reopen(ctx context.Context, projectID, errorID uuid.UUID, actor string) (*models.ErrorAggregate, error) {
	return s.transition(ctx, projectID, errorID, models.ActionReopen, actor)
}

func (s *Service) transition(ctx context.Context, projectID, errorID uuid.UUID, action models.Action, actor string) (*models.ErrorAggregate, error) {
	agg, err := s.store.TransitionStatus(ctx, errorID, projectID, action, actor)
	if err != nil {
		return nil, err
	}
	slog.Info("error status changed",
		"error_id", agg.ID,
		"project_id", projectID,
		"action", action,
		"status", agg.Status,
		"actor", actor,
	)
	return agg, nil
}

// credentialSubject keys rate-limit counters without putting the raw API key
// in the counter backend or the logs.
func credentialSubject(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("%x", sum[:8])
}

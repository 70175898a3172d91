package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when find-or-create kept colliding with concurrent
// writers after all retries.
var ErrConflict = errors.New("aggregation conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetProjectByAPIKey(ctx context.Context, apiKey string) (*models.Project, error)
	IncrementProjectStats(ctx context.Context, projectID uuid.UUID, at time.Time) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	// FindOrCreateAndIncrement records occ against the aggregate identified by
	// (projectID, fingerprint), creating it from seed when absent. The
	// aggregate upsert and the occurrence insert commit together. The bool
	// reports whether the aggregate was created by this call.
	FindOrCreateAndIncrement(ctx context.Context, projectID uuid.UUID, fingerprint string,
		seed *models.ErrorAggregate, occ *models.Occurrence) (*models.ErrorAggregate, bool, error)
	GetErrorAggregate(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.ErrorAggregate, error)
	ListErrorAggregates(ctx context.Context, filter ErrorFilter) ([]*models.ErrorAggregate, int, error)
	CountDistinctUsers(ctx context.Context, errorID uuid.UUID) (int64, error)
	UpdatePriority(ctx context.Context, id uuid.UUID, affectedUsers int64, score float64, severity models.Severity) error
	TransitionStatus(ctx context.Context, id uuid.UUID, projectID uuid.UUID, action models.Action, actor string) (*models.ErrorAggregate, error)

	ListOccurrences(ctx context.Context, errorID uuid.UUID, limit int) ([]*models.Occurrence, error)
	AttachReplay(ctx context.Context, occurrenceID uuid.UUID, ref string) error

	CreateChannel(ctx context.Context, ch *models.NotificationChannel) error
	GetChannel(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.NotificationChannel, error)
	ListEnabledChannels(ctx context.Context, projectID uuid.UUID) ([]*models.NotificationChannel, error)
	RecordChannelSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordChannelFailure(ctx context.Context, id uuid.UUID) error
}

// Sort orders for ListErrorAggregates.
const (
	SortPriority = "priority"
	SortRecent   = "recent"
	SortCount    = "count"
)

type ErrorFilter struct {
	ProjectID uuid.UUID
	Status    models.Status
	Severity  models.Severity
	Sort      string
	Page      int
	Limit     int
}

// normalize clamps pagination the same way for every backend.
func (f ErrorFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

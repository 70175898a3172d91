package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/bugshot/internal/metrics"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

const maxAggregationAttempts = 3

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

const projectColumns = `id, name, api_key, session_replay_enabled, total_errors, last_error_at, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.APIKey, &p.SessionReplayEnabled, &p.TotalErrors,
		&p.LastErrorAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, api_key, session_replay_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.APIKey, p.SessionReplayEnabled, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProjectByAPIKey(ctx context.Context, apiKey string) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE api_key = $1`, apiKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project by api key: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) IncrementProjectStats(ctx context.Context, projectID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE projects SET total_errors = total_errors + 1,
		   last_error_at = GREATEST(COALESCE(last_error_at, $2), $2), updated_at = NOW()
		 WHERE id = $1`, projectID, at)
	if err != nil {
		return fmt.Errorf("increment project stats: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, project_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ProjectID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Error Aggregates ---

const aggregateColumns = `id, project_id, fingerprint, error_type, message, file_path, line_number, method_name,
	stack_trace, first_seen_at, last_seen_at, occurrence_count, affected_users_count, priority_score,
	severity, status, resolved_at, resolved_by, created_at, updated_at`

func aggregateDest(a *models.ErrorAggregate) []any {
	return []any{&a.ID, &a.ProjectID, &a.Fingerprint, &a.ErrorType, &a.Message, &a.FilePath, &a.LineNumber,
		&a.MethodName, &a.StackTrace, &a.FirstSeenAt, &a.LastSeenAt, &a.OccurrenceCount,
		&a.AffectedUsersCount, &a.PriorityScore, &a.Severity, &a.Status, &a.ResolvedAt, &a.ResolvedBy,
		&a.CreatedAt, &a.UpdatedAt}
}

func (s *PostgresStore) FindOrCreateAndIncrement(ctx context.Context, projectID uuid.UUID, fingerprint string,
	seed *models.ErrorAggregate, occ *models.Occurrence) (*models.ErrorAggregate, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAggregationAttempts; attempt++ {
		agg, created, err := s.findOrCreateOnce(ctx, projectID, fingerprint, seed, occ)
		if err == nil {
			return agg, created, nil
		}
		if !isRetryableConflict(err) {
			return nil, false, err
		}
		lastErr = err
		metrics.AggregationRetries.Inc()
	}
	return nil, false, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *PostgresStore) findOrCreateOnce(ctx context.Context, projectID uuid.UUID, fingerprint string,
	seed *models.ErrorAggregate, occ *models.Occurrence) (*models.ErrorAggregate, bool, error) {
	var (
		agg     models.ErrorAggregate
		created bool
	)
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		dest := append(aggregateDest(&agg), &created)
		err := tx.QueryRow(ctx,
			`INSERT INTO error_aggregates (id, project_id, fingerprint, error_type, message, file_path, line_number,
			   method_name, stack_trace, first_seen_at, last_seen_at, occurrence_count, affected_users_count,
			   priority_score, severity, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, 1, 0, 0, $11, $12, $13, $13)
			 ON CONFLICT (project_id, fingerprint) DO UPDATE SET
			   occurrence_count = error_aggregates.occurrence_count + 1,
			   last_seen_at = GREATEST(error_aggregates.last_seen_at, EXCLUDED.last_seen_at),
			   updated_at = EXCLUDED.updated_at
			 RETURNING `+aggregateColumns+`, (xmax = 0) AS inserted`,
			uuid.New(), projectID, fingerprint, seed.ErrorType, seed.Message, seed.FilePath, seed.LineNumber,
			seed.MethodName, seed.StackTrace, occ.OccurredAt, models.SeverityMedium, models.StatusUnresolved, now,
		).Scan(dest...)
		if err != nil {
			return fmt.Errorf("upsert error aggregate: %w", err)
		}

		occ.ErrorID = agg.ID
		_, err = tx.Exec(ctx,
			`INSERT INTO error_occurrences (id, error_id, url, http_method, user_agent, ip_address, user_identifier,
			   session_id, browser, os, device, context, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			occ.ID, occ.ErrorID, occ.URL, occ.HTTPMethod, occ.UserAgent, occ.IPAddress, occ.UserIdentifier,
			occ.SessionID, occ.Browser, occ.OS, occ.Device, occ.Context, occ.OccurredAt)
		if err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &agg, created, nil
}

func (s *PostgresStore) GetErrorAggregate(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.ErrorAggregate, error) {
	var a models.ErrorAggregate
	err := s.pool.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM error_aggregates WHERE id = $1 AND project_id = $2`, id, projectID,
	).Scan(aggregateDest(&a)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error aggregate: %w", err)
	}
	return &a, nil
}

var sortClauses = map[string]string{
	SortPriority: "priority_score DESC, last_seen_at DESC",
	SortRecent:   "last_seen_at DESC",
	SortCount:    "occurrence_count DESC, last_seen_at DESC",
}

func (s *PostgresStore) ListErrorAggregates(ctx context.Context, filter ErrorFilter) ([]*models.ErrorAggregate, int, error) {
	conditions := []string{"project_id = $1"}
	args := []any{filter.ProjectID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argIdx))
		args = append(args, filter.Severity)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM error_aggregates WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count error aggregates: %w", err)
	}

	orderBy, ok := sortClauses[filter.Sort]
	if !ok {
		orderBy = sortClauses[SortPriority]
	}
	limit, offset := filter.normalize()

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM error_aggregates WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		aggregateColumns, where, orderBy, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list error aggregates: %w", err)
	}
	defer rows.Close()

	aggs := []*models.ErrorAggregate{}
	for rows.Next() {
		var a models.ErrorAggregate
		if err := rows.Scan(aggregateDest(&a)...); err != nil {
			return nil, 0, fmt.Errorf("scan error aggregate: %w", err)
		}
		aggs = append(aggs, &a)
	}
	return aggs, total, rows.Err()
}

func (s *PostgresStore) CountDistinctUsers(ctx context.Context, errorID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_identifier) FROM error_occurrences WHERE error_id = $1`, errorID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count distinct users: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdatePriority(ctx context.Context, id uuid.UUID, affectedUsers int64, score float64, severity models.Severity) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_aggregates SET affected_users_count = $2, priority_score = $3, severity = $4, updated_at = NOW()
		 WHERE id = $1`, id, affectedUsers, score, severity)
	if err != nil {
		return fmt.Errorf("update priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus locks the row, validates the move against the status
// table and writes the result in one transaction.
func (s *PostgresStore) TransitionStatus(ctx context.Context, id uuid.UUID, projectID uuid.UUID, action models.Action, actor string) (*models.ErrorAggregate, error) {
	var a models.ErrorAggregate
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT `+aggregateColumns+` FROM error_aggregates WHERE id = $1 AND project_id = $2 FOR UPDATE`,
			id, projectID,
		).Scan(aggregateDest(&a)...)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock error aggregate: %w", err)
		}

		if err := a.Apply(action, actor, time.Now().UTC()); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE error_aggregates SET status = $2, resolved_at = $3, resolved_by = $4, updated_at = $5
			 WHERE id = $1`, a.ID, a.Status, a.ResolvedAt, a.ResolvedBy, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Occurrences ---

func (s *PostgresStore) ListOccurrences(ctx context.Context, errorID uuid.UUID, limit int) ([]*models.Occurrence, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, error_id, url, http_method, user_agent, ip_address, user_identifier, session_id,
		   browser, os, device, context, session_replay_ref, occurred_at
		 FROM error_occurrences WHERE error_id = $1 ORDER BY occurred_at DESC LIMIT $2`, errorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()

	occs := []*models.Occurrence{}
	for rows.Next() {
		var o models.Occurrence
		if err := rows.Scan(&o.ID, &o.ErrorID, &o.URL, &o.HTTPMethod, &o.UserAgent, &o.IPAddress,
			&o.UserIdentifier, &o.SessionID, &o.Browser, &o.OS, &o.Device, &o.Context,
			&o.SessionReplayRef, &o.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		occs = append(occs, &o)
	}
	return occs, rows.Err()
}

func (s *PostgresStore) AttachReplay(ctx context.Context, occurrenceID uuid.UUID, ref string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_occurrences SET session_replay_ref = $2 WHERE id = $1 AND session_replay_ref IS NULL`,
		occurrenceID, ref)
	if err != nil {
		return fmt.Errorf("attach replay: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Notification Channels ---

const channelColumns = `id, project_id, type, name, enabled, min_severity, config, sent_count, failure_count,
	last_triggered_at, created_at, updated_at`

func channelDest(c *models.NotificationChannel) []any {
	return []any{&c.ID, &c.ProjectID, &c.Type, &c.Name, &c.Enabled, &c.MinSeverity, &c.Config,
		&c.SentCount, &c.FailureCount, &c.LastTriggeredAt, &c.CreatedAt, &c.UpdatedAt}
}

func (s *PostgresStore) CreateChannel(ctx context.Context, ch *models.NotificationChannel) error {
	minSev := ch.MinSeverity
	if minSev == "" {
		minSev = models.SeverityMedium
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notification_channels (id, project_id, type, name, enabled, min_severity, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.ID, ch.ProjectID, ch.Type, ch.Name, ch.Enabled, minSev, ch.Config, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.NotificationChannel, error) {
	var c models.NotificationChannel
	err := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM notification_channels WHERE id = $1 AND project_id = $2`, id, projectID,
	).Scan(channelDest(&c)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListEnabledChannels(ctx context.Context, projectID uuid.UUID) ([]*models.NotificationChannel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM notification_channels WHERE project_id = $1 AND enabled ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list enabled channels: %w", err)
	}
	defer rows.Close()

	chans := []*models.NotificationChannel{}
	for rows.Next() {
		var c models.NotificationChannel
		if err := rows.Scan(channelDest(&c)...); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		chans = append(chans, &c)
	}
	return chans, rows.Err()
}

func (s *PostgresStore) RecordChannelSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notification_channels SET sent_count = sent_count + 1, last_triggered_at = $2, updated_at = NOW()
		 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record channel success: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordChannelFailure(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notification_channels SET failure_count = failure_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record channel failure: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isRetryableConflict matches the transient errors a concurrent
// find-or-create can hit: unique violation, serialization failure, deadlock.
func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "40001", "40P01":
		return true
	}
	return false
}

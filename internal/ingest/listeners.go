package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/bugshot/internal/analysis"
	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/internal/store"
)

// PriorityListener rescores an aggregate after each recorded occurrence.
// Concurrent passes for the same aggregate are last-writer-wins.
type PriorityListener struct {
	store store.Store
	now   func() time.Time
}

func NewPriorityListener(s store.Store) *PriorityListener {
	return &PriorityListener{store: s, now: time.Now}
}

func (l *PriorityListener) Handle(ctx context.Context, ev events.IngestedEvent) error {
	if ev.Aggregate == nil || ev.Project == nil {
		return nil
	}

	agg, err := l.store.GetErrorAggregate(ctx, ev.Aggregate.ID, ev.Project.ID)
	if err != nil {
		return fmt.Errorf("reloading aggregate: %w", err)
	}

	users, err := l.store.CountDistinctUsers(ctx, agg.ID)
	if err != nil {
		return fmt.Errorf("counting affected users: %w", err)
	}
	agg.AffectedUsersCount = users

	score, severity := analysis.Score(agg, ev.ContextURL, l.now())
	if err := l.store.UpdatePriority(ctx, agg.ID, users, score, severity); err != nil {
		return fmt.Errorf("updating priority: %w", err)
	}

	slog.Debug("error rescored",
		"error_id", agg.ID,
		"priority", score,
		"severity", severity,
		"affected_users", users,
	)
	return nil
}

// ProjectStatsListener keeps the project's error total and last error time.
type ProjectStatsListener struct {
	store store.Store
}

func NewProjectStatsListener(s store.Store) *ProjectStatsListener {
	return &ProjectStatsListener{store: s}
}

func (l *ProjectStatsListener) Handle(ctx context.Context, ev events.IngestedEvent) error {
	if ev.Project == nil || ev.Occurrence == nil {
		return nil
	}
	if err := l.store.IncrementProjectStats(ctx, ev.Project.ID, ev.Occurrence.OccurredAt); err != nil {
		return fmt.Errorf("updating project stats: %w", err)
	}
	return nil
}

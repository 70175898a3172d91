package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/internal/store"
)

// Attacher records a replay reference on an occurrence.
type Attacher interface {
	AttachReplay(ctx context.Context, occurrenceID uuid.UUID, ref string) error
}

// Listener hands replay payloads from ingested events to a Store.
type Listener struct {
	store    Store
	attacher Attacher
}

func NewListener(s Store, a Attacher) *Listener {
	return &Listener{store: s, attacher: a}
}

// Handle is the bus subscriber. Events without a payload, or for projects
// with replay disabled, are skipped.
func (l *Listener) Handle(ctx context.Context, ev events.IngestedEvent) error {
	if ev.Replay == nil || !ev.ReplayEnabled || ev.Occurrence == nil || ev.Project == nil {
		return nil
	}
	if len(ev.Replay.Events) == 0 {
		return nil
	}

	ref, err := l.store.Save(ctx, ev.Project.ID, ev.Occurrence.ID, ev.Replay)
	if err != nil {
		return fmt.Errorf("saving replay: %w", err)
	}

	if err := l.attacher.AttachReplay(ctx, ev.Occurrence.ID, ref); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("replay already attached or occurrence missing",
				"occurrence_id", ev.Occurrence.ID,
				"ref", ref,
			)
			return nil
		}
		return fmt.Errorf("attaching replay: %w", err)
	}

	slog.Debug("replay stored",
		"occurrence_id", ev.Occurrence.ID,
		"session_id", ev.Replay.SessionID,
		"ref", ref,
	)
	return nil
}

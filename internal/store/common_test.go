package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bugshot/internal/store"
	"github.com/kiranshivaraju/bugshot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Behaviour shared by every Store backend. Each backend's test file calls
// these against a fresh store.

func seedProject(t *testing.T, s store.Store) *models.Project {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := &models.Project{
		ID:        uuid.New(),
		Name:      "shop",
		APIKey:    "sk_live_" + uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func newSeed(errType string) *models.ErrorAggregate {
	line := 10
	return &models.ErrorAggregate{
		ErrorType:  errType,
		Message:    "x is undefined",
		FilePath:   "a.js",
		LineNumber: &line,
	}
}

func newOccurrence(at time.Time, user *string) *models.Occurrence {
	return &models.Occurrence{
		ID:             uuid.New(),
		URL:            "/checkout",
		HTTPMethod:     "GET",
		UserIdentifier: user,
		Context:        map[string]any{"plan": "pro"},
		OccurredAt:     at.UTC().Truncate(time.Microsecond),
	}
}

func strPtr(s string) *string { return &s }

func testFindOrCreate_NewThenExisting(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)
	t0 := time.Now().UTC().Add(-time.Minute)

	agg, created, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-1", newSeed("TypeError"), newOccurrence(t0, nil))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), agg.OccurrenceCount)
	assert.Equal(t, models.StatusUnresolved, agg.Status)
	assert.Equal(t, models.SeverityMedium, agg.Severity)
	assert.Equal(t, "TypeError", agg.ErrorType)
	require.NotNil(t, agg.LineNumber)
	assert.Equal(t, 10, *agg.LineNumber)

	again, created, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-1", newSeed("TypeError"), newOccurrence(t0.Add(time.Second), nil))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, agg.ID, again.ID)
	assert.Equal(t, int64(2), again.OccurrenceCount)
	assert.True(t, again.LastSeenAt.After(agg.LastSeenAt))
}

func testFindOrCreate_LastSeenNeverMovesBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)
	t0 := time.Now().UTC()

	first, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-late", newSeed("Error"), newOccurrence(t0, nil))
	require.NoError(t, err)

	// A report that arrives late, stamped before the first one.
	late, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-late", newSeed("Error"), newOccurrence(t0.Add(-time.Hour), nil))
	require.NoError(t, err)
	assert.True(t, late.LastSeenAt.Equal(first.LastSeenAt))
	assert.False(t, late.LastSeenAt.Before(late.FirstSeenAt))
}

func testFindOrCreate_Concurrent(t *testing.T, s store.Store, n int) {
	ctx := context.Background()
	p := seedProject(t, s)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[uuid.UUID]int{}
		creates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg, created, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-race", newSeed("TypeError"), newOccurrence(time.Now(), nil))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[agg.ID]++
			if created {
				creates++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, creates)
	for id := range ids {
		agg, err := s.GetErrorAggregate(ctx, id, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(n), agg.OccurrenceCount)

		occs, err := s.ListOccurrences(ctx, id, 100)
		require.NoError(t, err)
		assert.Len(t, occs, min(n, 100))
	}
}

func testFindOrCreate_ProjectsIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	p1, p2 := seedProject(t, s), seedProject(t, s)

	a1, created1, err := s.FindOrCreateAndIncrement(ctx, p1.ID, "fp-same", newSeed("TypeError"), newOccurrence(time.Now(), nil))
	require.NoError(t, err)
	a2, created2, err := s.FindOrCreateAndIncrement(ctx, p2.ID, "fp-same", newSeed("TypeError"), newOccurrence(time.Now(), nil))
	require.NoError(t, err)

	assert.True(t, created1)
	assert.True(t, created2)
	assert.NotEqual(t, a1.ID, a2.ID)

	_, err = s.GetErrorAggregate(ctx, a1.ID, p2.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCountDistinctUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)

	users := []*string{strPtr("u1"), strPtr("u2"), strPtr("u1"), nil, nil}
	var id uuid.UUID
	for _, u := range users {
		agg, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-users", newSeed("TypeError"), newOccurrence(time.Now(), u))
		require.NoError(t, err)
		id = agg.ID
	}

	n, err := s.CountDistinctUsers(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func testUpdatePriority(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)
	agg, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-prio", newSeed("TypeError"), newOccurrence(time.Now(), nil))
	require.NoError(t, err)

	require.NoError(t, s.UpdatePriority(ctx, agg.ID, 3, 66.05, models.SeverityCritical))

	got, err := s.GetErrorAggregate(ctx, agg.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.AffectedUsersCount)
	assert.Equal(t, 66.05, got.PriorityScore)
	assert.Equal(t, models.SeverityCritical, got.Severity)

	assert.ErrorIs(t, s.UpdatePriority(ctx, uuid.New(), 1, 1, models.SeverityLow), store.ErrNotFound)
}

func testTransitionStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)
	agg, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-status", newSeed("TypeError"), newOccurrence(time.Now(), nil))
	require.NoError(t, err)

	_, err = s.TransitionStatus(ctx, agg.ID, p.ID, models.ActionReopen, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	resolved, err := s.TransitionStatus(ctx, agg.ID, p.ID, models.ActionResolve, "user-7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "user-7", *resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = s.TransitionStatus(ctx, agg.ID, p.ID, models.ActionIgnore, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	// New occurrences keep counting but never reopen.
	bumped, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-status", newSeed("TypeError"), newOccurrence(time.Now(), nil))
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, bumped.Status)
	assert.Equal(t, int64(2), bumped.OccurrenceCount)

	reopened, err := s.TransitionStatus(ctx, agg.ID, p.ID, models.ActionReopen, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnresolved, reopened.Status)
	assert.Nil(t, reopened.ResolvedAt)
	assert.Nil(t, reopened.ResolvedBy)

	_, err = s.TransitionStatus(ctx, uuid.New(), p.ID, models.ActionResolve, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListErrorAggregates(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)

	for i, fp := range []string{"fp-a", "fp-b", "fp-c"} {
		for j := 0; j <= i; j++ {
			_, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, fp, newSeed("TypeError"), newOccurrence(time.Now(), nil))
			require.NoError(t, err)
		}
	}

	all, total, err := s.ListErrorAggregates(ctx, store.ErrorFilter{ProjectID: p.ID, Sort: store.SortCount})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "fp-c", all[0].Fingerprint)
	assert.Equal(t, int64(3), all[0].OccurrenceCount)

	_, err = s.TransitionStatus(ctx, all[0].ID, p.ID, models.ActionIgnore, "")
	require.NoError(t, err)

	unresolved, total, err := s.ListErrorAggregates(ctx, store.ErrorFilter{ProjectID: p.ID, Status: models.StatusUnresolved})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, unresolved, 2)

	page2, total, err := s.ListErrorAggregates(ctx, store.ErrorFilter{ProjectID: p.ID, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page2, 1)
}

func testChannels(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	on := &models.NotificationChannel{
		ID: uuid.New(), ProjectID: p.ID, Type: models.ChannelSlack, Name: "ops", Enabled: true,
		MinSeverity: models.SeverityHigh,
		Config:      map[string]string{models.ConfigWebhookURL: "https://hooks.slack.test/x"},
		CreatedAt:   now, UpdatedAt: now,
	}
	off := &models.NotificationChannel{
		ID: uuid.New(), ProjectID: p.ID, Type: models.ChannelWebhook, Name: "off", Enabled: false,
		CreatedAt: now.Add(time.Second), UpdatedAt: now,
	}
	require.NoError(t, s.CreateChannel(ctx, on))
	require.NoError(t, s.CreateChannel(ctx, off))

	chans, err := s.ListEnabledChannels(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, on.ID, chans[0].ID)
	assert.Equal(t, "https://hooks.slack.test/x", chans[0].Config[models.ConfigWebhookURL])

	require.NoError(t, s.RecordChannelSuccess(ctx, on.ID, now))
	require.NoError(t, s.RecordChannelFailure(ctx, on.ID))
	require.NoError(t, s.RecordChannelFailure(ctx, on.ID))

	got, err := s.GetChannel(ctx, on.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SentCount)
	assert.Equal(t, int64(2), got.FailureCount)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(now))

	offGot, err := s.GetChannel(ctx, off.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, offGot.MinSeverity)
}

func testAttachReplay(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)
	occ := newOccurrence(time.Now(), nil)
	agg, _, err := s.FindOrCreateAndIncrement(ctx, p.ID, "fp-replay", newSeed("TypeError"), occ)
	require.NoError(t, err)

	require.NoError(t, s.AttachReplay(ctx, occ.ID, "file:///replays/x.json.gz"))
	assert.ErrorIs(t, s.AttachReplay(ctx, occ.ID, "file:///other"), store.ErrNotFound)

	occs, err := s.ListOccurrences(ctx, agg.ID, 10)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	require.NotNil(t, occs[0].SessionReplayRef)
	assert.Equal(t, "file:///replays/x.json.gz", *occs[0].SessionReplayRef)
}

func testProjects(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := seedProject(t, s)

	got, err := s.GetProjectByAPIKey(ctx, p.APIKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = s.GetProjectByAPIKey(ctx, "sk_live_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.IncrementProjectStats(ctx, p.ID, at))
	require.NoError(t, s.IncrementProjectStats(ctx, p.ID, at.Add(-time.Hour)))

	got, err = s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalErrors)
	require.NotNil(t, got.LastErrorAt)
	assert.True(t, got.LastErrorAt.Equal(at))
}

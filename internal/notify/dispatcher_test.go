package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/internal/store"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// fakeSender records deliveries and returns a canned result.
type fakeSender struct {
	typ   models.ChannelType
	err   error
	panic bool
	delay time.Duration

	mu    sync.Mutex
	sent  []uuid.UUID
	tests int
}

func (f *fakeSender) Type() models.ChannelType { return f.typ }

func (f *fakeSender) Send(ctx context.Context, ch *models.NotificationChannel, _ *models.Project, _ *models.ErrorAggregate, _ *models.Occurrence) error {
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, ch.ID)
	f.mu.Unlock()
	return f.err
}

func (f *fakeSender) SendTest(context.Context, *models.NotificationChannel) error {
	f.mu.Lock()
	f.tests++
	f.mu.Unlock()
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func seedChannel(t *testing.T, s store.Store, projectID uuid.UUID, typ models.ChannelType, minSev models.Severity, enabled bool) *models.NotificationChannel {
	t.Helper()
	ch := &models.NotificationChannel{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Type:        typ,
		Name:        string(typ),
		Enabled:     enabled,
		MinSeverity: minSev,
		Config:      map[string]string{},
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateChannel(context.Background(), ch))
	return ch
}

func ingested(projectID uuid.UUID, sev models.Severity) events.IngestedEvent {
	project, agg, occ := testFixtures()
	project.ID = projectID
	agg.ProjectID = projectID
	agg.Severity = sev
	return events.IngestedEvent{Project: project, Aggregate: agg, Occurrence: occ}
}

func TestDispatcher_FiltersBySeverity(t *testing.T) {
	s := store.NewMemoryStore()
	projectID := uuid.New()
	high := seedChannel(t, s, projectID, models.ChannelSlack, models.SeverityHigh, true)
	seedChannel(t, s, projectID, models.ChannelSlack, models.SeverityCritical, false)
	low := seedChannel(t, s, projectID, models.ChannelSlack, models.SeverityLow, true)
	seedChannel(t, s, uuid.New(), models.ChannelSlack, models.SeverityLow, true)

	slack := &fakeSender{typ: models.ChannelSlack}
	d := NewDispatcher(s, NewRegistry(slack), DispatcherOptions{})

	require.NoError(t, d.HandleIngested(context.Background(), ingested(projectID, models.SeverityMedium)))
	assert.Equal(t, []uuid.UUID{low.ID}, slack.sent)

	require.NoError(t, d.HandleIngested(context.Background(), ingested(projectID, models.SeverityCritical)))
	assert.ElementsMatch(t, []uuid.UUID{low.ID, low.ID, high.ID}, slack.sent)

	got, err := s.GetChannel(context.Background(), high.ID, projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SentCount)
	assert.NotNil(t, got.LastTriggeredAt)
}

func TestDispatcher_FailingSenderIsolated(t *testing.T) {
	s := store.NewMemoryStore()
	projectID := uuid.New()
	bad := seedChannel(t, s, projectID, models.ChannelWebhook, models.SeverityLow, true)
	panicky := seedChannel(t, s, projectID, models.ChannelDiscord, models.SeverityLow, true)
	unknown := seedChannel(t, s, projectID, models.ChannelType("kakaowork"), models.SeverityLow, true)
	good := seedChannel(t, s, projectID, models.ChannelSlack, models.SeverityLow, true)

	slack := &fakeSender{typ: models.ChannelSlack}
	d := NewDispatcher(s, NewRegistry(
		slack,
		&fakeSender{typ: models.ChannelWebhook, err: errors.New("status 500")},
		&fakeSender{typ: models.ChannelDiscord, panic: true},
	), DispatcherOptions{})

	require.NoError(t, d.HandleIngested(context.Background(), ingested(projectID, models.SeverityHigh)))
	assert.Equal(t, 1, slack.count())

	ctx := context.Background()
	for _, id := range []uuid.UUID{bad.ID, panicky.ID, unknown.ID} {
		ch, err := s.GetChannel(ctx, id, projectID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), ch.FailureCount, "channel %s", ch.Type)
		assert.Zero(t, ch.SentCount)
	}
	ch, err := s.GetChannel(ctx, good.ID, projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ch.SentCount)
	assert.Zero(t, ch.FailureCount)
}

func TestDispatcher_SendTimeout(t *testing.T) {
	s := store.NewMemoryStore()
	projectID := uuid.New()
	slow := seedChannel(t, s, projectID, models.ChannelSlack, models.SeverityLow, true)

	d := NewDispatcher(s, NewRegistry(&fakeSender{typ: models.ChannelSlack, delay: time.Second}),
		DispatcherOptions{Timeout: 20 * time.Millisecond})

	start := time.Now()
	require.NoError(t, d.HandleIngested(context.Background(), ingested(projectID, models.SeverityLow)))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ch, err := s.GetChannel(context.Background(), slow.ID, projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ch.FailureCount)
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	s := store.NewMemoryStore()
	projectID := uuid.New()
	for range 10 {
		seedChannel(t, s, projectID, models.ChannelWebhook, models.SeverityLow, true)
	}

	var cur, peak atomic.Int32
	url := httptestGate(t, &cur, &peak)
	chs, err := s.ListEnabledChannels(context.Background(), projectID)
	require.NoError(t, err)
	mem := &staticChannels{MemoryStore: s, channels: chs}
	for _, ch := range chs {
		ch.Config = map[string]string{models.ConfigURL: url}
	}

	d := NewDispatcher(mem, NewRegistry(NewWebhookSender(nil, "")), DispatcherOptions{Concurrency: 3})
	require.NoError(t, d.HandleIngested(context.Background(), ingested(projectID, models.SeverityLow)))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestDispatcher_SendTest(t *testing.T) {
	slack := &fakeSender{typ: models.ChannelSlack}
	d := NewDispatcher(store.NewMemoryStore(), NewRegistry(slack), DispatcherOptions{})

	require.NoError(t, d.SendTest(context.Background(), &models.NotificationChannel{Type: models.ChannelSlack}))
	assert.Equal(t, 1, slack.tests)

	err := d.SendTest(context.Background(), &models.NotificationChannel{Type: models.ChannelEmail})
	assert.ErrorIs(t, err, ErrUnsupportedChannel)

	slack.err = ErrMissingTarget
	assert.ErrorIs(t, d.SendTest(context.Background(), &models.NotificationChannel{Type: models.ChannelSlack}), ErrMissingTarget)
}

// staticChannels serves a fixed channel list while recording counters in the
// embedded store.
type staticChannels struct {
	*store.MemoryStore
	channels []*models.NotificationChannel
}

func (s *staticChannels) ListEnabledChannels(context.Context, uuid.UUID) ([]*models.NotificationChannel, error) {
	return s.channels, nil
}

func httptestGate(t *testing.T, cur, peak *atomic.Int32) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

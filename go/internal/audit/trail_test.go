package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/db/dbtest"
	"github.com/clowbot/clowbot/go/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.AuditEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func TestScope_PublishesOnlyAfterFlush(t *testing.T) {
	ctx := context.Background()
	d := dbtest.Open(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	trail := NewTrail(d.Dialect, clock, sink)

	scope := trail.Bind(d)
	user := "u1"
	event, err := scope.Record(ctx, Warn("t1", &user, EventOutboxPolicyLifted, "policy lifted", map[string]any{"outbox_id": "x"}))
	require.NoError(t, err)
	assert.Equal(t, models.SeverityWarn, event.Severity)
	assert.Equal(t, clock.Now().UTC(), event.CreatedAt)

	assert.Empty(t, sink.types())
	assert.Equal(t, 1, scope.Pending())

	scope.Flush(ctx)
	assert.Equal(t, []string{EventOutboxPolicyLifted}, sink.types())
	assert.Equal(t, 0, scope.Pending())

	events, err := NewRepository(d, d.Dialect).ListForTenant(ctx, "t1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, "u1", *events[0].UserID)
	assert.Equal(t, "x", events[0].Context["outbox_id"])
}

func TestScope_DiscardDropsPending(t *testing.T) {
	ctx := context.Background()
	d := dbtest.Open(t)
	sink := &recordingSink{}
	trail := NewTrail(d.Dialect, clockwork.NewFakeClock(), sink)

	scope := trail.Bind(d)
	_, err := scope.Record(ctx, Info("t1", nil, EventOutboxCreated, "created", nil))
	require.NoError(t, err)
	scope.Discard()
	scope.Flush(ctx)

	assert.Empty(t, sink.types())
}

func TestTrail_RecordSurvivesSinkFailure(t *testing.T) {
	ctx := context.Background()
	d := dbtest.Open(t)
	sink := &recordingSink{err: errors.New("broker down")}
	trail := NewTrail(d.Dialect, clockwork.NewFakeClock(), sink)

	event, err := trail.Record(ctx, d, Error("t1", nil, EventOutboxFailed, "boom", nil))
	require.NoError(t, err)
	assert.NotNil(t, event.Context)

	n, err := NewRepository(d, d.Dialect).CountByType(ctx, "t1", EventOutboxFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTrail_NilSinkDefaultsToNop(t *testing.T) {
	d := dbtest.Open(t)
	trail := NewTrail(d.Dialect, clockwork.NewFakeClock(), nil)
	_, err := trail.Record(context.Background(), d, Info("t1", nil, EventExecutorTick, "tick", nil))
	require.NoError(t, err)
}

func TestRepository_ListFilters(t *testing.T) {
	ctx := context.Background()
	d := dbtest.Open(t)
	clock := clockwork.NewFakeClock()
	trail := NewTrail(d.Dialect, clock, nil)

	for _, et := range []string{EventToolCall, EventToolResult, EventToolCall} {
		_, err := trail.Record(ctx, d, Info("t1", nil, et, et, nil))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := trail.Record(ctx, d, Info("t2", nil, EventToolCall, "other tenant", nil))
	require.NoError(t, err)

	repo := NewRepository(d, d.Dialect)

	all, err := repo.ListForTenant(ctx, "t1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt), "newest first")

	calls, err := repo.ListForTenant(ctx, "t1", ListFilter{EventType: EventToolCall})
	require.NoError(t, err)
	assert.Len(t, calls, 2)

	limited, err := repo.ListForTenant(ctx, "t1", ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
	assert.Equal(t, EventToolCall, limited[0].EventType)
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("nope")}
	f := Fanout{ok, nil, bad}

	err := f.Publish(context.Background(), models.AuditEvent{EventType: EventOutboxStubSent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, []string{EventOutboxStubSent}, ok.types())
}

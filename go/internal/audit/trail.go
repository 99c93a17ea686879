package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/models"
)

// Trail writes audit rows and, once they are durable, publishes them to a Sink.
type Trail struct {
	dialect db.Dialect
	clock   clockwork.Clock
	sink    Sink
}

func NewTrail(dialect db.Dialect, clock clockwork.Clock, sink Sink) *Trail {
	if sink == nil {
		sink = NopSink{}
	}
	return &Trail{dialect: dialect, clock: clock, sink: sink}
}

// Bind returns a scope writing through q. Events recorded on the scope are
// published only when Flush is called, which callers do after commit.
func (t *Trail) Bind(q db.Querier) *Scope {
	return &Scope{trail: t, repo: NewRepository(q, t.dialect)}
}

// Record writes e outside any caller transaction and publishes it right away.
func (t *Trail) Record(ctx context.Context, q db.Querier, e Entry) (*models.AuditEvent, error) {
	s := t.Bind(q)
	event, err := s.Record(ctx, e)
	if err != nil {
		return nil, err
	}
	s.Flush(ctx)
	return event, nil
}

// Scope collects the events of one unit of work.
type Scope struct {
	trail   *Trail
	repo    *Repository
	mu      sync.Mutex
	pending []models.AuditEvent
}

// Record inserts the audit row. The error is the insert's; publishing is deferred.
func (s *Scope) Record(ctx context.Context, e Entry) (*models.AuditEvent, error) {
	event := &models.AuditEvent{
		ID:        uuid.New(),
		TenantID:  e.TenantID,
		UserID:    e.UserID,
		EventType: e.EventType,
		Severity:  e.Severity,
		Message:   e.Message,
		Context:   e.Context,
		CreatedAt: s.trail.clock.Now().UTC(),
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if event.Context == nil {
		event.Context = map[string]any{}
	}
	if err := s.repo.Insert(ctx, event); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pending = append(s.pending, *event)
	s.mu.Unlock()

	log.Debug().
		Str("tenant_id", event.TenantID).
		Str("event_type", event.EventType).
		Str("severity", string(event.Severity)).
		Msg(event.Message)

	return event, nil
}

// Flush publishes the recorded events. Publish failures are logged, never returned.
func (s *Scope) Flush(ctx context.Context) {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, event := range events {
		if err := s.trail.sink.Publish(ctx, event); err != nil {
			log.Warn().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Msg("failed to publish audit event")
		}
	}
}

// Discard drops unpublished events, used when the surrounding transaction rolls back.
func (s *Scope) Discard() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// Pending returns how many events await Flush.
func (s *Scope) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

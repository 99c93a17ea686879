package audit

import (
	"context"
	"errors"

	"github.com/clowbot/clowbot/go/internal/models"
)

// Sink receives committed audit events.
type Sink interface {
	Publish(ctx context.Context, event models.AuditEvent) error
}

// NopSink drops every event. It is the default when no broker is configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, models.AuditEvent) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, event models.AuditEvent) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

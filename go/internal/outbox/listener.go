package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the channel the outbox_messages trigger notifies on.
const NotifyChannel = "outbox_messages_queued"

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to wake without a notification
	PingInterval     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    NotifyChannel,
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
	}
}

// Waker is woken when new rows are queued.
type Waker interface {
	Wake()
}

// Listener turns Postgres notifications into worker wake-ups so queued rows
// are dispatched without waiting for the next poll.
type Listener struct {
	listener *pq.Listener
	waker    Waker
	cfg      ListenerConfig
}

func NewListener(waker Waker, cfg ListenerConfig) (*Listener, error) {
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = NotifyChannel
	}
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return &Listener{listener: l, waker: waker, cfg: cfg}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// the connection was re-established; rows queued meanwhile
				// produced no notification
				l.waker.Wake()
				continue
			}
			l.handleNotification(note.Extra)
		case <-fallbackTicker.C:
			l.waker.Wake()
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

// handleNotification wakes the worker. Extra carries the queued row id, which
// is only logged; the dispatcher claims rows oldest first regardless.
func (l *Listener) handleNotification(extra string) {
	if _, err := uuid.Parse(extra); err != nil {
		log.Warn().Err(err).Str("extra", extra).Msg("invalid outbox id in notification")
	} else {
		log.Debug().Str("outbox_id", extra).Msg("outbox row queued")
	}
	l.waker.Wake()
}

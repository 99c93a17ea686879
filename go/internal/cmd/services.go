package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/actions"
	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/config"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/policy"
	"github.com/clowbot/clowbot/go/internal/skills"
)

type Services struct {
	Policy  *policy.Service
	Outbox  *outbox.Service
	Actions *actions.Service
	Skills  *skills.Service
	Audit   *audit.Service
	Health  *outbox.HealthChecker

	feed *audit.Feed
	sink *audit.JetStreamSink
}

// setupServices wires the dependency chain:
// database → stores and trail → apps → HTTP services.
func setupServices(ctx context.Context, cfg config.Config, database *db.DB) *Services {
	clock := clockwork.NewRealClock()

	feed := audit.NewFeed(audit.DefaultFeedConfig())
	sinks := audit.Fanout{feed}
	var sink *audit.JetStreamSink
	if jsCfg, ok := cfg.JetStream(); ok {
		s, err := audit.NewJetStreamSink(ctx, jsCfg)
		if err != nil {
			log.Warn().Err(err).Msg("audit stream unavailable, events stay local")
		} else {
			sink = s
			sinks = append(sinks, s)
		}
	}
	trail := audit.NewTrail(database.Dialect, clock, sinks)

	var oracle freshness.Oracle = freshness.AlwaysFresh()
	if cfg.Bootstrap.GateEnabled {
		oracle = freshness.NewDocumentOracle(database.Dialect, clock, cfg.BootstrapMaxAge())
	}

	policies := policy.NewStore(database.Dialect, clock)
	ledger := outbox.NewApp(database, policies, trail, clock)
	pending := actions.NewApp(database, trail, clock)
	skillApp := skills.NewApp(database, trail, oracle, clock, ledger, pending)

	guard := httpapi.AdminGuard{Token: cfg.AdminToken, Disabled: cfg.AuthDisabled}

	svc := &Services{
		Policy:  policy.NewService(database, policies, trail, guard),
		Outbox:  outbox.NewService(ledger),
		Actions: actions.NewService(pending),
		Skills:  skills.NewService(skillApp),
		Audit:   audit.NewService(database, feed),
		feed:    feed,
		sink:    sink,
	}
	svc.Health = outbox.NewHealthChecker(nil, database, svc.natsConn(), nil, clock, 30*time.Minute)
	return svc
}

func (s *Services) natsConn() *nats.Conn {
	if s.sink == nil {
		return nil
	}
	return s.sink.Conn()
}

// start runs the background pieces the services depend on.
func (s *Services) start(ctx context.Context) {
	go s.feed.Start(ctx)
}

func (s *Services) close() {
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close audit stream")
		}
	}
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/models"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep events
	Replicas        int
	DuplicateWindow time.Duration // Window for event-id dedup
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "CLOWBOT_AUDIT",
		SubjectPrefix:   "clowbot.audit",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// Subject returns the subject an event of eventType is published on.
func (c JetStreamConfig) Subject(eventType string) string {
	return c.SubjectPrefix + "." + subjectToken(eventType)
}

// subjectToken keeps a value usable as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func connect(cfg JetStreamConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name("clowbot-audit"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return nc, js, nil
}

// JetStreamSink publishes audit events to a JetStream stream. The event id is
// the message id, so a retried publish inside the duplicate window is dropped
// by the server.
type JetStreamSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamSink(ctx context.Context, cfg JetStreamConfig) (*JetStreamSink, error) {
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	s := &JetStreamSink{nc: nc, js: js, config: cfg}
	if err := s.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return s, nil
}

func (s *JetStreamSink) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        s.config.StreamName,
		Description: "Audit trail for outbox and approval events",
		Subjects:    []string{s.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    s.config.Replicas,
		Duplicates:  s.config.DuplicateWindow,
	}
}

func (s *JetStreamSink) ensureStream(ctx context.Context) error {
	sc := s.streamConfig()

	stream, err := s.js.Stream(ctx, s.config.StreamName)
	if err != nil {
		if _, err = s.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", s.config.StreamName).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !sameStreamConfig(info.Config, sc) {
		if _, err = s.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", s.config.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

func (s *JetStreamSink) Publish(ctx context.Context, event models.AuditEvent) error {
	msg, err := s.config.message(event)
	if err != nil {
		return err
	}

	ack, err := s.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(event.ID.String()),
		jetstream.WithExpectStream(s.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", msg.Subject).
		Str("event_id", event.ID.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published audit event")
	return nil
}

// Conn exposes the connection for health reporting.
func (s *JetStreamSink) Conn() *nats.Conn {
	return s.nc
}

func (s *JetStreamSink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

const (
	headerEventType = "Event-Type"
	headerEventID   = "Event-ID"
	headerTenantID  = "Tenant-ID"
)

// message builds the wire message for event. The body is the event's JSON form.
func (c JetStreamConfig) message(event models.AuditEvent) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	return &nats.Msg{
		Subject: c.Subject(event.EventType),
		Data:    data,
		Header: nats.Header{
			headerEventType: []string{event.EventType},
			headerEventID:   []string{event.ID.String()},
			headerTenantID:  []string{event.TenantID},
		},
	}, nil
}

func sameStreamConfig(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}

// ConsumerConfig configures the durable consumer that feeds live subscribers.
type ConsumerConfig struct {
	JetStreamConfig
	ConsumerName  string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		JetStreamConfig: DefaultJetStreamConfig(),
		ConsumerName:    "clowbot-audit-feed",
		MaxDeliver:      5,
		AckWait:         30 * time.Second,
		MaxAckPending:   100,
	}
}

// Consumer reads the audit stream and forwards each event to a Sink,
// typically a Feed serving websocket clients in another process.
type Consumer struct {
	sink     Sink
	nc       *nats.Conn
	consumer jetstream.Consumer
	config   ConsumerConfig
}

func NewConsumer(ctx context.Context, sink Sink, cfg ConsumerConfig) (*Consumer, error) {
	nc, js, err := connect(cfg.JetStreamConfig)
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, cfg.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          cfg.ConsumerName,
			Durable:       cfg.ConsumerName,
			Description:   "Live audit feed",
			FilterSubject: cfg.SubjectPrefix + ".>",
			DeliverPolicy: jetstream.DeliverNewPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    cfg.MaxDeliver,
			AckWait:       cfg.AckWait,
			MaxAckPending: cfg.MaxAckPending,
			ReplayPolicy:  jetstream.ReplayInstantPolicy,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", cfg.ConsumerName).
			Str("stream", cfg.StreamName).
			Msg("created JetStream consumer")
	}

	return &Consumer{sink: sink, nc: nc, consumer: consumer, config: cfg}, nil
}

// Start consumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Msg("starting audit consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("audit consumer shutting down")
			return nil
		case msg := <-messageCh:
			event, err := decodeEvent(msg.Data())
			if err != nil {
				// a malformed body will never decode, so redelivery is pointless
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed audit message")
				if termErr := msg.Term(); termErr != nil {
					log.Error().Err(termErr).Msg("failed to TERM message")
				}
				continue
			}
			if err := c.sink.Publish(ctx, event); err != nil {
				log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to forward audit event")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

func decodeEvent(data []byte) (models.AuditEvent, error) {
	var event models.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return models.AuditEvent{}, fmt.Errorf("unmarshal audit event: %w", err)
	}
	if event.TenantID == "" || event.EventType == "" {
		return models.AuditEvent{}, errors.New("audit event missing tenant or type")
	}
	return event, nil
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/models"
)

// FeedConfig holds configuration for websocket subscribers.
type FeedConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Feed pushes audit events to websocket subscribers of the same tenant.
// It implements Sink so it can sit behind a Trail or a Consumer.
type Feed struct {
	subscribers map[string]map[*subscriber]bool
	mu          sync.RWMutex

	upgrader    websocket.Upgrader
	config      FeedConfig
	broadcastCh chan models.AuditEvent
}

type subscriber struct {
	id          string
	tenantID    string
	eventType   string
	conn        *websocket.Conn
	send        chan []byte
	feed        *Feed
	connectedAt time.Time
	closeOnce   sync.Once
}

func NewFeed(config FeedConfig) *Feed {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	return &Feed{
		subscribers: make(map[string]map[*subscriber]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan models.AuditEvent, 1000),
	}
}

// Start fans queued events out until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	log.Info().Msg("audit feed started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("audit feed shutting down")
			f.closeAll()
			return
		case event := <-f.broadcastCh:
			f.broadcast(event)
		}
	}
}

var errFeedFull = errors.New("audit feed queue full")

// Publish queues event for delivery. A full queue drops the event.
func (f *Feed) Publish(_ context.Context, event models.AuditEvent) error {
	select {
	case f.broadcastCh <- event:
		return nil
	default:
		log.Warn().Str("tenant_id", event.TenantID).Msg("audit feed queue full, dropping event")
		return errFeedFull
	}
}

// ServeHTTP upgrades the request and subscribes it to its tenant's events.
// Browsers cannot set headers on a websocket handshake, so tenant_id is also
// accepted as a query parameter. event_type narrows the stream.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(httpapi.HeaderTenantID)
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the failure response
		log.Error().Err(err).Msg("failed to upgrade audit websocket")
		return
	}

	sub := &subscriber{
		id:          uuid.New().String(),
		tenantID:    tenantID,
		eventType:   r.URL.Query().Get("event_type"),
		conn:        conn,
		send:        make(chan []byte, f.config.SendBuffer),
		feed:        f,
		connectedAt: time.Now(),
	}
	f.register(sub)

	go sub.writePump()
	go sub.readPump()

	log.Info().
		Str("connection_id", sub.id).
		Str("tenant_id", tenantID).
		Msg("audit websocket connected")
}

func (f *Feed) register(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribers[sub.tenantID] == nil {
		f.subscribers[sub.tenantID] = make(map[*subscriber]bool)
	}
	f.subscribers[sub.tenantID][sub] = true
}

func (f *Feed) unregister(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subscribers[sub.tenantID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(f.subscribers, sub.tenantID)
	}
	log.Info().
		Str("connection_id", sub.id).
		Str("tenant_id", sub.tenantID).
		Msg("audit websocket disconnected")
}

func (f *Feed) broadcast(event models.AuditEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit event for broadcast")
		return
	}

	// sends happen under the read lock so unregister cannot close a channel mid-send
	var slow []*subscriber
	f.mu.RLock()
	for sub := range f.subscribers[event.TenantID] {
		if sub.eventType != "" && sub.eventType != event.EventType {
			continue
		}
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	f.mu.RUnlock()

	for _, sub := range slow {
		log.Warn().
			Str("connection_id", sub.id).
			Msg("subscriber send buffer full, closing connection")
		f.unregister(sub)
		sub.close()
	}
}

func (f *Feed) closeAll() {
	f.mu.RLock()
	var all []*subscriber
	for _, subs := range f.subscribers {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	f.mu.RUnlock()
	for _, sub := range all {
		f.unregister(sub)
	}
}

// Stats reports connected subscribers per tenant.
func (f *Feed) Stats() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]int, len(f.subscribers))
	for tenant, subs := range f.subscribers {
		out[tenant] = len(subs)
	}
	return out
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { s.conn.Close() })
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(s.feed.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
		s.feed.unregister(s)
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.feed.config.WriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", s.id).Msg("failed to write audit event")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.feed.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; subscribers never send commands.
func (s *subscriber) readPump() {
	defer func() {
		s.feed.unregister(s)
		s.close()
	}()

	s.conn.SetReadLimit(s.feed.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.feed.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.feed.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", s.id).Msg("unexpected audit websocket close")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.feed.config.ReadTimeout))
	}
}

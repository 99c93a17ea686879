package outbox

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/httpapi"
	"github.com/clowbot/clowbot/go/internal/models"
)

type HealthStatus struct {
	Healthy           bool                        `json:"healthy"`
	Cycles            uint64                      `json:"cycles"`
	LastCycleAt       *time.Time                  `json:"last_cycle_at,omitempty"`
	PendingByStatus   map[models.OutboxStatus]int `json:"pending_by_status"`
	OldestQueuedAt    *time.Time                  `json:"oldest_queued_at,omitempty"`
	DatabaseConnected bool                        `json:"database_connected"`
	NATSConnected     *bool                       `json:"nats_connected,omitempty"`
	WorkerActive      bool                        `json:"worker_active"`
	Errors            []string                    `json:"errors"`
}

// HealthChecker reports worker liveness and queue depth.
type HealthChecker struct {
	worker    *Worker
	db        *db.DB
	repo      *Repository
	natsConn  *nats.Conn
	metrics   *CounterMetrics
	clock     clockwork.Clock
	threshold time.Duration // how old the oldest QUEUED row may get
}

func NewHealthChecker(worker *Worker, database *db.DB, natsConn *nats.Conn, metrics *CounterMetrics, clock clockwork.Clock, threshold time.Duration) *HealthChecker {
	return &HealthChecker{
		worker:    worker,
		db:        database,
		repo:      NewRepository(database, database.Dialect),
		natsConn:  natsConn,
		metrics:   metrics,
		clock:     clock,
		threshold: threshold,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:         true,
		PendingByStatus: map[models.OutboxStatus]int{},
		Errors:          []string{},
	}

	if h.worker != nil {
		cycles, last := h.worker.Stats()
		status.Cycles = cycles
		if !last.IsZero() {
			status.LastCycleAt = &last
		}
		status.WorkerActive = h.worker.Running()
		if !status.WorkerActive {
			status.Healthy = false
			status.Errors = append(status.Errors, "worker not active")
		}
	}

	if err := h.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.natsConn != nil {
		connected := h.natsConn.IsConnected()
		status.NATSConnected = &connected
		if !connected {
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if status.DatabaseConnected {
		counts, err := h.repo.CountByStatus(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count outbox rows: %v", err))
		} else {
			for _, s := range []models.OutboxStatus{models.OutboxStatusQueued, models.OutboxStatusSending, models.OutboxStatusFailed} {
				status.PendingByStatus[s] = counts[s]
			}
			if counts[models.OutboxStatusSending] > 0 {
				status.Errors = append(status.Errors, fmt.Sprintf("%d rows stuck in SENDING need an operator reset", counts[models.OutboxStatusSending]))
			}
		}

		oldest, err := h.repo.OldestQueuedAt(ctx)
		if err != nil {
			status.Errors = append(status.Errors, err.Error())
		} else if oldest != nil {
			status.OldestQueuedAt = oldest
			// blocked rows legitimately wait, so a lagging queue is reported but not fatal
			if lag := h.clock.Since(*oldest); h.threshold > 0 && lag > h.threshold {
				status.Errors = append(status.Errors, fmt.Sprintf("oldest queued row waiting for %s", lag.Round(time.Second)))
			}
		}
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	httpapi.WriteJSON(w, code, status)
}

// MetricsHandler exports the health snapshot and counters in Prometheus text format.
func (h *HealthChecker) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, h.export(ctx))
	})
}

func (h *HealthChecker) export(ctx context.Context) string {
	status := h.Check(ctx)
	var b strings.Builder

	gauge := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, v)
	}
	gauge("outbox_healthy", "Whether the outbox worker is healthy", boolInt(status.Healthy))
	gauge("outbox_database_connected", "Whether the database is reachable", boolInt(status.DatabaseConnected))
	gauge("outbox_worker_active", "Whether the worker loop is running", boolInt(status.WorkerActive))
	fmt.Fprintf(&b, "# HELP outbox_rows Outbox rows by non-terminal status\n# TYPE outbox_rows gauge\n")
	for _, s := range sortedStatuses(status.PendingByStatus) {
		fmt.Fprintf(&b, "outbox_rows{status=%q} %d\n", s, status.PendingByStatus[s])
	}

	if h.metrics != nil {
		snap := h.metrics.Snapshot()
		fmt.Fprintf(&b, "# HELP outbox_rows_processed_total Rows finished per dispatch outcome\n# TYPE outbox_rows_processed_total counter\n")
		for _, s := range sortedStatuses(snap.RowsByStatus) {
			fmt.Fprintf(&b, "outbox_rows_processed_total{status=%q} %d\n", s, snap.RowsByStatus[s])
		}
		fmt.Fprintf(&b, "# HELP outbox_send_attempts_total Adapter sends per kind\n# TYPE outbox_send_attempts_total counter\n")
		for _, k := range sortedKeys(snap.SendAttempts) {
			fmt.Fprintf(&b, "outbox_send_attempts_total{kind=%q} %d\n", k, snap.SendAttempts[k])
		}
		fmt.Fprintf(&b, "# HELP outbox_send_failures_total Failed adapter sends per kind\n# TYPE outbox_send_failures_total counter\n")
		for _, k := range sortedKeys(snap.SendFailures) {
			fmt.Fprintf(&b, "outbox_send_failures_total{kind=%q} %d\n", k, snap.SendFailures[k])
		}
		fmt.Fprintf(&b, "# HELP outbox_batches_total Dispatch batches run\n# TYPE outbox_batches_total counter\noutbox_batches_total %d\n", snap.Batches)
		gauge("outbox_last_batch_rows", "Rows finished by the last batch", snap.LastBatchCount)
	}
	return b.String()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func sortedStatuses[V any](m map[models.OutboxStatus]V) []models.OutboxStatus {
	out := make([]models.OutboxStatus, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/documents"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/adapters"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/policy"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
	"github.com/clowbot/clowbot/go/internal/tracing"
)

// BlobWriter stores preview artifacts. Writes are best effort.
type BlobWriter interface {
	PutBestEffort(ctx context.Context, key string, data []byte) bool
}

type rowOutcome int

const (
	outcomeSkipped rowOutcome = iota
	outcomeBlocked
	outcomeSent
	outcomeStubSent
	outcomeDryRun
	outcomeFailed
)

func (s *DispatchSummary) add(o rowOutcome) {
	switch o {
	case outcomeSkipped:
		s.Skipped++
	case outcomeBlocked:
		s.Blocked++
	case outcomeSent:
		s.Sent++
	case outcomeStubSent:
		s.StubSent++
	case outcomeDryRun:
		s.DryRunSent++
	case outcomeFailed:
		s.Failed++
	}
}

// delivery carries a row that reached SENDING into the send phase.
type delivery struct {
	row            *models.OutboxMessage
	payload        *payload.Payload
	adapter        adapters.Adapter
	previewDocID   uuid.UUID
	contextVersion *string
}

// Dispatcher moves QUEUED rows to a terminal state, one row per commit.
type Dispatcher struct {
	db       *db.DB
	policies *policy.Store
	oracle   freshness.Oracle
	trail    *audit.Trail
	blobs    BlobWriter
	adapters *adapters.Registry
	clock    clockwork.Clock
	metrics  MetricsCollector
	cfg      DispatcherConfig
}

func NewDispatcher(
	database *db.DB,
	policies *policy.Store,
	oracle freshness.Oracle,
	trail *audit.Trail,
	blobs BlobWriter,
	registry *adapters.Registry,
	clock clockwork.Clock,
	metrics MetricsCollector,
	cfg DispatcherConfig,
) *Dispatcher {
	if !cfg.BootstrapGateEnabled || oracle == nil {
		oracle = freshness.AlwaysFresh()
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = DefaultDispatcherConfig().AdapterTimeout
	}
	return &Dispatcher{
		db:       database,
		policies: policies,
		oracle:   oracle,
		trail:    trail,
		blobs:    blobs,
		adapters: registry,
		clock:    clock,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// DispatchOutbox processes up to limit QUEUED rows oldest first. Per-row
// failures mark that row FAILED and the batch continues; the returned error
// is only set when rows could not be claimed at all.
func (d *Dispatcher) DispatchOutbox(ctx context.Context, limit int) (DispatchSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "outbox.dispatch", map[string]string{"limit": strconv.Itoa(limit)})
	start := d.clock.Now()
	summary := DispatchSummary{OK: true}

	var seen []uuid.UUID
	for len(seen) < limit {
		if err := ctx.Err(); err != nil {
			break
		}
		id, outcome, err := d.dispatchNext(ctx, seen)
		if err != nil {
			summary.OK = false
			tracing.EndSpan(span, err)
			return summary, err
		}
		if id == uuid.Nil {
			break
		}
		seen = append(seen, id)
		summary.add(outcome)
	}

	d.metrics.RecordBatchProcessed(summary, d.clock.Since(start))
	if len(seen) > 0 {
		log.Info().
			Int("claimed", len(seen)).
			Int("sent", summary.Sent).
			Int("stub_sent", summary.StubSent).
			Int("dry_run_sent", summary.DryRunSent).
			Int("failed", summary.Failed).
			Int("blocked", summary.Blocked).
			Int("skipped", summary.Skipped).
			Msg("dispatched outbox batch")
	}
	tracing.EndSpan(span, nil)
	return summary, nil
}

// dispatchNext claims and processes one row. A nil id means the queue is empty.
func (d *Dispatcher) dispatchNext(ctx context.Context, seen []uuid.UUID) (uuid.UUID, rowOutcome, error) {
	var (
		row     *models.OutboxMessage
		pending *delivery
		outcome rowOutcome
	)
	err := d.inTx(ctx, func(repo *Repository, tx Tx) error {
		var err error
		row, err = repo.ClaimNextQueued(ctx, seen)
		if err != nil || row == nil {
			return err
		}
		pending, outcome, err = d.prepare(ctx, repo, tx, row)
		return err
	})
	if row == nil {
		if err != nil {
			return uuid.Nil, 0, fmt.Errorf("failed to claim outbox message: %w", err)
		}
		return uuid.Nil, 0, nil
	}

	rowCtx, span := tracing.StartSpan(ctx, "outbox.dispatch_row", map[string]string{
		"outbox_id": row.ID.String(),
		"tenant_id": row.TenantID,
		"channel":   row.Channel,
	})
	start := d.clock.Now()

	if err == nil && pending != nil {
		outcome, err = d.deliver(rowCtx, pending)
	}
	if err != nil {
		d.fail(ctx, row, err)
		outcome = outcomeFailed
	}

	d.metrics.RecordRowProcessed(row.Channel, outcomeStatus(outcome), d.clock.Since(start))
	tracing.EndSpan(span, err)
	return row.ID, outcome, nil
}

// prepare runs everything up to and including SENDING inside the claim
// transaction. A nil delivery means the row is finished for this cycle.
func (d *Dispatcher) prepare(ctx context.Context, repo *Repository, tx Tx, row *models.OutboxMessage) (*delivery, rowOutcome, error) {
	fresh, err := d.oracle.Check(ctx, tx.Q, row.TenantID)
	if err != nil {
		return nil, 0, err
	}
	attempt := audit.Info
	if !fresh.OK {
		attempt = audit.Warn
	}
	_, err = tx.Audit.Record(ctx, attempt(row.TenantID, row.UserID, audit.EventOutboxDispatchAttempt, "dispatch_attempt", map[string]any{
		"context_version": fresh.ContextVersion,
		"ok":              fresh.OK,
		"reason":          fresh.Reason,
		"outbox_id":       row.ID.String(),
		"channel":         row.Channel,
		"to":              row.To,
	}))
	if err != nil {
		return nil, 0, err
	}
	if !fresh.OK {
		return nil, outcomeSkipped, nil
	}

	row.Meta = row.Meta.Clone()
	p, known, err := d.normalize(row)
	if err != nil {
		return nil, 0, err
	}
	if !known {
		return nil, outcomeStubSent, d.stubLegacy(ctx, repo, tx, row)
	}
	legacy := len(row.Payload) == 0

	loaded, err := d.policies.Load(ctx, tx.Q, row.TenantID)
	if err != nil {
		return nil, 0, err
	}
	var declared *policy.Declared
	if dp, ok := policy.DeclaredFromMeta(row.Meta[MetaDeclaredPolicy]); ok {
		declared = &dp
	}
	re := policy.Reevaluate(p, declared, loaded.Allowlist, d.cfg.PolicyLiftEnabled)
	previous := p.Policy
	p = re.Payload

	if re.Escalated {
		row.Meta[MetaPolicyUpgradedToRedAtDispatch] = true
		_, err = tx.Audit.Record(ctx, audit.Warn(row.TenantID, row.UserID, audit.EventOutboxPolicyUpgraded, "policy_upgraded_to_red", map[string]any{
			"outbox_id":             row.ID.String(),
			"allowlist_document_id": documentIDString(loaded.DocumentID),
		}))
		if err != nil {
			return nil, 0, err
		}
	}
	if re.Lifted {
		row.Meta[MetaPolicyLiftedAtDispatch] = true
		_, err = tx.Audit.Record(ctx, audit.Warn(row.TenantID, row.UserID, audit.EventOutboxPolicyLifted, "policy_lifted", map[string]any{
			"outbox_id":             row.ID.String(),
			"policy_decision":       true,
			"previous_risk":         string(previous.Risk),
			"risk":                  string(p.Policy.Risk),
			"requires_approval":     p.Policy.RequiresApproval,
			"allowlist_document_id": documentIDString(loaded.DocumentID),
		}))
		if err != nil {
			return nil, 0, err
		}
	}
	changed := legacy || re.Escalated || re.Lifted
	if changed {
		if row.Payload, err = encodePayload(p); err != nil {
			return nil, 0, err
		}
	}

	if p.Policy.RequiresApproval && !row.Meta.Bool(MetaApproved) {
		// an unchanged blocked row is not written, so it raises no queued notification
		if changed {
			if err := repo.Update(ctx, row); err != nil {
				return nil, 0, err
			}
		}
		_, err = tx.Audit.Record(ctx, audit.Info(row.TenantID, row.UserID, audit.EventOutboxBlocked, "requires_approval", map[string]any{
			"outbox_id": row.ID.String(),
			"risk":      string(p.Policy.Risk),
		}))
		if err != nil {
			return nil, 0, err
		}
		return nil, outcomeBlocked, nil
	}

	row.Status = models.OutboxStatusSending
	if fresh.ContextVersion != nil {
		row.Meta[MetaContextVersion] = *fresh.ContextVersion
	}
	docID, err := d.writePreview(ctx, tx, row, p)
	if err != nil {
		return nil, 0, err
	}
	if err := repo.Update(ctx, row); err != nil {
		return nil, 0, err
	}

	dl := &delivery{row: row, payload: p, previewDocID: docID, contextVersion: fresh.ContextVersion}
	adapter, err := d.adapters.Lookup(p.Kind)
	switch {
	case errors.Is(err, adapters.ErrNoAdapter):
		return dl, 0, nil
	case err != nil:
		return nil, 0, err
	}
	dl.adapter = adapter
	_, err = tx.Audit.Record(ctx, audit.Info(row.TenantID, row.UserID, audit.EventOutboxSendAttempt, "send_attempt", map[string]any{
		"context_version": fresh.ContextVersion,
		"outbox_id":       row.ID.String(),
		"kind":            string(p.Kind),
	}))
	if err != nil {
		return nil, 0, err
	}
	return dl, 0, nil
}

// deliver hands a SENDING row to its adapter, or stubs it when the kind has
// none, and records the terminal state in its own transaction.
func (d *Dispatcher) deliver(ctx context.Context, dl *delivery) (rowOutcome, error) {
	row := dl.row
	now := d.clock.Now().UTC()

	if dl.adapter == nil {
		err := d.inTx(ctx, func(repo *Repository, tx Tx) error {
			row.Status = models.OutboxStatusStubSent
			row.SentAt = &now
			if err := repo.Update(ctx, row); err != nil {
				return err
			}
			_, err := tx.Audit.Record(ctx, audit.Info(row.TenantID, row.UserID, audit.EventOutboxStubSent, "stub_sent", map[string]any{
				"outbox_id":           row.ID.String(),
				"preview_document_id": dl.previewDocID.String(),
			}))
			return err
		})
		return outcomeStubSent, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.AdapterTimeout)
	res := dl.adapter.Send(sendCtx, dl.payload, row)
	cancel()
	d.metrics.RecordSendAttempt(string(dl.payload.Kind), res.Status != adapters.StatusFailed, res.Retryable)

	var outcome rowOutcome
	err := d.inTx(ctx, func(repo *Repository, tx Tx) error {
		var entry audit.Entry
		switch res.Status {
		case adapters.StatusSent:
			outcome = outcomeSent
			row.Status = models.OutboxStatusSent
			row.SentAt = &now
			row.Meta[MetaExternal] = mergeExternal(row.Meta.Object(MetaExternal), res)
			entry = audit.Info(row.TenantID, row.UserID, audit.EventOutboxSendSuccess, "send_success", map[string]any{
				"context_version": dl.contextVersion,
				"outbox_id":       row.ID.String(),
				"external_id":     res.ExternalID,
				"url":             res.ExternalURL,
			})
		case adapters.StatusDryRun:
			outcome = outcomeDryRun
			row.Status = models.OutboxStatusDryRunSent
			row.SentAt = &now
			entry = audit.Info(row.TenantID, row.UserID, audit.EventOutboxDryRun, "dry_run", map[string]any{
				"context_version": dl.contextVersion,
				"outbox_id":       row.ID.String(),
				"reason":          res.Reason,
			})
		default:
			outcome = outcomeFailed
			row.Status = models.OutboxStatusFailed
			row.Meta[MetaLastError] = map[string]any{
				"reason":    res.Reason,
				"retryable": res.Retryable,
				"raw":       res.RawResponse,
				"at":        now.Format(timeLayout),
			}
			message := res.Reason
			if message == "" {
				message = "send_failed"
			}
			entry = audit.Error(row.TenantID, row.UserID, audit.EventOutboxSendFailed, message, map[string]any{
				"context_version": dl.contextVersion,
				"outbox_id":       row.ID.String(),
				"retryable":       res.Retryable,
			})
		}
		if err := repo.Update(ctx, row); err != nil {
			return err
		}
		_, err := tx.Audit.Record(ctx, entry)
		return err
	})
	return outcome, err
}

// fail marks a row FAILED after an unexpected error. The row is re-read so
// nothing from the rolled back attempt leaks into it.
func (d *Dispatcher) fail(ctx context.Context, row *models.OutboxMessage, cause error) {
	log.Error().
		Err(cause).
		Str("tenant_id", row.TenantID).
		Str("outbox_id", row.ID.String()).
		Msg("outbox dispatch failed")

	err := d.inTx(ctx, func(repo *Repository, tx Tx) error {
		current, err := repo.Get(ctx, row.ID)
		if err != nil {
			return err
		}
		current.Status = models.OutboxStatusFailed
		current.Meta = current.Meta.Clone()
		current.Meta[MetaLastError] = map[string]any{
			"reason":    adapters.Truncate(cause.Error(), 1000),
			"retryable": false,
			"at":        d.clock.Now().UTC().Format(timeLayout),
		}
		if err := repo.Update(ctx, current); err != nil {
			return err
		}
		_, err = tx.Audit.Record(ctx, audit.Error(current.TenantID, current.UserID, audit.EventOutboxFailed, cause.Error(), map[string]any{
			"outbox_id": current.ID.String(),
		}))
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("outbox_id", row.ID.String()).Msg("failed to mark outbox message as failed")
	}
}

// normalize returns the row's structured payload. Rows written without one
// get a payload synthesized from their projections; known is false when the
// channel maps to no payload kind.
func (d *Dispatcher) normalize(row *models.OutboxMessage) (p *payload.Payload, known bool, err error) {
	if len(row.Payload) > 0 {
		p, err = payload.Parse(row.Payload)
		if err != nil {
			return nil, true, fmt.Errorf("stored payload is invalid: %w", err)
		}
		return p, true, nil
	}
	raw, ok := legacyPayload(row)
	if !ok {
		return nil, false, nil
	}
	if raw, err = withIdempotencyKey(raw); err != nil {
		return nil, true, err
	}
	p, err = payload.FromMap(raw)
	if err != nil {
		return nil, true, fmt.Errorf("legacy row cannot be normalized: %w", err)
	}
	return p, true, nil
}

// stubLegacy finishes a row whose channel has no structured form.
func (d *Dispatcher) stubLegacy(ctx context.Context, repo *Repository, tx Tx, row *models.OutboxMessage) error {
	now := d.clock.Now().UTC()
	content := LegacyPreviewMarkdown(row.Channel, row.Body)
	doc := &models.Document{
		ID:          uuid.New(),
		TenantID:    row.TenantID,
		Domain:      PreviewDocumentDomain,
		DocType:     PreviewDocumentType,
		Title:       fmt.Sprintf("Outbox preview: %s -> %s", row.Channel, row.To),
		ContentText: &content,
		Meta:        map[string]any{"outbox_id": row.ID.String()},
		CreatedAt:   now,
	}
	if err := documents.NewRepository(tx.Q, d.db.Dialect).Insert(ctx, doc); err != nil {
		return err
	}
	row.Meta[MetaPreview] = map[string]any{"document_id": doc.ID.String(), "object_keys": map[string]any{}}
	row.Status = models.OutboxStatusStubSent
	row.SentAt = &now
	if err := repo.Update(ctx, row); err != nil {
		return err
	}
	_, err := tx.Audit.Record(ctx, audit.Info(row.TenantID, row.UserID, audit.EventOutboxStubSent, "stub_sent", map[string]any{
		"outbox_id":           row.ID.String(),
		"preview_document_id": doc.ID.String(),
		"legacy":              true,
	}))
	return err
}

// writePreview renders the preview pack, stores its blobs best effort and
// inserts the preview document. Keys of blobs that were written land under
// meta.preview.object_keys.
func (d *Dispatcher) writePreview(ctx context.Context, tx Tx, row *models.OutboxMessage, p *payload.Payload) (uuid.UUID, error) {
	now := d.clock.Now().UTC()
	pack, err := RenderPreview(row.ID.String(), p, string(row.Status), now)
	if err != nil {
		return uuid.Nil, err
	}

	keys := map[string]any{}
	if d.blobs != nil {
		base := fmt.Sprintf("%s/outbox/%s", row.TenantID, row.ID)
		payloadKey := base + "/" + previewPayloadName
		if d.blobs.PutBestEffort(ctx, payloadKey, []byte(pack.PayloadJSON)) {
			keys[previewPayloadKey] = payloadKey
		}
		rawKey := base + "/" + pack.RawName
		if d.blobs.PutBestEffort(ctx, rawKey, []byte(pack.Raw)) {
			keys[pack.RawName] = rawKey
		}
	}

	doc := &models.Document{
		ID:          uuid.New(),
		TenantID:    row.TenantID,
		Domain:      PreviewDocumentDomain,
		DocType:     PreviewDocumentType,
		Title:       fmt.Sprintf("Outbox preview: %s -> %s", p.Kind, row.To),
		ContentText: &pack.Markdown,
		Meta:        map[string]any{"outbox_id": row.ID.String()},
		CreatedAt:   now,
	}
	if err := documents.NewRepository(tx.Q, d.db.Dialect).Insert(ctx, doc); err != nil {
		return uuid.Nil, err
	}

	preview := map[string]any{}
	for k, v := range row.Meta.Object(MetaPreview) {
		preview[k] = v
	}
	existing, _ := preview["object_keys"].(map[string]any)
	for k, v := range existing {
		if _, ok := keys[k]; !ok {
			keys[k] = v
		}
	}
	preview["document_id"] = doc.ID.String()
	preview["object_keys"] = keys
	row.Meta[MetaPreview] = preview
	return doc.ID, nil
}

func (d *Dispatcher) inTx(ctx context.Context, fn func(repo *Repository, tx Tx) error) error {
	var scope *audit.Scope
	bind := func(tx *sql.Tx) *Tx {
		scope = d.trail.Bind(tx)
		return &Tx{Q: tx, Audit: scope}
	}
	err := sqlutil.Run(ctx, d.db.DB, bind, func(tx *Tx) error {
		return fn(NewRepository(tx.Q, d.db.Dialect), *tx)
	})
	if err != nil {
		if scope != nil {
			scope.Discard()
		}
		return err
	}
	scope.Flush(ctx)
	return nil
}

// legacyPayload synthesizes a payload for a row written without one. The
// row's own target is allowed so normalization alone never escalates it.
func legacyPayload(row *models.OutboxMessage) (map[string]any, bool) {
	kind := payload.Kind(row.Channel)
	if !kind.Valid() {
		return nil, false
	}
	subject := ""
	if row.Subject != nil {
		subject = *row.Subject
	}
	key := ""
	if row.IdempotencyKey != nil {
		key = *row.IdempotencyKey
	}

	allow := map[string]any{
		"email_domains":  []any{},
		"emails":         []any{},
		"telegram_chats": []any{},
		"github_repos":   []any{},
	}
	var message map[string]any
	switch kind {
	case payload.KindEmail:
		var to, allowed []any
		for _, addr := range strings.Split(row.To, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, map[string]any{"email": addr, "name": nil})
				allowed = append(allowed, addr)
			}
		}
		allow["emails"] = allowed
		if subject == "" {
			subject = "(no subject)"
		}
		message = map[string]any{
			"from":     map[string]any{"name": "ClowBot", "email": "noreply@local"},
			"to":       to,
			"cc":       []any{},
			"bcc":      []any{},
			"reply_to": []any{},
			"subject":  subject,
			"body":     map[string]any{"text": row.Body},
			"headers":  map[string]any{},
		}
	case payload.KindTelegram:
		allow["telegram_chats"] = []any{row.To}
		message = map[string]any{
			"chat":                     map[string]any{"chat_id": row.To, "username": nil},
			"parse_mode":               string(payload.ParseModeMarkdown),
			"text":                     row.Body,
			"disable_web_page_preview": true,
			"reply_to_message_id":      nil,
			"silent":                   false,
		}
	case payload.KindGitHubIssue:
		allow["github_repos"] = []any{row.To}
		if subject == "" {
			subject = "(no title)"
		}
		message = map[string]any{
			"repo":      row.To,
			"title":     subject,
			"body":      map[string]any{"markdown": row.Body},
			"labels":    []any{},
			"assignees": []any{},
			"milestone": nil,
		}
	}

	return map[string]any{
		"schema":          payload.SchemaV1,
		"kind":            string(kind),
		"idempotency_key": key,
		"context":         map[string]any{"source": "legacy"},
		"policy": map[string]any{
			"risk":              string(payload.RiskYellow),
			"requires_approval": false,
			"allowlist":         allow,
		},
		"message":     message,
		"attachments": []any{},
	}, true
}

func mergeExternal(existing map[string]any, res adapters.SendResult) map[string]any {
	out := make(map[string]any, len(existing)+3)
	for k, v := range existing {
		out[k] = v
	}
	if res.ExternalID != "" {
		out["id"] = res.ExternalID
	}
	if res.ExternalURL != "" {
		out["url"] = res.ExternalURL
	}
	if len(res.RawResponse) > 0 {
		out["raw"] = res.RawResponse
	}
	return out
}

func encodePayload(p *payload.Payload) ([]byte, error) {
	m, err := p.Canonical()
	if err != nil {
		return nil, err
	}
	return payload.CanonicalJSON(m)
}

func outcomeStatus(o rowOutcome) models.OutboxStatus {
	switch o {
	case outcomeSent:
		return models.OutboxStatusSent
	case outcomeStubSent:
		return models.OutboxStatusStubSent
	case outcomeDryRun:
		return models.OutboxStatusDryRunSent
	case outcomeFailed:
		return models.OutboxStatusFailed
	}
	return models.OutboxStatusQueued
}

func documentIDString(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

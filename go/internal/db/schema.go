package db

// SchemaSQL returns the authoritative schema for the dialect. Tests load it
// through the same function so the two never drift.
func SchemaSQL(d Dialect) string {
	if d == Postgres {
		return postgresSchema
	}
	return sqliteSchema
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id           UUID PRIMARY KEY,
    tenant_id    VARCHAR(36) NOT NULL,
    workflow_id  VARCHAR(36),
    domain       VARCHAR(50) NOT NULL,
    doc_type     VARCHAR(100) NOT NULL DEFAULT 'generic',
    title        VARCHAR(500) NOT NULL,
    content_text TEXT,
    object_key   VARCHAR(800),
    metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_documents_tenant_type ON documents (tenant_id, domain, doc_type, created_at DESC);

CREATE TABLE IF NOT EXISTS outbox_messages (
    id              UUID PRIMARY KEY,
    tenant_id       VARCHAR(36) NOT NULL,
    user_id         VARCHAR(64),
    channel         VARCHAR(50) NOT NULL,
    "to"            VARCHAR(500) NOT NULL,
    subject         VARCHAR(500),
    body            TEXT NOT NULL,
    payload         JSONB,
    idempotency_key VARCHAR(120),
    metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
    status          VARCHAR(20) NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    sent_at         TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_outbox_tenant_idempotency
    ON outbox_messages (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_outbox_status_created ON outbox_messages (status, created_at);

CREATE TABLE IF NOT EXISTS pending_actions (
    id                      UUID PRIMARY KEY,
    tenant_id               VARCHAR(36) NOT NULL,
    user_id                 VARCHAR(64),
    risk_level              VARCHAR(10) NOT NULL,
    action_type             VARCHAR(100) NOT NULL,
    payload                 JSONB NOT NULL DEFAULT '{}'::jsonb,
    status                  VARCHAR(20) NOT NULL,
    confirmation_token_hash VARCHAR(128),
    created_at              TIMESTAMPTZ NOT NULL,
    decided_at              TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ix_pending_actions_status_created ON pending_actions (status, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
    id         UUID PRIMARY KEY,
    tenant_id  VARCHAR(36) NOT NULL,
    user_id    VARCHAR(64),
    event_type VARCHAR(100) NOT NULL,
    severity   VARCHAR(10) NOT NULL,
    message    TEXT NOT NULL,
    context    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_audit_logs_tenant_created ON audit_logs (tenant_id, created_at);

CREATE OR REPLACE FUNCTION notify_outbox_queued() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('outbox_messages_queued', NEW.id::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

-- rewriting a row that stays QUEUED must not notify, or a blocked row would
-- wake the worker that just blocked it
DROP TRIGGER IF EXISTS trg_outbox_queued ON outbox_messages;
CREATE TRIGGER trg_outbox_queued
    AFTER INSERT ON outbox_messages
    FOR EACH ROW WHEN (NEW.status = 'QUEUED')
    EXECUTE FUNCTION notify_outbox_queued();

DROP TRIGGER IF EXISTS trg_outbox_requeued ON outbox_messages;
CREATE TRIGGER trg_outbox_requeued
    AFTER UPDATE ON outbox_messages
    FOR EACH ROW WHEN (NEW.status = 'QUEUED' AND (
        OLD.status IS DISTINCT FROM NEW.status
        OR (OLD.metadata -> 'approved') IS DISTINCT FROM (NEW.metadata -> 'approved')))
    EXECUTE FUNCTION notify_outbox_queued();
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    workflow_id  TEXT,
    domain       TEXT NOT NULL,
    doc_type     TEXT NOT NULL DEFAULT 'generic',
    title        TEXT NOT NULL,
    content_text TEXT,
    object_key   TEXT,
    metadata     TEXT NOT NULL DEFAULT '{}',
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_documents_tenant_type ON documents (tenant_id, domain, doc_type, created_at);

CREATE TABLE IF NOT EXISTS outbox_messages (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    user_id         TEXT,
    channel         TEXT NOT NULL,
    "to"            TEXT NOT NULL,
    subject         TEXT,
    body            TEXT NOT NULL,
    payload         TEXT,
    idempotency_key TEXT,
    metadata        TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    sent_at         DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_outbox_tenant_idempotency
    ON outbox_messages (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_outbox_status_created ON outbox_messages (status, created_at);

CREATE TABLE IF NOT EXISTS pending_actions (
    id                      TEXT PRIMARY KEY,
    tenant_id               TEXT NOT NULL,
    user_id                 TEXT,
    risk_level              TEXT NOT NULL,
    action_type             TEXT NOT NULL,
    payload                 TEXT NOT NULL DEFAULT '{}',
    status                  TEXT NOT NULL,
    confirmation_token_hash TEXT,
    created_at              DATETIME NOT NULL,
    decided_at              DATETIME
);
CREATE INDEX IF NOT EXISTS ix_pending_actions_status_created ON pending_actions (status, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    user_id    TEXT,
    event_type TEXT NOT NULL,
    severity   TEXT NOT NULL,
    message    TEXT NOT NULL,
    context    TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_audit_logs_tenant_created ON audit_logs (tenant_id, created_at);
`

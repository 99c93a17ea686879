package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is a single row of the outbound message ledger
type OutboxMessage struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	UserID         *string         `json:"user_id,omitempty"`
	Channel        string          `json:"channel"`
	To             string          `json:"to"`
	Subject        *string         `json:"subject,omitempty"`
	Body           string          `json:"body"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Meta           Meta            `json:"meta"`
	Status         OutboxStatus    `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

// OutboxStatus represents the lifecycle state of an outbox row
type OutboxStatus string

const (
	OutboxStatusQueued     OutboxStatus = "QUEUED"
	OutboxStatusSending    OutboxStatus = "SENDING"
	OutboxStatusSent       OutboxStatus = "SENT"
	OutboxStatusDryRunSent OutboxStatus = "DRY_RUN_SENT"
	OutboxStatusStubSent   OutboxStatus = "STUB_SENT"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// Terminal reports whether no dispatcher transition leaves this status.
func (s OutboxStatus) Terminal() bool {
	switch s {
	case OutboxStatusSent, OutboxStatusDryRunSent, OutboxStatusStubSent, OutboxStatusFailed:
		return true
	}
	return false
}

// Meta is the free-form JSON metadata column shared by ledger rows
type Meta map[string]any

// Bool returns the boolean stored under key, false when absent or not a bool.
func (m Meta) Bool(key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

// Object returns the nested object stored under key, or nil.
func (m Meta) Object(key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// Clone returns a shallow copy so callers can mutate without aliasing the row.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

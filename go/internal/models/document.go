package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is a tenant-scoped stored document (previews, policy versions, bootstrap sources)
type Document struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    string         `json:"tenant_id"`
	WorkflowID  *string        `json:"workflow_id,omitempty"`
	Domain      string         `json:"domain"`
	DocType     string         `json:"doc_type"`
	Title       string         `json:"title"`
	ContentText *string        `json:"content_text,omitempty"`
	ObjectKey   *string        `json:"object_key,omitempty"`
	Meta        map[string]any `json:"meta"`
	CreatedAt   time.Time      `json:"created_at"`
}

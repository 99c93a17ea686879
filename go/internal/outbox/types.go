package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/clowbot/clowbot/go/internal/models"
)

// Row metadata keys written by the ledger and the dispatcher.
const (
	MetaPolicyUpgradedToRed           = "policy_upgraded_to_red"
	MetaPolicyUpgradedToRedAtDispatch = "policy_upgraded_to_red_at_dispatch"
	MetaPolicyLiftedAtDispatch        = "policy_lifted_at_dispatch"
	MetaDeclaredPolicy                = "declared_policy"
	MetaApproved                      = "approved"
	MetaApprovedAt                    = "approved_at"
	MetaApprovedByAction              = "approved_by_action"
	MetaExternal                      = "external"
	MetaPreview                       = "preview"
	MetaLastError                     = "last_error"
	MetaContextVersion                = "context_version"
)

// Preview documents live in their own domain.
const (
	PreviewDocumentDomain = "outbox"
	PreviewDocumentType   = "outbox_preview"
)

var (
	ErrNotFound = errors.New("outbox message not found")
	ErrNotReset = errors.New("outbox message is not FAILED or SENDING")
)

// timeLayout formats timestamps stored inside row metadata.
const timeLayout = time.RFC3339Nano

// DispatchSummary counts the outcome of one dispatch batch.
type DispatchSummary struct {
	OK         bool
	Sent       int
	StubSent   int
	DryRunSent int
	Failed     int
	Blocked    int
	Skipped    int
}

// Report is the JSON form callers return. stub_sent folds dry runs in, since
// older consumers only know that counter; dry_run_sent is reported as well.
func (s DispatchSummary) Report() map[string]any {
	return map[string]any{
		"ok":           s.OK,
		"sent":         s.Sent,
		"stub_sent":    s.StubSent + s.DryRunSent,
		"dry_run_sent": s.DryRunSent,
		"failed":       s.Failed,
		"blocked":      s.Blocked,
		"skipped":      s.Skipped,
	}
}

func (s DispatchSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Report())
}

// Processed is the number of rows that reached a terminal state.
func (s DispatchSummary) Processed() int {
	return s.Sent + s.StubSent + s.DryRunSent + s.Failed
}

// ListFilter narrows Repository.List. Zero values match everything.
type ListFilter struct {
	TenantID string
	Status   models.OutboxStatus
	Limit    int
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	BootstrapGateEnabled bool
	PolicyLiftEnabled    bool
	AdapterTimeout       time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BootstrapGateEnabled: true,
		PolicyLiftEnabled:    true,
		AdapterTimeout:       10 * time.Second,
	}
}

// Package adapters delivers validated outbox payloads to external channels.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// Status is the adapter's verdict, mapped onto the ledger's terminal states.
type Status string

const (
	StatusSent   Status = "SENT"
	StatusDryRun Status = "DRY_RUN_SENT"
	StatusFailed Status = "FAILED"
)

const (
	reasonLimit = 200
	rawLimit    = 1000
)

// SendResult is returned by every adapter. RawResponse holds only the small
// set of fields worth keeping on the row, never a full provider body.
type SendResult struct {
	Status      Status
	ExternalID  string
	ExternalURL string
	RawResponse map[string]any
	Retryable   bool
	Reason      string
}

// Adapter sends one payload. Send never returns an error: every outcome,
// including transport failures, is described by the SendResult.
type Adapter interface {
	Kind() payload.Kind
	Send(ctx context.Context, p *payload.Payload, row *models.OutboxMessage) SendResult
}

// Config is what adapters need from the process configuration.
type Config struct {
	RealSendEnabled  bool
	Timeout          time.Duration
	GitHubToken      string
	GitHubAPIBase    string
	TelegramBotToken string
	TelegramAPIBase  string
}

// ErrTransient and ErrPermanent classify provider failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
	ErrNoAdapter = errors.New("no adapter for kind")
)

// WrapTransient annotates err so callers can detect a retryable failure.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates err as not worth retrying.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Failed turns a classified error into a FAILED result.
func Failed(err error, raw map[string]any) SendResult {
	return SendResult{
		Status:      StatusFailed,
		Retryable:   !errors.Is(err, ErrPermanent),
		Reason:      Truncate(err.Error(), reasonLimit),
		RawResponse: raw,
	}
}

// Truncate keeps at most limit runes and marks the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "…"
}

// AlreadySent reports a SENT result when the row already records an external
// delivery, so a retried dispatch never sends twice.
func AlreadySent(row *models.OutboxMessage) (SendResult, bool) {
	if row == nil {
		return SendResult{}, false
	}
	ext := row.Meta.Object("external")
	if ext == nil {
		return SendResult{}, false
	}
	id := stringify(ext["id"])
	url := stringify(ext["url"])
	if id == "" && url == "" {
		return SendResult{}, false
	}
	return SendResult{Status: StatusSent, ExternalID: id, ExternalURL: url, Reason: "already_sent"}, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Registry maps payload kinds to adapters.
type Registry struct {
	adapters map[payload.Kind]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[payload.Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.adapters[a.Kind()] = a
}

// Lookup returns the adapter for kind or ErrNoAdapter.
func (r *Registry) Lookup(kind payload.Kind) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[kind]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAdapter, kind)
}

// Has reports whether kind has a registered adapter.
func (r *Registry) Has(kind payload.Kind) bool {
	_, err := r.Lookup(kind)
	return err == nil
}

// NewDefaultRegistry wires the GitHub adapter always and the Telegram adapter
// only when a bot token is configured; without one chat messages stay stubbed.
func NewDefaultRegistry(cfg Config) *Registry {
	r := NewRegistry(NewGitHubIssueAdapter(cfg))
	if cfg.TelegramBotToken != "" {
		r.Register(NewTelegramAdapter(cfg))
	}
	return r
}

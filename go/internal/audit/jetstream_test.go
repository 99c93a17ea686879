package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/models"
)

func TestJetStreamConfig_Message(t *testing.T) {
	cfg := DefaultJetStreamConfig()
	event := models.AuditEvent{
		ID:        uuid.New(),
		TenantID:  "tenant.a",
		EventType: EventOutboxSendFailed,
		Severity:  models.SeverityError,
		Message:   "adapter failed",
		Context:   map[string]any{"retryable": true},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	msg, err := cfg.message(event)
	require.NoError(t, err)
	assert.Equal(t, "clowbot.audit.OUTBOX_SEND_FAILED", msg.Subject)
	assert.Equal(t, event.ID.String(), msg.Header.Get(headerEventID))
	assert.Equal(t, "tenant.a", msg.Header.Get(headerTenantID))

	decoded, err := decodeEvent(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, event.CreatedAt, decoded.CreatedAt)
	assert.Equal(t, true, decoded.Context["retryable"])
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "UNKNOWN", subjectToken(""))
	assert.Equal(t, "A_B_C_D", subjectToken("A.B*C>D"))
	assert.Equal(t, "TOOL_CALL", subjectToken("TOOL_CALL"))
}

func TestDecodeEvent_RejectsIncomplete(t *testing.T) {
	_, err := decodeEvent([]byte(`{"event_type":"X"}`))
	assert.Error(t, err)
	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

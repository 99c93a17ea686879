package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/models"
)

func TestCreate_StoresTokenHashOnly(t *testing.T) {
	f := newFixture(t)
	action, token := f.create(t, "t1", models.RiskRed, ToolNoop, nil)

	assert.NotEmpty(t, token)
	require.NotNil(t, action.ConfirmationTokenHash)
	assert.Equal(t, HashToken(token), *action.ConfirmationTokenHash)
	assert.NotEqual(t, token, *action.ConfirmationTokenHash)
	assert.Equal(t, models.ActionStatusPending, action.Status)
	assert.Len(t, f.events(t, "t1", audit.EventActionCreated), 1)

	_, other := f.create(t, "t1", models.RiskRed, ToolNoop, nil)
	assert.NotEqual(t, token, other)
}

func TestCreate_RejectsUnknownRisk(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.app.Create(context.Background(), CreateRequest{TenantID: "t1", RiskLevel: "ORANGE", ActionType: ToolNoop})
	assert.Error(t, err)
}

func TestApprove_TokenChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action, token := f.create(t, "t1", models.RiskRed, ToolNoop, nil)

	_, err := f.app.Approve(ctx, "t1", action.ID, nil, "not-the-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.app.Approve(ctx, "t1", action.ID, nil, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, models.ActionStatusPending, f.action(t, "t1", action).Status)

	denied := f.events(t, "t1", audit.EventActionApprovalDenied)
	require.Len(t, denied, 2)
	assert.Equal(t, models.SeverityWarn, denied[0].Severity)

	_, err = f.app.Approve(ctx, "t2", action.ID, nil, token)
	assert.ErrorIs(t, err, ErrNotFound, "other tenants cannot see the action")

	user := "u1"
	d, err := f.app.Approve(ctx, "t1", action.ID, &user, token)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusApproved, d.Status)
	assert.Len(t, f.events(t, "t1", audit.EventActionApproved), 1)

	_, err = f.app.Approve(ctx, "t1", action.ID, &user, token)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action, token := f.create(t, "t1", models.RiskYellow, ToolNoop, nil)

	d, err := f.app.Reject(ctx, "t1", action.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusRejected, d.Status)
	assert.Len(t, f.events(t, "t1", audit.EventActionRejected), 1)

	_, err = f.app.Approve(ctx, "t1", action.ID, nil, token)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.app.Reject(ctx, "t1", action.ID, nil)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestListPending(t *testing.T) {
	f := newFixture(t)
	f.create(t, "t1", models.RiskRed, ToolNoop, nil)
	f.approved(t, "t1", models.RiskRed, ToolNoop, nil)
	f.create(t, "t2", models.RiskRed, ToolNoop, nil)

	items, err := f.app.ListPending(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionStatusPending, items[0].Status)
}

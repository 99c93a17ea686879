package actions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
)

// tokenBytes is the entropy of a confirmation token before encoding.
const tokenBytes = 18

// App is the pending-action ledger.
type App struct {
	db    *db.DB
	repo  *Repository
	trail *audit.Trail
	clock clockwork.Clock
}

func NewApp(database *db.DB, trail *audit.Trail, clock clockwork.Clock) *App {
	return &App{
		db:    database,
		repo:  NewRepository(database, database.Dialect),
		trail: trail,
		clock: clock,
	}
}

// Create stores a PENDING action and returns the confirmation token. The
// token is returned only here; the ledger keeps its hash.
func (a *App) Create(ctx context.Context, req CreateRequest) (*models.PendingAction, string, error) {
	var (
		action *models.PendingAction
		token  string
	)
	err := a.inTx(ctx, func(tx outbox.Tx) error {
		var err error
		action, token, err = a.CreateIn(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return action, token, nil
}

// CreateIn is Create inside the caller's transaction.
func (a *App) CreateIn(ctx context.Context, tx outbox.Tx, req CreateRequest) (*models.PendingAction, string, error) {
	if !req.RiskLevel.Valid() {
		return nil, "", fmt.Errorf("invalid risk level %q", req.RiskLevel)
	}
	token, err := newToken()
	if err != nil {
		return nil, "", err
	}
	hash := HashToken(token)
	body := req.Payload
	if body == nil {
		body = map[string]any{}
	}
	action := &models.PendingAction{
		ID:                    uuid.New(),
		TenantID:              req.TenantID,
		UserID:                req.UserID,
		RiskLevel:             req.RiskLevel,
		ActionType:            string(req.ActionType),
		Payload:               body,
		Status:                models.ActionStatusPending,
		ConfirmationTokenHash: &hash,
		CreatedAt:             a.clock.Now().UTC(),
	}
	if err := NewRepository(tx.Q, a.db.Dialect).Insert(ctx, action); err != nil {
		return nil, "", err
	}
	_, err = tx.Audit.Record(ctx, audit.Info(req.TenantID, req.UserID, audit.EventActionCreated, "action_created", map[string]any{
		"action_id":   action.ID.String(),
		"action_type": action.ActionType,
		"risk_level":  string(action.RiskLevel),
	}))
	if err != nil {
		return nil, "", err
	}
	return action, token, nil
}

// Approve moves a PENDING action to APPROVED when token hashes to the stored
// value. A wrong or missing token leaves the action PENDING.
func (a *App) Approve(ctx context.Context, tenantID string, id uuid.UUID, userID *string, token string) (Decision, error) {
	d, err := a.decide(ctx, tenantID, id, userID, models.ActionStatusApproved, func(action *models.PendingAction) error {
		if token != "" && action.ConfirmationTokenHash != nil &&
			subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(*action.ConfirmationTokenHash)) == 1 {
			return nil
		}
		return ErrInvalidToken
	})
	if errors.Is(err, ErrInvalidToken) {
		// the decision transaction rolled back, so the denial is recorded on its own
		_, aerr := a.trail.Record(ctx, a.db, audit.Warn(tenantID, userID, audit.EventActionApprovalDenied, "invalid_confirmation_token", map[string]any{
			"action_id":     id.String(),
			"token_present": token != "",
		}))
		if aerr != nil {
			log.Error().Err(aerr).Str("action_id", id.String()).Msg("failed to audit denied approval")
		}
	}
	return d, err
}

// Reject moves a PENDING action to REJECTED. No token is needed.
func (a *App) Reject(ctx context.Context, tenantID string, id uuid.UUID, userID *string) (Decision, error) {
	return a.decide(ctx, tenantID, id, userID, models.ActionStatusRejected, nil)
}

func (a *App) decide(
	ctx context.Context,
	tenantID string,
	id uuid.UUID,
	userID *string,
	to models.ActionStatus,
	check func(*models.PendingAction) error,
) (Decision, error) {
	err := a.inTx(ctx, func(tx outbox.Tx) error {
		repo := NewRepository(tx.Q, a.db.Dialect)
		action, err := repo.GetForTenant(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if action.Status != models.ActionStatusPending {
			return fmt.Errorf("%w (status=%s)", ErrNotPending, action.Status)
		}
		if check != nil {
			if err := check(action); err != nil {
				return err
			}
		}
		ok, err := repo.Decide(ctx, id, to, userID, a.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotPending
		}

		event, message := audit.EventActionApproved, "action_approved"
		if to == models.ActionStatusRejected {
			event, message = audit.EventActionRejected, "action_rejected"
		}
		_, err = tx.Audit.Record(ctx, audit.Info(tenantID, userID, event, message, map[string]any{
			"action_id":   id.String(),
			"action_type": action.ActionType,
			"risk_level":  string(action.RiskLevel),
		}))
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	log.Info().
		Str("tenant_id", tenantID).
		Str("action_id", id.String()).
		Str("status", string(to)).
		Msg("pending action decided")
	return Decision{ID: id, Status: to}, nil
}

func (a *App) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.PendingAction, error) {
	return a.repo.GetForTenant(ctx, tenantID, id)
}

// ListPending returns a tenant's PENDING actions oldest first.
func (a *App) ListPending(ctx context.Context, tenantID string) ([]*models.PendingAction, error) {
	return a.repo.List(ctx, ListFilter{TenantID: tenantID, Status: models.ActionStatusPending})
}

func (a *App) inTx(ctx context.Context, fn func(tx outbox.Tx) error) error {
	var scope *audit.Scope
	bind := func(tx *sql.Tx) *outbox.Tx {
		scope = a.trail.Bind(tx)
		return &outbox.Tx{Q: tx, Audit: scope}
	}
	err := sqlutil.Run(ctx, a.db.DB, bind, func(tx *outbox.Tx) error {
		return fn(*tx)
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

// HashToken is the stored form of a confirmation token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate confirmation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

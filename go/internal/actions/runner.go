package actions

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/models"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/sqlutil"
	"github.com/clowbot/clowbot/go/internal/tracing"
)

type rowResult int

const (
	rowSkipped rowResult = iota
	rowDone
	rowQueued
	rowFailed
)

// Runner executes APPROVED actions in batches, one commit per action.
type Runner struct {
	db       *db.DB
	executor *Executor
	oracle   freshness.Oracle
	trail    *audit.Trail
	clock    clockwork.Clock
}

func NewRunner(database *db.DB, executor *Executor, oracle freshness.Oracle, trail *audit.Trail, clock clockwork.Clock) *Runner {
	if oracle == nil {
		oracle = freshness.AlwaysFresh()
	}
	return &Runner{db: database, executor: executor, oracle: oracle, trail: trail, clock: clock}
}

// ProcessPendingActions runs up to limit APPROVED actions oldest first. An
// action whose tool fails is marked FAILED and the batch continues.
func (r *Runner) ProcessPendingActions(ctx context.Context, limit int) (RunSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.process", map[string]string{"limit": strconv.Itoa(limit)})
	summary := RunSummary{OK: true}

	var seen []uuid.UUID
	for len(seen) < limit {
		if ctx.Err() != nil {
			break
		}
		id, res, err := r.runNext(ctx, seen)
		if err != nil {
			summary.OK = false
			tracing.EndSpan(span, err)
			return summary, err
		}
		if id == uuid.Nil {
			break
		}
		seen = append(seen, id)
		switch res {
		case rowSkipped:
			summary.Skipped++
		case rowDone:
			summary.Done++
		case rowQueued:
			// producing an outbox row completes the action
			summary.Done++
			summary.Queued++
		case rowFailed:
			summary.Failed++
		}
	}

	if len(seen) > 0 {
		log.Info().
			Int("claimed", len(seen)).
			Int("done", summary.Done).
			Int("queued", summary.Queued).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Msg("processed pending actions")
	}
	tracing.EndSpan(span, nil)
	return summary, nil
}

func (r *Runner) runNext(ctx context.Context, seen []uuid.UUID) (uuid.UUID, rowResult, error) {
	var (
		action *models.PendingAction
		result rowResult
	)
	err := r.inTx(ctx, func(repo *Repository, tx outbox.Tx) error {
		var err error
		action, err = repo.ClaimNextApproved(ctx, seen)
		if err != nil || action == nil {
			return err
		}

		fresh, err := r.oracle.Check(ctx, tx.Q, action.TenantID)
		if err != nil {
			return err
		}
		tick := audit.Info
		if !fresh.OK {
			tick = audit.Warn
		}
		_, err = tx.Audit.Record(ctx, tick(action.TenantID, action.UserID, audit.EventExecutorTick, "executor_tick", map[string]any{
			"context_version":   fresh.ContextVersion,
			"ok":                fresh.OK,
			"reason":            fresh.Reason,
			"pending_action_id": action.ID.String(),
		}))
		if err != nil {
			return err
		}
		if !fresh.OK {
			result = rowSkipped
			return nil
		}

		res, err := r.executor.ExecuteIn(ctx, tx, action)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case OutcomeBlocked:
			// unreachable for a claimed APPROVED row; left APPROVED for visibility
			result = rowFailed
			return nil
		case OutcomeQueued:
			result = rowQueued
		default:
			result = rowDone
		}
		return repo.SetStatus(ctx, action.ID, models.ActionStatusDone)
	})
	if action == nil {
		if err != nil {
			return uuid.Nil, 0, fmt.Errorf("failed to claim pending action: %w", err)
		}
		return uuid.Nil, 0, nil
	}
	if err != nil {
		r.fail(ctx, action, err)
		return action.ID, rowFailed, nil
	}
	return action.ID, result, nil
}

func (r *Runner) fail(ctx context.Context, action *models.PendingAction, cause error) {
	log.Error().
		Err(cause).
		Str("tenant_id", action.TenantID).
		Str("action_id", action.ID.String()).
		Str("action_type", action.ActionType).
		Msg("pending action failed")

	err := r.inTx(ctx, func(repo *Repository, tx outbox.Tx) error {
		if err := repo.SetStatus(ctx, action.ID, models.ActionStatusFailed); err != nil {
			return err
		}
		_, err := tx.Audit.Record(ctx, audit.Error(action.TenantID, action.UserID, audit.EventToolResult, cause.Error(), map[string]any{
			"action_id": action.ID.String(),
			"ok":        false,
		}))
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("action_id", action.ID.String()).Msg("failed to mark pending action as failed")
	}
}

func (r *Runner) inTx(ctx context.Context, fn func(repo *Repository, tx outbox.Tx) error) error {
	var scope *audit.Scope
	bind := func(tx *sql.Tx) *outbox.Tx {
		scope = r.trail.Bind(tx)
		return &outbox.Tx{Q: tx, Audit: scope}
	}
	err := sqlutil.Run(ctx, r.db.DB, bind, func(tx *outbox.Tx) error {
		return fn(NewRepository(tx.Q, r.db.Dialect), *tx)
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

package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// CreateActionPlan persists a plan, its actions, and its efficacy
// indicators in one transaction. Any non-terminal plan already attached to
// the same audit is moved to SUPERSEDED inside the same transaction, so at
// most one plan per audit can ever be live.
func (s *SQLiteStore) CreateActionPlan(ctx context.Context, plan *core.ActionPlan, actions []*core.Action, indicators []*core.EfficacyIndicator) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	// Supersede whatever older plan is still live for this audit.
	_, err = tx.ExecContext(ctx, `
		UPDATE action_plans SET state = ?, updated_at = ?
		WHERE audit_id = ? AND state IN (?, ?, ?) AND deleted_at IS NULL
	`, core.PlanSuperseded, now, plan.AuditID,
		core.PlanRecommended, core.PlanPending, core.PlanOngoing)
	if err != nil {
		return fmt.Errorf("failed to supersede prior plans: %w", err)
	}

	plan.CreatedAt = now
	plan.UpdatedAt = now
	if plan.State == "" {
		plan.State = core.PlanRecommended
	}

	efficacy, err := nullableJSON(plan.GlobalEfficacy)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO action_plans (uuid, audit_id, strategy_id, state, global_efficacy, hostname, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.UUID, plan.AuditID, plan.StrategyID, plan.State, efficacy, nullStr(plan.Hostname),
		plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create action plan: %w", err)
	}
	plan.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get action plan id: %w", err)
	}

	for _, action := range actions {
		action.ActionPlanID = plan.ID
		action.CreatedAt = now
		action.UpdatedAt = now
		if action.State == "" {
			action.State = core.ActionPending
		}

		params, err := nullableJSON(action.InputParameters)
		if err != nil {
			return err
		}
		parents, err := nullableJSON(action.Parents)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO actions (uuid, action_plan_id, action_type, input_parameters, state, parents, status_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, action.UUID, action.ActionPlanID, action.ActionType, params, action.State,
			parents, action.StatusMessage, action.CreatedAt, action.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create action: %w", err)
		}
		action.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get action id: %w", err)
		}
	}

	for _, ind := range indicators {
		ind.ActionPlanID = plan.ID
		ind.CreatedAt = now
		ind.UpdatedAt = now

		res, err := tx.ExecContext(ctx, `
			INSERT INTO efficacy_indicators (uuid, action_plan_id, name, description, unit, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, ind.UUID, ind.ActionPlanID, ind.Name, ind.Description, ind.Unit, ind.Value,
			ind.CreatedAt, ind.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create efficacy indicator: %w", err)
		}
		ind.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get efficacy indicator id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit action plan: %w", err)
	}
	return nil
}

const planColumns = `id, uuid, audit_id, strategy_id, state, global_efficacy, hostname, created_at, updated_at, deleted_at`

func scanPlan(row interface{ Scan(...interface{}) error }) (*core.ActionPlan, error) {
	p := &core.ActionPlan{}
	var efficacy, hostname sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&p.ID, &p.UUID, &p.AuditID, &p.StrategyID, &p.State, &efficacy,
		&hostname, &p.CreatedAt, &p.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(efficacy, &p.GlobalEfficacy); err != nil {
		return nil, err
	}
	p.Hostname = strVal(hostname)
	p.DeletedAt = timePtr(deletedAt)
	return p, nil
}

// GetActionPlan retrieves a live plan by id.
func (s *SQLiteStore) GetActionPlan(ctx context.Context, id int64) (*core.ActionPlan, error) {
	query := `SELECT ` + planColumns + ` FROM action_plans WHERE id = ? AND deleted_at IS NULL`
	p, err := scanPlan(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("action plan", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action plan: %w", err)
	}
	return p, nil
}

// GetActionPlanByUUID retrieves a live plan by uuid.
func (s *SQLiteStore) GetActionPlanByUUID(ctx context.Context, uuid string) (*core.ActionPlan, error) {
	query := `SELECT ` + planColumns + ` FROM action_plans WHERE uuid = ? AND deleted_at IS NULL`
	p, err := scanPlan(s.db.QueryRowContext(ctx, query, uuid))
	if err == sql.ErrNoRows {
		return nil, notFound("action plan", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action plan: %w", err)
	}
	return p, nil
}

// UpdateActionPlanState moves a plan to the given state.
func (s *SQLiteStore) UpdateActionPlanState(ctx context.Context, uuid string, state core.ActionPlanState) error {
	query := `UPDATE action_plans SET state = ?, updated_at = ? WHERE uuid = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, state, time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("failed to update action plan state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("action plan", uuid)
	}
	return nil
}

// SetActionPlanHostname records which applier executes the plan. An empty
// hostname clears the assignment.
func (s *SQLiteStore) SetActionPlanHostname(ctx context.Context, uuid, hostname string) error {
	query := `UPDATE action_plans SET hostname = ?, updated_at = ? WHERE uuid = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, nullStr(hostname), time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("failed to set action plan hostname: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("action plan", uuid)
	}
	return nil
}

// PlanFilter selects plans. Zero-valued fields are ignored.
type PlanFilter struct {
	AuditID  int64
	States   []core.ActionPlanState
	Hostname string
	// CreatedBefore matches plans created strictly before the given time.
	CreatedBefore time.Time
}

// ListActionPlans lists live plans matching the filter, oldest first.
func (s *SQLiteStore) ListActionPlans(ctx context.Context, filter PlanFilter) ([]*core.ActionPlan, error) {
	var conds []string
	var args []interface{}
	conds = append(conds, "deleted_at IS NULL")

	if filter.AuditID != 0 {
		conds = append(conds, "audit_id = ?")
		args = append(args, filter.AuditID)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.Hostname != "" {
		conds = append(conds, "hostname = ?")
		args = append(args, filter.Hostname)
	}
	if !filter.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, filter.CreatedBefore.UTC())
	}

	query := `SELECT ` + planColumns + ` FROM action_plans WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list action plans: %w", err)
	}
	defer rows.Close()

	plans := []*core.ActionPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action plans: %w", err)
	}
	return plans, nil
}

const actionColumns = `id, uuid, action_plan_id, action_type, input_parameters, state, parents, status_message, created_at, updated_at, deleted_at`

func scanAction(row interface{ Scan(...interface{}) error }) (*core.Action, error) {
	a := &core.Action{}
	var params, parents sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&a.ID, &a.UUID, &a.ActionPlanID, &a.ActionType, &params, &a.State,
		&parents, &a.StatusMessage, &a.CreatedAt, &a.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	a.InputParameters = rawJSON(params)
	if err := decodeJSON(parents, &a.Parents); err != nil {
		return nil, err
	}
	a.DeletedAt = timePtr(deletedAt)
	return a, nil
}

// GetActionByUUID retrieves a live action by uuid.
func (s *SQLiteStore) GetActionByUUID(ctx context.Context, uuid string) (*core.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE uuid = ? AND deleted_at IS NULL`
	a, err := scanAction(s.db.QueryRowContext(ctx, query, uuid))
	if err == sql.ErrNoRows {
		return nil, notFound("action", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// ListActionsByPlan lists the live actions of one plan in insertion order.
func (s *SQLiteStore) ListActionsByPlan(ctx context.Context, planID int64) ([]*core.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE action_plan_id = ? AND deleted_at IS NULL ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*core.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// UpdateActionState moves an action to the given state, recording the
// status message when one is supplied.
func (s *SQLiteStore) UpdateActionState(ctx context.Context, uuid string, state core.ActionState, statusMessage string) error {
	var (
		result sql.Result
		err    error
	)
	if statusMessage != "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE actions SET state = ?, status_message = ?, updated_at = ? WHERE uuid = ? AND deleted_at IS NULL`,
			state, statusMessage, time.Now().UTC(), uuid)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE actions SET state = ?, updated_at = ? WHERE uuid = ? AND deleted_at IS NULL`,
			state, time.Now().UTC(), uuid)
	}
	if err != nil {
		return fmt.Errorf("failed to update action state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("action", uuid)
	}
	return nil
}

// ListEfficacyIndicatorsByPlan lists the indicator rows of one plan.
func (s *SQLiteStore) ListEfficacyIndicatorsByPlan(ctx context.Context, planID int64) ([]*core.EfficacyIndicator, error) {
	query := `
		SELECT id, uuid, action_plan_id, name, description, unit, value, created_at, updated_at, deleted_at
		FROM efficacy_indicators
		WHERE action_plan_id = ? AND deleted_at IS NULL
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list efficacy indicators: %w", err)
	}
	defer rows.Close()

	indicators := []*core.EfficacyIndicator{}
	for rows.Next() {
		ind := &core.EfficacyIndicator{}
		var deletedAt sql.NullTime
		err := rows.Scan(&ind.ID, &ind.UUID, &ind.ActionPlanID, &ind.Name, &ind.Description,
			&ind.Unit, &ind.Value, &ind.CreatedAt, &ind.UpdatedAt, &deletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan efficacy indicator: %w", err)
		}
		ind.DeletedAt = timePtr(deletedAt)
		indicators = append(indicators, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating efficacy indicators: %w", err)
	}
	return indicators, nil
}

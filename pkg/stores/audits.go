package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// CreateAuditTemplate inserts an audit template row and fills in its
// generated id.
func (s *SQLiteStore) CreateAuditTemplate(ctx context.Context, tpl *core.AuditTemplate) error {
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	scope, err := nullableJSON(tpl.Scope)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_templates (uuid, name, description, goal_id, strategy_id, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		tpl.UUID, tpl.Name, tpl.Description, tpl.GoalID, nullID(tpl.StrategyID), scope,
		tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create audit template: %w", err)
	}

	tpl.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit template id: %w", err)
	}
	return nil
}

const auditTemplateColumns = `id, uuid, name, description, goal_id, strategy_id, scope, created_at, updated_at, deleted_at`

func scanAuditTemplate(row interface{ Scan(...interface{}) error }) (*core.AuditTemplate, error) {
	tpl := &core.AuditTemplate{}
	var strategyID sql.NullInt64
	var scope sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&tpl.ID, &tpl.UUID, &tpl.Name, &tpl.Description, &tpl.GoalID,
		&strategyID, &scope, &tpl.CreatedAt, &tpl.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	tpl.StrategyID = idPtr(strategyID)
	if err := decodeJSON(scope, &tpl.Scope); err != nil {
		return nil, err
	}
	tpl.DeletedAt = timePtr(deletedAt)
	return tpl, nil
}

// GetAuditTemplate retrieves a live audit template by id.
func (s *SQLiteStore) GetAuditTemplate(ctx context.Context, id int64) (*core.AuditTemplate, error) {
	query := `SELECT ` + auditTemplateColumns + ` FROM audit_templates WHERE id = ? AND deleted_at IS NULL`
	tpl, err := scanAuditTemplate(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("audit template", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit template: %w", err)
	}
	return tpl, nil
}

// ListAuditTemplatesByGoal lists live templates referencing one goal.
func (s *SQLiteStore) ListAuditTemplatesByGoal(ctx context.Context, goalID int64) ([]*core.AuditTemplate, error) {
	query := `SELECT ` + auditTemplateColumns + ` FROM audit_templates WHERE goal_id = ? AND deleted_at IS NULL`
	return s.queryAuditTemplates(ctx, query, goalID)
}

// ListAuditTemplatesByStrategy lists live templates referencing one
// strategy.
func (s *SQLiteStore) ListAuditTemplatesByStrategy(ctx context.Context, strategyID int64) ([]*core.AuditTemplate, error) {
	query := `SELECT ` + auditTemplateColumns + ` FROM audit_templates WHERE strategy_id = ? AND deleted_at IS NULL`
	return s.queryAuditTemplates(ctx, query, strategyID)
}

func (s *SQLiteStore) queryAuditTemplates(ctx context.Context, query string, args ...interface{}) ([]*core.AuditTemplate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit templates: %w", err)
	}
	defer rows.Close()

	templates := []*core.AuditTemplate{}
	for rows.Next() {
		tpl, err := scanAuditTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit templates: %w", err)
	}
	return templates, nil
}

// UpdateAuditTemplateRefs rewrites the goal and strategy foreign keys of
// one template. A nil strategyID clears the reference; the template stays
// usable.
func (s *SQLiteStore) UpdateAuditTemplateRefs(ctx context.Context, id, goalID int64, strategyID *int64) error {
	query := `UPDATE audit_templates SET goal_id = ?, strategy_id = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, goalID, nullID(strategyID), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update audit template refs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("audit template", fmt.Sprintf("%d", id))
	}
	return nil
}

// CreateAudit inserts an audit row and fills in its generated id.
func (s *SQLiteStore) CreateAudit(ctx context.Context, audit *core.Audit) error {
	now := time.Now().UTC()
	audit.CreatedAt = now
	audit.UpdatedAt = now
	if audit.State == "" {
		audit.State = core.AuditPending
	}

	params, err := nullableJSON(audit.Parameters)
	if err != nil {
		return err
	}
	scope, err := nullableJSON(audit.Scope)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audits (uuid, name, audit_type, state, goal_id, strategy_id, parameters, scope,
			auto_trigger, interval, start_time, end_time, next_run_time, hostname, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		audit.UUID, audit.Name, audit.AuditType, audit.State, audit.GoalID, nullID(audit.StrategyID),
		params, scope, audit.AutoTrigger, nullStr(audit.Interval),
		nullTime(audit.StartTime), nullTime(audit.EndTime), nullTime(audit.NextRunTime),
		nullStr(audit.Hostname), audit.CreatedAt, audit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create audit: %w", err)
	}

	audit.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit id: %w", err)
	}
	return nil
}

const auditColumns = `id, uuid, name, audit_type, state, goal_id, strategy_id, parameters, scope,
	auto_trigger, interval, start_time, end_time, next_run_time, hostname, created_at, updated_at, deleted_at`

func scanAudit(row interface{ Scan(...interface{}) error }) (*core.Audit, error) {
	a := &core.Audit{}
	var strategyID sql.NullInt64
	var params, scope, interval, hostname sql.NullString
	var startTime, endTime, nextRunTime, deletedAt sql.NullTime
	err := row.Scan(&a.ID, &a.UUID, &a.Name, &a.AuditType, &a.State, &a.GoalID, &strategyID,
		&params, &scope, &a.AutoTrigger, &interval, &startTime, &endTime, &nextRunTime,
		&hostname, &a.CreatedAt, &a.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	a.StrategyID = idPtr(strategyID)
	a.Parameters = rawJSON(params)
	if err := decodeJSON(scope, &a.Scope); err != nil {
		return nil, err
	}
	a.Interval = strVal(interval)
	a.StartTime = timePtr(startTime)
	a.EndTime = timePtr(endTime)
	a.NextRunTime = timePtr(nextRunTime)
	a.Hostname = strVal(hostname)
	a.DeletedAt = timePtr(deletedAt)
	return a, nil
}

// GetAudit retrieves a live audit by id.
func (s *SQLiteStore) GetAudit(ctx context.Context, id int64) (*core.Audit, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE id = ? AND deleted_at IS NULL`
	a, err := scanAudit(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("audit", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit: %w", err)
	}
	return a, nil
}

// GetAuditByUUID retrieves a live audit by uuid.
func (s *SQLiteStore) GetAuditByUUID(ctx context.Context, uuid string) (*core.Audit, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE uuid = ? AND deleted_at IS NULL`
	a, err := scanAudit(s.db.QueryRowContext(ctx, query, uuid))
	if err == sql.ErrNoRows {
		return nil, notFound("audit", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit: %w", err)
	}
	return a, nil
}

// UpdateAudit rewrites every mutable column of one audit row.
func (s *SQLiteStore) UpdateAudit(ctx context.Context, audit *core.Audit) error {
	audit.UpdatedAt = time.Now().UTC()

	params, err := nullableJSON(audit.Parameters)
	if err != nil {
		return err
	}
	scope, err := nullableJSON(audit.Scope)
	if err != nil {
		return err
	}

	query := `
		UPDATE audits
		SET name = ?, audit_type = ?, state = ?, goal_id = ?, strategy_id = ?, parameters = ?, scope = ?,
			auto_trigger = ?, interval = ?, start_time = ?, end_time = ?, next_run_time = ?, hostname = ?,
			updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query,
		audit.Name, audit.AuditType, audit.State, audit.GoalID, nullID(audit.StrategyID),
		params, scope, audit.AutoTrigger, nullStr(audit.Interval),
		nullTime(audit.StartTime), nullTime(audit.EndTime), nullTime(audit.NextRunTime),
		nullStr(audit.Hostname), audit.UpdatedAt, audit.ID)
	if err != nil {
		return fmt.Errorf("failed to update audit: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("audit", audit.UUID)
	}
	return nil
}

// UpdateAuditState moves one audit to the given state.
func (s *SQLiteStore) UpdateAuditState(ctx context.Context, uuid string, state core.AuditState) error {
	query := `UPDATE audits SET state = ?, updated_at = ? WHERE uuid = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, state, time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("failed to update audit state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("audit", uuid)
	}
	return nil
}

// UpdateAuditNextRunTime persists the next scheduled tick of a continuous
// audit.
func (s *SQLiteStore) UpdateAuditNextRunTime(ctx context.Context, uuid string, next time.Time) error {
	query := `UPDATE audits SET next_run_time = ?, updated_at = ? WHERE uuid = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, next, time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("failed to update audit next run time: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("audit", uuid)
	}
	return nil
}

// ClaimAudit sets the audit's hostname if no worker holds it yet. Returns
// false when another worker won the race. The claim is best-effort;
// conflicting claims are resolved by whoever saved last.
func (s *SQLiteStore) ClaimAudit(ctx context.Context, id int64, hostname string) (bool, error) {
	query := `
		UPDATE audits SET hostname = ?, updated_at = ?
		WHERE id = ? AND (hostname IS NULL OR hostname = '' OR hostname = ?) AND deleted_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, hostname, time.Now().UTC(), id, hostname)
	if err != nil {
		return false, fmt.Errorf("failed to claim audit: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReassignAudit unconditionally moves an audit to a new hostname. Used by
// the service monitor during fail-over; saving an already-reassigned audit
// is a no-op at the caller level.
func (s *SQLiteStore) ReassignAudit(ctx context.Context, id int64, hostname string) error {
	query := `UPDATE audits SET hostname = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, hostname, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reassign audit: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("audit", fmt.Sprintf("%d", id))
	}
	return nil
}

// ListAudits lists live audits matching the filter. Zero-valued filter
// fields are ignored.
type AuditFilter struct {
	AuditType  core.AuditType
	States     []core.AuditState
	Hostname   string
	GoalID     int64
	StrategyID int64
}

// ListAudits lists live audits matching the filter, oldest first.
func (s *SQLiteStore) ListAudits(ctx context.Context, filter AuditFilter) ([]*core.Audit, error) {
	var conds []string
	var args []interface{}
	conds = append(conds, "deleted_at IS NULL")

	if filter.AuditType != "" {
		conds = append(conds, "audit_type = ?")
		args = append(args, filter.AuditType)
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
	if filter.GoalID != 0 {
		conds = append(conds, "goal_id = ?")
		args = append(args, filter.GoalID)
	}
	if filter.StrategyID != 0 {
		conds = append(conds, "strategy_id = ?")
		args = append(args, filter.StrategyID)
	}

	query := `SELECT ` + auditColumns + ` FROM audits WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	defer rows.Close()

	audits := []*core.Audit{}
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audits: %w", err)
	}
	return audits, nil
}

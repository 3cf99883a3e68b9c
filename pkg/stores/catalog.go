package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Goal, strategy, and scoring engine rows are owned by the sync
// reconciler: it is the only writer, and soft-deleted rows stay invisible
// to every other reader.

// CreateGoal inserts a goal row and fills in its generated id.
func (s *SQLiteStore) CreateGoal(ctx context.Context, goal *core.Goal) error {
	now := time.Now().UTC()
	goal.CreatedAt = now
	goal.UpdatedAt = now

	spec, err := nullableJSON(goal.Efficacy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO goals (uuid, name, display_name, efficacy_specification, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		goal.UUID, goal.Name, goal.DisplayName, spec, goal.CreatedAt, goal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create goal: %w", err)
	}

	goal.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get goal id: %w", err)
	}
	return nil
}

const goalColumns = `id, uuid, name, display_name, efficacy_specification, created_at, updated_at, deleted_at`

func scanGoal(row interface{ Scan(...interface{}) error }) (*core.Goal, error) {
	goal := &core.Goal{}
	var spec sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&goal.ID, &goal.UUID, &goal.Name, &goal.DisplayName, &spec,
		&goal.CreatedAt, &goal.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(spec, &goal.Efficacy); err != nil {
		return nil, err
	}
	goal.DeletedAt = timePtr(deletedAt)
	return goal, nil
}

// GetGoal retrieves a live goal by id.
func (s *SQLiteStore) GetGoal(ctx context.Context, id int64) (*core.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE id = ? AND deleted_at IS NULL`
	goal, err := scanGoal(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("goal", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return goal, nil
}

// GetGoalByName retrieves a live goal by its unique name.
func (s *SQLiteStore) GetGoalByName(ctx context.Context, name string) (*core.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE name = ? AND deleted_at IS NULL`
	goal, err := scanGoal(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, notFound("goal", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return goal, nil
}

// ListGoals lists all live goals ordered by name.
func (s *SQLiteStore) ListGoals(ctx context.Context) ([]*core.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE deleted_at IS NULL ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()

	goals := []*core.Goal{}
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		goals = append(goals, goal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating goals: %w", err)
	}
	return goals, nil
}

// SoftDeleteGoal marks a goal row deleted.
func (s *SQLiteStore) SoftDeleteGoal(ctx context.Context, id int64) error {
	return s.softDelete(ctx, "goals", "goal", id)
}

// CreateStrategy inserts a strategy row and fills in its generated id.
func (s *SQLiteStore) CreateStrategy(ctx context.Context, strategy *core.Strategy) error {
	now := time.Now().UTC()
	strategy.CreatedAt = now
	strategy.UpdatedAt = now

	spec, err := nullableJSON(strategy.ParametersSpec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO strategies (uuid, name, display_name, goal_id, parameters_spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		strategy.UUID, strategy.Name, strategy.DisplayName, strategy.GoalID, spec,
		strategy.CreatedAt, strategy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}

	strategy.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get strategy id: %w", err)
	}
	return nil
}

const strategyColumns = `id, uuid, name, display_name, goal_id, parameters_spec, created_at, updated_at, deleted_at`

func scanStrategy(row interface{ Scan(...interface{}) error }) (*core.Strategy, error) {
	st := &core.Strategy{}
	var spec sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&st.ID, &st.UUID, &st.Name, &st.DisplayName, &st.GoalID, &spec,
		&st.CreatedAt, &st.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	st.ParametersSpec = rawJSON(spec)
	st.DeletedAt = timePtr(deletedAt)
	return st, nil
}

// GetStrategy retrieves a live strategy by id.
func (s *SQLiteStore) GetStrategy(ctx context.Context, id int64) (*core.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = ? AND deleted_at IS NULL`
	st, err := scanStrategy(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("strategy", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	return st, nil
}

// GetStrategyByName retrieves a live strategy by its unique name.
func (s *SQLiteStore) GetStrategyByName(ctx context.Context, name string) (*core.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE name = ? AND deleted_at IS NULL`
	st, err := scanStrategy(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, notFound("strategy", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	return st, nil
}

// ListStrategies lists all live strategies ordered by name.
func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]*core.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE deleted_at IS NULL ORDER BY name ASC`
	return s.queryStrategies(ctx, query)
}

// ListStrategiesByGoal lists live strategies bound to one goal.
func (s *SQLiteStore) ListStrategiesByGoal(ctx context.Context, goalID int64) ([]*core.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE goal_id = ? AND deleted_at IS NULL ORDER BY name ASC`
	return s.queryStrategies(ctx, query, goalID)
}

func (s *SQLiteStore) queryStrategies(ctx context.Context, query string, args ...interface{}) ([]*core.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	strategies := []*core.Strategy{}
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		strategies = append(strategies, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategies: %w", err)
	}
	return strategies, nil
}

// SoftDeleteStrategy marks a strategy row deleted.
func (s *SQLiteStore) SoftDeleteStrategy(ctx context.Context, id int64) error {
	return s.softDelete(ctx, "strategies", "strategy", id)
}

// CreateScoringEngine inserts a scoring engine row and fills in its
// generated id.
func (s *SQLiteStore) CreateScoringEngine(ctx context.Context, engine *core.ScoringEngine) error {
	now := time.Now().UTC()
	engine.CreatedAt = now
	engine.UpdatedAt = now

	query := `
		INSERT INTO scoring_engines (uuid, name, description, metainfo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		engine.UUID, engine.Name, engine.Description, engine.Metainfo,
		engine.CreatedAt, engine.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scoring engine: %w", err)
	}

	engine.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get scoring engine id: %w", err)
	}
	return nil
}

const scoringEngineColumns = `id, uuid, name, description, metainfo, created_at, updated_at, deleted_at`

func scanScoringEngine(row interface{ Scan(...interface{}) error }) (*core.ScoringEngine, error) {
	eng := &core.ScoringEngine{}
	var deletedAt sql.NullTime
	err := row.Scan(&eng.ID, &eng.UUID, &eng.Name, &eng.Description, &eng.Metainfo,
		&eng.CreatedAt, &eng.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	eng.DeletedAt = timePtr(deletedAt)
	return eng, nil
}

// GetScoringEngineByName retrieves a live scoring engine by name.
func (s *SQLiteStore) GetScoringEngineByName(ctx context.Context, name string) (*core.ScoringEngine, error) {
	query := `SELECT ` + scoringEngineColumns + ` FROM scoring_engines WHERE name = ? AND deleted_at IS NULL`
	eng, err := scanScoringEngine(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, notFound("scoring engine", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scoring engine: %w", err)
	}
	return eng, nil
}

// ListScoringEngines lists all live scoring engines ordered by name.
func (s *SQLiteStore) ListScoringEngines(ctx context.Context) ([]*core.ScoringEngine, error) {
	query := `SELECT ` + scoringEngineColumns + ` FROM scoring_engines WHERE deleted_at IS NULL ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scoring engines: %w", err)
	}
	defer rows.Close()

	engines := []*core.ScoringEngine{}
	for rows.Next() {
		eng, err := scanScoringEngine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scoring engine: %w", err)
		}
		engines = append(engines, eng)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scoring engines: %w", err)
	}
	return engines, nil
}

// SoftDeleteScoringEngine marks a scoring engine row deleted.
func (s *SQLiteStore) SoftDeleteScoringEngine(ctx context.Context, id int64) error {
	return s.softDelete(ctx, "scoring_engines", "scoring engine", id)
}

// softDelete sets deleted_at on one live row of the given table.
func (s *SQLiteStore) softDelete(ctx context.Context, table, entity string, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, table)
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", entity, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound(entity, fmt.Sprintf("%d", id))
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/automata/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The schema is in
// schema.sql.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Ping verifies store connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- RuleStore ---

// CreateRule inserts a rule and its actions in one transaction.
func (s *PgStore) CreateRule(ctx context.Context, rule model.Rule) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		triggerFields, err := json.Marshal(rule.TriggerFields)
		if err != nil {
			return fmt.Errorf("marshal trigger fields: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO rules (
				id, tenant_id, collection_id, name, active,
				trigger_type, filter, trigger_fields, priority,
				error_policy, execution_mode,
				cron_expr, timezone, last_scheduled_run,
				version, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9,
				$10, $11,
				$12, $13, $14,
				$15, $16, $17
			)`,
			rule.ID, rule.TenantID, rule.CollectionID, rule.Name, rule.Active,
			rule.TriggerType, rule.Filter, triggerFields, rule.Priority,
			rule.ErrorPolicy, rule.ExecutionMode,
			rule.CronExpr, rule.Timezone, rule.LastScheduledRun,
			rule.Version, rule.CreatedAt, rule.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}

		return insertActions(ctx, tx, rule.ID, rule.Actions)
	})
}

// UpdateRule updates a rule with optimistic locking and replaces its actions.
func (s *PgStore) UpdateRule(ctx context.Context, rule model.Rule) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		triggerFields, err := json.Marshal(rule.TriggerFields)
		if err != nil {
			return fmt.Errorf("marshal trigger fields: %w", err)
		}

		// last_scheduled_run is owned by ClaimScheduledRun and is not
		// touched by rule edits.
		tag, err := tx.Exec(ctx, `
			UPDATE rules SET
				name = $1, active = $2, trigger_type = $3, filter = $4,
				trigger_fields = $5, priority = $6, error_policy = $7,
				execution_mode = $8, cron_expr = $9, timezone = $10,
				version = $11, updated_at = $12
			WHERE id = $13 AND tenant_id = $14 AND version = $15`,
			rule.Name, rule.Active, rule.TriggerType, rule.Filter,
			triggerFields, rule.Priority, rule.ErrorPolicy,
			rule.ExecutionMode, rule.CronExpr, rule.Timezone,
			rule.Version, time.Now().UTC(),
			rule.ID, rule.TenantID, rule.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("rule %q version conflict (write %d)", rule.ID, rule.Version),
			)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM rule_actions WHERE rule_id = $1`, rule.ID); err != nil {
			return fmt.Errorf("clear rule actions: %w", err)
		}
		return insertActions(ctx, tx, rule.ID, rule.Actions)
	})
}

// GetRule retrieves a rule with its actions, scoped to tenant.
func (s *PgStore) GetRule(ctx context.Context, tenantID, ruleID string) (model.Rule, error) {
	rules, err := s.queryRules(ctx, `
		SELECT id, tenant_id, collection_id, name, active,
		       trigger_type, filter, trigger_fields, priority,
		       error_policy, execution_mode,
		       cron_expr, timezone, last_scheduled_run,
		       version, created_at, updated_at
		FROM rules
		WHERE id = $1 AND tenant_id = $2`,
		ruleID, tenantID,
	)
	if err != nil {
		return model.Rule{}, err
	}
	if len(rules) == 0 {
		return model.Rule{}, model.NewNotFoundError(fmt.Sprintf("rule %q not found", ruleID))
	}
	return rules[0], nil
}

// DeleteRule removes a rule, cascading actions and version snapshots.
func (s *PgStore) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM rule_actions WHERE rule_id = $1`, ruleID); err != nil {
			return fmt.Errorf("delete rule actions: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rule_versions WHERE rule_id = $1`, ruleID); err != nil {
			return fmt.Errorf("delete rule versions: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM rules WHERE id = $1 AND tenant_id = $2`, ruleID, tenantID)
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewNotFoundError(fmt.Sprintf("rule %q not found", ruleID))
		}
		return nil
	})
}

// ActiveRulesForCollection returns active rules for one collection by
// priority ascending.
func (s *PgStore) ActiveRulesForCollection(ctx context.Context, tenantID, collectionID string) ([]model.Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, tenant_id, collection_id, name, active,
		       trigger_type, filter, trigger_fields, priority,
		       error_policy, execution_mode,
		       cron_expr, timezone, last_scheduled_run,
		       version, created_at, updated_at
		FROM rules
		WHERE tenant_id = $1 AND collection_id = $2 AND active = TRUE
		ORDER BY priority ASC, created_at ASC`,
		tenantID, collectionID,
	)
}

// ActiveScheduledRules returns active SCHEDULED rules across all tenants.
func (s *PgStore) ActiveScheduledRules(ctx context.Context) ([]model.Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, tenant_id, collection_id, name, active,
		       trigger_type, filter, trigger_fields, priority,
		       error_policy, execution_mode,
		       cron_expr, timezone, last_scheduled_run,
		       version, created_at, updated_at
		FROM rules
		WHERE active = TRUE AND trigger_type = $1
		ORDER BY priority ASC, created_at ASC`,
		model.TriggerScheduled,
	)
}

// ClaimScheduledRun advances the scheduled cursor with an atomic conditional
// update. A zero rows-affected result means another instance claimed the
// window.
func (s *PgStore) ClaimScheduledRun(ctx context.Context, ruleID string, prev *time.Time, next time.Time) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	if prev == nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE rules SET last_scheduled_run = $1
			WHERE id = $2 AND last_scheduled_run IS NULL`,
			next.UTC(), ruleID,
		)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE rules SET last_scheduled_run = $1
			WHERE id = $2 AND last_scheduled_run = $3`,
			next.UTC(), ruleID, prev.UTC(),
		)
	}
	if err != nil {
		return false, fmt.Errorf("claim scheduled run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- LogStore ---

// CreateExecutionLog inserts a firing log entry.
func (s *PgStore) CreateExecutionLog(ctx context.Context, log model.ExecutionLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_logs (
			id, tenant_id, rule_id, rule_version, record_id,
			trigger_type, status, actions_executed, error,
			started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		log.ID, log.TenantID, log.RuleID, log.RuleVersion, log.RecordID,
		log.TriggerType, log.Status, log.ActionsExecuted, log.Error,
		log.StartedAt, log.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// CreateActionLog inserts one action attempt entry.
func (s *PgStore) CreateActionLog(ctx context.Context, log model.ActionLog) error {
	input, err := json.Marshal(log.Input)
	if err != nil {
		return fmt.Errorf("marshal action input: %w", err)
	}
	output, err := json.Marshal(log.Output)
	if err != nil {
		return fmt.Errorf("marshal action output: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO action_logs (
			id, execution_log_id, action_id, action_type, attempt_number,
			status, error, retry_delay_ms, input, output,
			duration_ms, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		log.ID, log.ExecutionLogID, log.ActionID, log.ActionType, log.AttemptNumber,
		log.Status, log.Error, log.RetryDelay.Milliseconds(), input, output,
		log.Duration.Milliseconds(), log.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	return nil
}

// ExecutionLogs queries a tenant's execution logs, newest first.
func (s *PgStore) ExecutionLogs(ctx context.Context, tenantID string, filters model.ExecutionLogFilters) ([]model.ExecutionLog, error) {
	query := `SELECT id, tenant_id, rule_id, rule_version, record_id,
	                 trigger_type, status, actions_executed, error,
	                 started_at, duration_ms
	          FROM execution_logs
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.RuleID != "" {
		query += fmt.Sprintf(" AND rule_id = $%d", argIdx)
		args = append(args, filters.RuleID)
		argIdx++
	}
	if !filters.From.IsZero() {
		query += fmt.Sprintf(" AND started_at >= $%d", argIdx)
		args = append(args, filters.From)
		argIdx++
	}
	if !filters.To.IsZero() {
		query += fmt.Sprintf(" AND started_at < $%d", argIdx)
		args = append(args, filters.To)
		argIdx++
	}

	query += " ORDER BY started_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	var result []model.ExecutionLog
	for rows.Next() {
		var l model.ExecutionLog
		var durationMs int64
		if err := rows.Scan(
			&l.ID, &l.TenantID, &l.RuleID, &l.RuleVersion, &l.RecordID,
			&l.TriggerType, &l.Status, &l.ActionsExecuted, &l.Error,
			&l.StartedAt, &durationMs,
		); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		l.Duration = time.Duration(durationMs) * time.Millisecond
		result = append(result, l)
	}
	return result, rows.Err()
}

// ActionLogs returns action logs of one firing, ordered by start time then
// attempt number. Tenant scoping goes through the parent execution log.
func (s *PgStore) ActionLogs(ctx context.Context, tenantID, executionLogID string) ([]model.ActionLog, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM execution_logs WHERE id = $1 AND tenant_id = $2`,
		executionLogID, tenantID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution log %q not found", executionLogID))
	}
	if err != nil {
		return nil, fmt.Errorf("check execution log: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_log_id, action_id, action_type, attempt_number,
		       status, error, retry_delay_ms, input, output,
		       duration_ms, started_at
		FROM action_logs
		WHERE execution_log_id = $1
		ORDER BY started_at ASC, attempt_number ASC`,
		executionLogID,
	)
	if err != nil {
		return nil, fmt.Errorf("query action logs: %w", err)
	}
	defer rows.Close()

	var result []model.ActionLog
	for rows.Next() {
		var l model.ActionLog
		var retryDelayMs, durationMs int64
		var input, output []byte
		if err := rows.Scan(
			&l.ID, &l.ExecutionLogID, &l.ActionID, &l.ActionType, &l.AttemptNumber,
			&l.Status, &l.Error, &retryDelayMs, &input, &output,
			&durationMs, &l.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		l.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
		l.Duration = time.Duration(durationMs) * time.Millisecond
		if input != nil {
			_ = json.Unmarshal(input, &l.Input)
		}
		if output != nil {
			_ = json.Unmarshal(output, &l.Output)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// DeleteLogsOlderThan removes execution logs started before the cutoff and
// cascades their action logs.
func (s *PgStore) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM action_logs
			WHERE execution_log_id IN (
				SELECT id FROM execution_logs WHERE started_at < $1
			)`, cutoff,
		); err != nil {
			return fmt.Errorf("delete action logs: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM execution_logs WHERE started_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("delete execution logs: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}

// --- PendingStore ---

// CreatePending inserts a PENDING entry. The partial unique index on live
// entries enforces the (rule, record, action index) invariant.
func (s *PgStore) CreatePending(ctx context.Context, p model.PendingAction) error {
	snapshot, err := json.Marshal(p.RecordSnapshot)
	if err != nil {
		return fmt.Errorf("marshal record snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_actions (
			id, tenant_id, execution_log_id, rule_id, action_index,
			record_id, record_snapshot, resume_at, status, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TenantID, p.ExecutionLogID, p.RuleID, p.ActionIndex,
		p.RecordID, snapshot, p.ResumeAt, p.Status, p.Error, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf(
				"pending action already exists for rule %q record %q index %d",
				p.RuleID, p.RecordID, p.ActionIndex,
			))
		}
		return fmt.Errorf("insert pending action: %w", err)
	}
	return nil
}

// FindDuePending returns due PENDING entries, earliest resume time first.
func (s *PgStore) FindDuePending(ctx context.Context, now time.Time) ([]model.PendingAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, execution_log_id, rule_id, action_index,
		       record_id, record_snapshot, resume_at, status, error, created_at
		FROM pending_actions
		WHERE status = $1 AND resume_at <= $2
		ORDER BY resume_at ASC`,
		model.PendingStatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending actions: %w", err)
	}
	defer rows.Close()

	var result []model.PendingAction
	for rows.Next() {
		var p model.PendingAction
		var snapshot []byte
		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.ExecutionLogID, &p.RuleID, &p.ActionIndex,
			&p.RecordID, &snapshot, &p.ResumeAt, &p.Status, &p.Error, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending action: %w", err)
		}
		if snapshot != nil {
			_ = json.Unmarshal(snapshot, &p.RecordSnapshot)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// MarkPendingExecuted transitions a PENDING entry to EXECUTED.
func (s *PgStore) MarkPendingExecuted(ctx context.Context, id string) error {
	return s.markPending(ctx, id, model.PendingStatusExecuted, "")
}

// MarkPendingFailed transitions a PENDING entry to FAILED.
func (s *PgStore) MarkPendingFailed(ctx context.Context, id string, errMsg string) error {
	return s.markPending(ctx, id, model.PendingStatusFailed, errMsg)
}

func (s *PgStore) markPending(ctx context.Context, id, status, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_actions SET status = $1, error = $2
		WHERE id = $3 AND status = $4`,
		status, errMsg, id, model.PendingStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update pending action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("pending action %q is not PENDING", id))
	}
	return nil
}

// --- VersionStore ---

// AppendRuleVersion inserts an immutable rule snapshot.
func (s *PgStore) AppendRuleVersion(ctx context.Context, v model.RuleVersion) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_versions (
			id, rule_id, version, snapshot, change_summary, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.RuleID, v.Version, []byte(v.Snapshot), v.ChangeSummary, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("rule %q version %d already snapshotted", v.RuleID, v.Version),
			)
		}
		return fmt.Errorf("insert rule version: %w", err)
	}
	return nil
}

// RuleVersions returns snapshots for a rule, version ascending.
func (s *PgStore) RuleVersions(ctx context.Context, ruleID string) ([]model.RuleVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, version, snapshot, change_summary, created_at
		FROM rule_versions
		WHERE rule_id = $1
		ORDER BY version ASC`,
		ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rule versions: %w", err)
	}
	defer rows.Close()

	var result []model.RuleVersion
	for rows.Next() {
		var v model.RuleVersion
		var snapshot []byte
		if err := rows.Scan(&v.ID, &v.RuleID, &v.Version, &snapshot, &v.ChangeSummary, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule version: %w", err)
		}
		v.Snapshot = snapshot
		result = append(result, v)
	}
	return result, rows.Err()
}

// --- helpers ---

func insertActions(ctx context.Context, tx pgx.Tx, ruleID string, actions []model.Action) error {
	for i, a := range actions {
		_, err := tx.Exec(ctx, `
			INSERT INTO rule_actions (
				id, rule_id, type, config, active, execution_order,
				insertion_order, retry_count, retry_delay_seconds, retry_backoff
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, ruleID, a.Type, []byte(a.Config), a.Active, a.ExecutionOrder,
			i, a.RetryCount, a.RetryDelaySeconds, a.RetryBackoff,
		)
		if err != nil {
			return fmt.Errorf("insert rule action: %w", err)
		}
	}
	return nil
}

// queryRules runs a rule query and loads each rule's actions in insertion
// order so execution-order ties stay stable.
func (s *PgStore) queryRules(ctx context.Context, query string, args ...any) ([]model.Rule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		var r model.Rule
		var triggerFields []byte
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.CollectionID, &r.Name, &r.Active,
			&r.TriggerType, &r.Filter, &triggerFields, &r.Priority,
			&r.ErrorPolicy, &r.ExecutionMode,
			&r.CronExpr, &r.Timezone, &r.LastScheduledRun,
			&r.Version, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if triggerFields != nil {
			_ = json.Unmarshal(triggerFields, &r.TriggerFields)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rules {
		actions, err := s.actionsForRule(ctx, rules[i].ID)
		if err != nil {
			return nil, err
		}
		rules[i].Actions = actions
	}
	return rules, nil
}

func (s *PgStore) actionsForRule(ctx context.Context, ruleID string) ([]model.Action, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, type, config, active, execution_order,
		       retry_count, retry_delay_seconds, retry_backoff
		FROM rule_actions
		WHERE rule_id = $1
		ORDER BY insertion_order ASC`,
		ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rule actions: %w", err)
	}
	defer rows.Close()

	var actions []model.Action
	for rows.Next() {
		var a model.Action
		var config []byte
		if err := rows.Scan(
			&a.ID, &a.RuleID, &a.Type, &config, &a.Active, &a.ExecutionOrder,
			&a.RetryCount, &a.RetryDelaySeconds, &a.RetryBackoff,
		); err != nil {
			return nil, fmt.Errorf("scan rule action: %w", err)
		}
		a.Config = config
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// isUniqueViolation reports whether err is a postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

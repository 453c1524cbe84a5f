package execution

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/internal/storage/pool"
)

const selectColumns = `SELECT execution_id, flow_id, plan, status, attempts, max_retries, last_error, error_code,
        result, consolidated_id, created_at, updated_at FROM flow_executions`

// SQLStore keeps executions in the flow_executions table of the pooled database.
type SQLStore struct {
	pool *pool.Pool
	now  func() time.Time
}

// NewSQLStore returns a store over p. The schema must already contain flow_executions.
func NewSQLStore(p *pool.Pool) (*SQLStore, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "execution store needs a connection pool")
	}
	return &SQLStore{pool: p, now: time.Now}, nil
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution is nil")
	}
	if strings.TrimSpace(exec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution id is empty")
	}
	plan, err := json.Marshal(exec.Plan)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode flow plan")
	}
	now := s.now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	const stmt = `INSERT INTO flow_executions
        (execution_id, flow_id, plan, status, attempts, max_retries, last_error, error_code, result, consolidated_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', '', ?, ?)`

	return s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		_, err := conn.ExecContext(ctx, stmt,
			exec.ID,
			exec.FlowID,
			string(plan),
			string(exec.Status),
			exec.Attempts,
			exec.MaxRetries,
			exec.CreatedAt,
			exec.UpdatedAt,
		)
		if err != nil {
			if pool.IsDuplicate(err) {
				return ErrConflict
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert execution")
		}
		return nil
	})
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*Execution, error) {
	var found *Execution
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, selectColumns+` WHERE execution_id = ?`, id)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query execution")
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query execution")
			}
			return ErrNotFound
		}
		found, err = scanExecution(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Claim implements Store.
func (s *SQLStore) Claim(ctx context.Context, id string) (*Execution, error) {
	const stmt = `UPDATE flow_executions SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE execution_id = ? AND status IN (?, ?) AND attempts < max_retries`

	var affected int64
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		res, err := conn.ExecContext(ctx, stmt, string(StatusRunning), s.now().Unix(), id, string(StatusPending), string(StatusFailed))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim execution")
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim execution")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	exec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch {
		case exec.Status == StatusSucceeded:
			return exec, ErrCompleted
		case exec.Status != StatusRunning && exec.Attempts >= exec.MaxRetries:
			return exec, ErrExhausted
		default:
			return exec, ErrConflict
		}
	}
	return exec, nil
}

// MarkSucceeded implements Store.
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, summary Summary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode execution summary")
	}
	const stmt = `UPDATE flow_executions SET status = ?, result = ?, consolidated_id = ?, last_error = '', error_code = '', updated_at = ?
        WHERE execution_id = ?`
	return s.update(ctx, stmt, string(StatusSucceeded), string(encoded), summary.ConsolidatedID, s.now().Unix(), id)
}

// MarkFailed implements Store.
func (s *SQLStore) MarkFailed(ctx context.Context, id string, failure Failure) error {
	var b strings.Builder
	b.WriteString(`UPDATE flow_executions SET status = ?, last_error = ?, error_code = ?, updated_at = ?`)
	args := []any{string(StatusFailed), failure.Message, string(failure.Code), s.now().Unix()}
	if failure.Summary != nil {
		encoded, err := json.Marshal(failure.Summary)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode execution summary")
		}
		b.WriteString(`, result = ?, consolidated_id = ?`)
		args = append(args, string(encoded), failure.Summary.ConsolidatedID)
	}
	if failure.Terminal {
		b.WriteString(`, max_retries = attempts`)
	}
	b.WriteString(` WHERE execution_id = ?`)
	args = append(args, id)
	return s.update(ctx, b.String(), args...)
}

func (s *SQLStore) update(ctx context.Context, stmt string, args ...any) error {
	return s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		res, err := conn.ExecContext(ctx, stmt, args...)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update execution")
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	opts = opts.normalized()

	query := selectColumns
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, execution_id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, execution_id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	executions := make([]*Execution, 0, opts.Limit)
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "list executions")
		}
		defer rows.Close()
		for rows.Next() {
			exec, err := scanExecution(rows)
			if err != nil {
				return err
			}
			executions = append(executions, exec)
		}
		if err := rows.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate executions")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return executions, nil
}

// Stats implements Store.
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts = opts.normalized()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM flow_executions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query execution stats")
		}
		defer rows.Close()
		if !rows.Next() {
			return rows.Err()
		}
		if err := rows.Scan(
			&stats.Total,
			&stats.Pending,
			&stats.Running,
			&stats.Succeeded,
			&stats.Failed,
			&stats.OldestUpdatedAt,
			&stats.NewestUpdatedAt,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan execution stats")
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec   Execution
		plan   string
		status string
		result string
	)
	if err := row.Scan(
		&exec.ID,
		&exec.FlowID,
		&plan,
		&status,
		&exec.Attempts,
		&exec.MaxRetries,
		&exec.LastError,
		&exec.ErrorCode,
		&result,
		&exec.ConsolidatedID,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan execution")
	}
	exec.Status = Status(status)
	if plan != "" && plan != "null" {
		var decoded flow.DynamicFlowPlan
		if err := json.Unmarshal([]byte(plan), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode flow plan")
		}
		exec.Plan = &decoded
	}
	if result != "" {
		var summary Summary
		if err := json.Unmarshal([]byte(result), &summary); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode execution summary")
		}
		exec.Result = &summary
	}
	return &exec, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.FlowID != "" {
		clauses = append(clauses, "flow_id = ?")
		args = append(args, opts.FlowID)
	}
	if len(opts.ErrorCodes) > 0 {
		placeholders := make([]string, len(opts.ErrorCodes))
		for i, code := range opts.ErrorCodes {
			placeholders[i] = "?"
			args = append(args, string(code))
		}
		clauses = append(clauses, "error_code IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedSince > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedSince)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			clauses = append(clauses, "result <> ''")
		} else {
			clauses = append(clauses, "result = ''")
		}
	}
	if opts.Query != "" {
		like := "%" + opts.Query + "%"
		matches := make([]string, len(queryColumns))
		for i, column := range queryColumns {
			matches[i] = "LOWER(" + column + ") LIKE ?"
			args = append(args, like)
		}
		clauses = append(clauses, "("+strings.Join(matches, " OR ")+")")
	}
	return strings.Join(clauses, " AND "), args
}

var _ Store = (*SQLStore)(nil)

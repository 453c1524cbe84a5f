package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/storage/pool"
	"reev-harness/pkg/logger"
)

// ConsolidationOutcome reports what StoreConsolidated did with an observation.
type ConsolidationOutcome struct {
	ID       int64 `json:"id"`
	Merged   bool  `json:"merged"`
	Attempts int   `json:"attempts"`
}

// StoreConsolidated folds one tool-call observation into the canonical row of
// its invocation. A row matches when session and tool agree and the start
// times differ by at most the window; otherwise a new row is inserted.
func (s *Store) StoreConsolidated(ctx context.Context, call ToolCall) (ConsolidationOutcome, error) {
	if call.SessionID == "" || call.ToolName == "" {
		return ConsolidationOutcome{}, xerrors.New(xerrors.CodeInvalidArgument, "session_id and tool_name are required")
	}
	log := logger.WithExecution(s.log, "", call.SessionID).With(
		slog.String("tool_name", call.ToolName),
		slog.Int64("start_time", call.StartTime))

	unlock := s.locks.Lock(s.lockKeys(call)...)
	defer unlock()

	var (
		outcome ConsolidationOutcome
		lastErr error
	)
	delay := s.backoff
	for attempt := 1; attempt <= s.retries; attempt++ {
		outcome, lastErr = s.consolidateOnce(ctx, call)
		outcome.Attempts = attempt
		if lastErr == nil {
			log.Debug("tool call consolidated", slog.Int64("row_id", outcome.ID), slog.Bool("merged", outcome.Merged))
			return outcome, nil
		}
		if !pool.IsWriteConflict(lastErr) || attempt == s.retries {
			break
		}
		log.Warn("consolidation write conflict, retrying",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", lastErr))
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > time.Second {
			delay = time.Second
		}
	}

	if pool.IsWriteConflict(lastErr) {
		log.Error("consolidation retries exhausted", slog.Int("attempts", s.retries), slog.Any("error", lastErr))
		return outcome, xerrors.Wrap(xerrors.CodeConsolidationWriteConflict, lastErr,
			fmt.Sprintf("tool call write conflict after %d attempts", s.retries),
			xerrors.WithMetadata(logger.KeySessionID, call.SessionID))
	}
	if _, ok := xerrors.From(lastErr); ok {
		return outcome, lastErr
	}
	return outcome, xerrors.Wrap(xerrors.CodeStorageFailure, lastErr, "consolidate tool call",
		xerrors.WithMetadata(logger.KeySessionID, call.SessionID))
}

func (s *Store) consolidateOnce(ctx context.Context, call ToolCall) (ConsolidationOutcome, error) {
	var outcome ConsolidationOutcome
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()

		var existing *ToolCall
		existing, err = s.findMatch(ctx, tx, call)
		if err != nil {
			return err
		}
		now := s.now().Unix()
		if existing == nil {
			var res sql.Result
			res, err = tx.ExecContext(ctx, `INSERT INTO session_tool_calls
(session_id, tool_name, start_time, execution_time_ms, input_params, output_result, status, error_message, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				call.SessionID, call.ToolName, call.StartTime, call.ExecutionTimeMS,
				string(call.InputParams), string(call.OutputResult), call.Status, call.ErrorMessage, string(call.Metadata),
				now, now)
			if err != nil {
				return err
			}
			outcome.ID, err = res.LastInsertId()
			if err != nil {
				return err
			}
		} else {
			merged := MergeToolCall(*existing, call)
			_, err = tx.ExecContext(ctx, `UPDATE session_tool_calls
SET execution_time_ms = ?, input_params = ?, output_result = ?, status = ?, error_message = ?, metadata = ?, updated_at = ?
WHERE id = ?`,
				merged.ExecutionTimeMS, string(merged.InputParams), string(merged.OutputResult),
				merged.Status, merged.ErrorMessage, string(merged.Metadata), now, existing.ID)
			if err != nil {
				return err
			}
			outcome.ID = existing.ID
			outcome.Merged = true
		}
		err = tx.Commit()
		return err
	})
	return outcome, err
}

// findMatch returns the closest row within the window, most recently
// updated first on ties.
func (s *Store) findMatch(ctx context.Context, tx *sql.Tx, call ToolCall) (*ToolCall, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, session_id, tool_name, start_time, execution_time_ms, input_params, output_result, status, error_message, metadata
FROM session_tool_calls
WHERE session_id = ? AND tool_name = ? AND start_time BETWEEN ? AND ?
ORDER BY ABS(start_time - ?) ASC, updated_at DESC, id DESC`+s.pool.ForUpdate(),
		call.SessionID, call.ToolName, call.StartTime-s.window, call.StartTime+s.window, call.StartTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanToolCall(rows)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// MergeToolCall combines an existing canonical row with a new observation.
// Input and output keep the existing document unless it is empty. Execution
// time keeps the existing value unless it is zero. Status, error message and
// metadata take the incoming value when it is non-empty.
func MergeToolCall(existing, incoming ToolCall) ToolCall {
	merged := existing
	if emptyDocument(existing.InputParams) && !emptyDocument(incoming.InputParams) {
		merged.InputParams = incoming.InputParams
	}
	if emptyDocument(existing.OutputResult) && !emptyDocument(incoming.OutputResult) {
		merged.OutputResult = incoming.OutputResult
	}
	if existing.ExecutionTimeMS == 0 {
		merged.ExecutionTimeMS = incoming.ExecutionTimeMS
	}
	if incoming.Status != "" {
		merged.Status = incoming.Status
	}
	if incoming.ErrorMessage != "" {
		merged.ErrorMessage = incoming.ErrorMessage
	}
	if !emptyDocument(incoming.Metadata) {
		merged.Metadata = incoming.Metadata
	}
	return merged
}

// lockKeys covers every bucket a matching row could live in. Buckets are at
// least window seconds wide, so any two records within the window share a key.
func (s *Store) lockKeys(call ToolCall) []string {
	width := s.window
	if width < 1 {
		width = 1
	}
	prefix := call.SessionID + "|" + call.ToolName + "|"
	return []string{
		prefix + fmt.Sprint(floorDiv(call.StartTime-s.window, width)),
		prefix + fmt.Sprint(floorDiv(call.StartTime, width)),
		prefix + fmt.Sprint(floorDiv(call.StartTime+s.window, width)),
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// GetSessionToolCalls returns the canonical rows of a session ordered by start time.
func (s *Store) GetSessionToolCalls(ctx context.Context, sessionID string) ([]ToolCall, error) {
	var calls []ToolCall
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id, session_id, tool_name, start_time, execution_time_ms, input_params, output_result, status, error_message, metadata
FROM session_tool_calls WHERE session_id = ? ORDER BY start_time ASC, id ASC`, sessionID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query tool calls")
		}
		defer rows.Close()
		for rows.Next() {
			call, err := scanToolCall(rows)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan tool call")
			}
			calls = append(calls, call)
		}
		if err := rows.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate tool calls")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return calls, nil
}

// GetToolCallStats aggregates the canonical rows of a session per tool.
func (s *Store) GetToolCallStats(ctx context.Context, sessionID string) (*ToolCallStats, error) {
	stats := &ToolCallStats{SessionID: sessionID, ToolStats: []ToolStat{}}
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT
    tool_name,
    COUNT(*) AS call_count,
    AVG(execution_time_ms) AS avg_time_ms,
    MIN(execution_time_ms) AS min_time_ms,
    MAX(execution_time_ms) AS max_time_ms,
    SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS success_count,
    SUM(CASE WHEN status IN ('error', 'failed') THEN 1 ELSE 0 END) AS error_count,
    SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END) AS timeout_count
FROM session_tool_calls
WHERE session_id = ?
GROUP BY tool_name
ORDER BY call_count DESC, tool_name ASC`, sessionID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query tool call stats")
		}
		defer rows.Close()
		for rows.Next() {
			var (
				stat ToolStat
				avg  sql.NullFloat64
			)
			if err := rows.Scan(&stat.ToolName, &stat.CallCount, &avg, &stat.MinTimeMS, &stat.MaxTimeMS,
				&stat.SuccessCount, &stat.ErrorCount, &stat.TimeoutCount); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan tool call stats")
			}
			stat.AvgTimeMS = avg.Float64
			stats.ToolStats = append(stats.ToolStats, stat)
		}
		if err := rows.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate tool call stats")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.TotalTools = len(stats.ToolStats)
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolCall(rows rowScanner) (ToolCall, error) {
	var (
		call                    ToolCall
		input, output, metadata sql.NullString
		status, errorMessage    sql.NullString
	)
	if err := rows.Scan(&call.ID, &call.SessionID, &call.ToolName, &call.StartTime, &call.ExecutionTimeMS,
		&input, &output, &status, &errorMessage, &metadata); err != nil {
		return ToolCall{}, err
	}
	call.InputParams = rawOrNil(nullString(input))
	call.OutputResult = rawOrNil(nullString(output))
	call.Metadata = rawOrNil(nullString(metadata))
	call.Status = nullString(status)
	call.ErrorMessage = nullString(errorMessage)
	return call, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

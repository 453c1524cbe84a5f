package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/storage/pool"
	"reev-harness/pkg/logger"
)

const (
	defaultWindowSeconds = 1
	defaultWriteRetries  = 5
)

// Store persists sessions through a connection pool.
type Store struct {
	pool    *pool.Pool
	log     *slog.Logger
	window  int64
	retries int
	backoff time.Duration
	locks   *keyedMutex
	now     func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithWindow sets the tool-call match window in seconds. Values below zero are ignored.
func WithWindow(seconds int64) Option {
	return func(s *Store) {
		if seconds >= 0 {
			s.window = seconds
		}
	}
}

// WithWriteRetries bounds how often a conflicting consolidation write is retried.
func WithWriteRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithRetryBackoff sets the first backoff delay between conflicting writes.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithLogger overrides the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds a Store on p.
func NewStore(p *pool.Pool, opts ...Option) (*Store, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "session store requires a connection pool")
	}
	s := &Store{
		pool:    p,
		log:     logger.Named("session_store"),
		window:  defaultWindowSeconds,
		retries: defaultWriteRetries,
		backoff: 10 * time.Millisecond,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Window returns the tool-call match window in seconds.
func (s *Store) Window() int64 {
	return s.window
}

// StoreSessionToDatabase persists one step session. A step session is
// immutable: writing the same (execution_id, step_index) twice is a conflict.
func (s *Store) StoreSessionToDatabase(ctx context.Context, rec StoredSession) error {
	if rec.ExecutionID == "" || rec.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution_id and session_id are required")
	}
	if rec.StepIndex < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "step_index must not be negative")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	log := logger.WithExecution(s.log, rec.ExecutionID, rec.SessionID).With(slog.Int("step_index", rec.StepIndex))

	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin step session transaction")
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO step_sessions (execution_id, step_index, session_id, step_id, success, payload, raw_payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ExecutionID, rec.StepIndex, rec.SessionID, rec.StepID, boolToInt(rec.Success), string(rec.Payload), string(rec.RawPayload), created.UnixMilli())
		if err != nil {
			_ = tx.Rollback()
			if pool.IsDuplicate(err) {
				return xerrors.Wrap(xerrors.CodeConflict, err, "step session already stored",
					xerrors.WithMetadata(logger.KeyExecutionID, rec.ExecutionID),
					xerrors.WithMetadata(logger.KeySessionID, rec.SessionID))
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert step session",
				xerrors.WithMetadata(logger.KeySessionID, rec.SessionID))
		}
		if err := tx.Commit(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit step session")
		}
		return nil
	})
	if err != nil {
		log.Error("store step session failed", slog.Any("error", err))
		return err
	}
	log.Debug("step session stored", slog.Bool("success", rec.Success))
	return nil
}

// GetSessionsForConsolidation returns the step sessions of an execution ordered by step index.
func (s *Store) GetSessionsForConsolidation(ctx context.Context, executionID string) ([]StoredSession, error) {
	var sessions []StoredSession
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT execution_id, step_index, session_id, step_id, success, payload, raw_payload, created_at
FROM step_sessions WHERE execution_id = ? ORDER BY step_index ASC`, executionID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query step sessions")
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec     StoredSession
				success int
				payload string
				raw     sql.NullString
				created int64
			)
			if err := rows.Scan(&rec.ExecutionID, &rec.StepIndex, &rec.SessionID, &rec.StepID, &success, &payload, &raw, &created); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan step session")
			}
			rec.Success = success != 0
			rec.Payload = []byte(payload)
			if raw.String != "" {
				rec.RawPayload = []byte(raw.String)
			}
			rec.CreatedAt = time.UnixMilli(created)
			sessions = append(sessions, rec)
		}
		if err := rows.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate step sessions")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// StoreConsolidatedSession writes the execution-level record. It fails with
// CONFLICT when the id already exists.
func (s *Store) StoreConsolidatedSession(ctx context.Context, cs *ConsolidatedSession) error {
	if cs == nil || cs.ConsolidatedSessionID == "" || cs.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "consolidated_session_id and execution_id are required")
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = s.now()
	}
	content, err := json.Marshal(cs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConsolidationFailed, err, "encode consolidated session")
	}
	m := cs.Metadata
	err = s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO consolidated_sessions
(consolidated_id, execution_id, content, successful_steps, failed_steps, total_steps, success_rate, avg_score, total_tools, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cs.ConsolidatedSessionID, cs.ExecutionID, string(content),
			m.SuccessfulSteps, m.FailedSteps, m.TotalSteps, m.SuccessRate, m.AvgScore, m.TotalTools,
			cs.CreatedAt.UnixMilli())
		if err != nil {
			if pool.IsDuplicate(err) {
				return xerrors.Wrap(xerrors.CodeConflict, err, "consolidated session already stored")
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert consolidated session")
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("consolidation stored",
		slog.String(logger.KeyExecutionID, cs.ExecutionID),
		slog.String("consolidated_id", cs.ConsolidatedSessionID),
		slog.Int("total_steps", m.TotalSteps),
		slog.Float64("success_rate", m.SuccessRate))
	return nil
}

// GetConsolidatedSession loads a consolidated session. Content written as
// YAML by older writers is still accepted.
func (s *Store) GetConsolidatedSession(ctx context.Context, consolidatedID string) (*ConsolidatedSession, error) {
	var content string
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT content FROM consolidated_sessions WHERE consolidated_id = ?`, consolidatedID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query consolidated session")
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query consolidated session")
			}
			return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("consolidated session %s not found", consolidatedID))
		}
		if err := rows.Scan(&content); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan consolidated session")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeConsolidated([]byte(content))
}

// GetConsolidatedForExecution returns the consolidated sessions stored for an execution, newest first.
func (s *Store) GetConsolidatedForExecution(ctx context.Context, executionID string) ([]string, error) {
	var ids []string
	err := s.pool.Do(ctx, func(ctx context.Context, conn *pool.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT consolidated_id FROM consolidated_sessions WHERE execution_id = ? ORDER BY created_at DESC`, executionID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query consolidated sessions")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan consolidated session id")
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func decodeConsolidated(content []byte) (*ConsolidatedSession, error) {
	var cs ConsolidatedSession
	jsonErr := json.Unmarshal(content, &cs)
	if jsonErr == nil {
		return &cs, nil
	}

	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, stdErrors.Join(jsonErr, err), "decode consolidated session")
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "normalize consolidated session")
	}
	if err := json.Unmarshal(normalized, &cs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode consolidated session")
	}
	return &cs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// Package store persists the most recent conversation turns per user.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"biochat/backend/internal/state"
	"biochat/backend/pkg/logger"
)

// TurnStore is a SQLite-backed conversation turn log.
type TurnStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the database at path. ":memory:" is accepted.
func Open(path string) (*TurnStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &TurnStore{db: db, path: path, logger: logger.Named("store")}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *TurnStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *TurnStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *TurnStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id          TEXT NOT NULL,
		question_id      TEXT NOT NULL UNIQUE,
		time_ns          INTEGER NOT NULL,
		user_question    TEXT NOT NULL,
		memory_snapshot  TEXT NOT NULL DEFAULT '',
		context_snapshot TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_turns_user_time ON turns(user_id, time_ns);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes turn and deletes all but the newest keep turns of the same
// user, in one transaction.
func (s *TurnStore) Append(ctx context.Context, turn state.Turn, keep int) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if keep < 1 {
		keep = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (user_id, question_id, time_ns, user_question, memory_snapshot, context_snapshot)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.UserID, turn.QuestionID, turn.Time.UTC().UnixNano(),
		turn.UserQuestion, turn.MemorySnapshot, turn.ContextSnapshot,
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM turns
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM turns WHERE user_id = ?
			ORDER BY time_ns DESC, id DESC
			LIMIT ?
		)`,
		turn.UserID, turn.UserID, keep,
	)
	if err != nil {
		return fmt.Errorf("truncate turns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("Truncated conversation",
			zap.String("user_id", turn.UserID),
			zap.Int64("removed", n),
		)
	}
	return nil
}

// Recent returns up to n of the user's newest turns, oldest first.
func (s *TurnStore) Recent(ctx context.Context, userID string, n int) ([]state.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, question_id, time_ns, user_question, memory_snapshot, context_snapshot
		FROM (
			SELECT * FROM turns WHERE user_id = ?
			ORDER BY time_ns DESC, id DESC
			LIMIT ?
		)
		ORDER BY time_ns ASC, id ASC`,
		userID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []state.Turn
	for rows.Next() {
		var (
			t  state.Turn
			ns int64
		)
		if err := rows.Scan(&t.UserID, &t.QuestionID, &ns, &t.UserQuestion, &t.MemorySnapshot, &t.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Time = time.Unix(0, ns).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Count returns how many turns are stored for userID.
func (s *TurnStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is the shared relational backend for multi-process deployments.
//
// The DSN must include parseTime=true so created_at scans as time.Time, e.g.
//
//	user:pass@tcp(localhost:3306)/agentflow?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to the database and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id VARCHAR(64) NOT NULL,
			checkpoint_id VARCHAR(64) NOT NULL,
			parent_id VARCHAR(64) NULL,
			created_at DATETIME(6) NOT NULL,
			state MEDIUMBLOB NOT NULL,
			channel_versions JSON NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id),
			INDEX idx_thread_created (thread_id, created_at DESC)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

// Put implements Store.
func (s *MySQLStore) Put(ctx context.Context, cp Checkpoint) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	versions, err := json.Marshal(cp.ChannelVersions)
	if err != nil {
		return fmt.Errorf("failed to marshal channel versions: %w", err)
	}

	query := `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, created_at, state, channel_versions)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.ThreadID, cp.CheckpointID, nullable(cp.ParentID),
		cp.CreatedAt.UTC(), cp.State, string(versions))
	if err != nil {
		var myerr *mysql.MySQLError
		if errors.As(err, &myerr) && myerr.Number == 1062 { // duplicate key
			return ErrConflict
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT thread_id, checkpoint_id, parent_id, created_at, state, channel_versions
			FROM checkpoints WHERE thread_id = ?
			ORDER BY created_at DESC LIMIT 1
		`, threadID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT thread_id, checkpoint_id, parent_id, created_at, state, channel_versions
			FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?
		`, threadID, checkpointID)
	}
	cp, err := scanMySQLCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	query := `
		SELECT thread_id, checkpoint_id, parent_id, created_at, state, channel_versions
		FROM checkpoints WHERE thread_id = ?
		ORDER BY created_at DESC
	`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanMySQLCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

// Cleanup implements Store.
func (s *MySQLStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrClosed
	}
	s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted checkpoints: %w", err)
	}
	return int(n), nil
}

// Close implements Store. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func scanMySQLCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		parent   sql.NullString
		versions []byte
	)
	if err := row.Scan(&cp.ThreadID, &cp.CheckpointID, &parent, &cp.CreatedAt, &cp.State, &versions); err != nil {
		return nil, err
	}
	cp.ParentID = parent.String
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &cp.ChannelVersions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel versions: %w", err)
		}
	}
	return &cp, nil
}

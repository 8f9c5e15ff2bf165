package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

//go:embed migrations/001_requests.sql
var migrationV1 string

// SQLite implements core.RequestStore with SQLite storage. Checkpoints are
// stored as JSON with a sha256 checksum verified on load.
type SQLite struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

// NewSQLite opens (and migrates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLite{path: path, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Path returns the database file.
func (s *SQLite) Path() string { return s.path }

// SaveRequest upserts req.
func (s *SQLite) SaveRequest(ctx context.Context, req *core.WorkflowRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, err := json.Marshal(req.PriorContext)
	if err != nil {
		return fmt.Errorf("marshaling prior context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (id, input, prior_context, status, reason, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		string(req.ID), req.Input, string(prior), string(req.Status), nullableString(req.Reason),
		req.CreatedAt.UTC(), req.UpdatedAt.UTC(), nullableTime(req.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting request %s: %w", req.ID, err)
	}
	return nil
}

// SaveCheckpoint replaces the stored state of its request. The request must
// have been saved first.
func (s *SQLite) SaveCheckpoint(ctx context.Context, state *core.SharedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (request_id, state, checksum, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			state = excluded.state,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`, string(state.RequestID), string(data), checksum(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", state.RequestID, err)
	}
	return nil
}

// Load returns the request and its latest checkpoint, if any.
func (s *SQLite) Load(ctx context.Context, id core.RequestID) (*core.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.input, r.prior_context, r.status, r.reason, r.created_at, r.updated_at, r.completed_at,
		       c.state, c.checksum
		FROM requests r LEFT JOIN checkpoints c ON c.request_id = r.id
		WHERE r.id = ?`, string(id))

	var stateJSON, sum sql.NullString
	req, err := scanRequest(row, &stateJSON, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("request", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}

	rec := &core.RequestRecord{Request: req}
	if stateJSON.Valid {
		if checksum([]byte(stateJSON.String)) != sum.String {
			return nil, core.ErrState(core.CodeInvalidState, "checkpoint checksum mismatch for request "+string(id))
		}
		var state core.SharedState
		if err := json.Unmarshal([]byte(stateJSON.String), &state); err != nil {
			return nil, fmt.Errorf("decoding checkpoint for %s: %w", id, err)
		}
		rec.State = &state
	}
	return rec, nil
}

// List returns the most recent requests first.
func (s *SQLite) List(ctx context.Context, limit int) ([]*core.WorkflowRequest, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input, prior_context, status, reason, created_at, updated_at, completed_at
		FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var out []*core.WorkflowRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListUnfinished returns the requests that are not terminal, oldest first.
func (s *SQLite) ListUnfinished(ctx context.Context) ([]*core.WorkflowRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input, prior_context, status, reason, created_at, updated_at, completed_at
		FROM requests WHERE status NOT IN (?, ?, ?) ORDER BY created_at`,
		string(core.RequestStatusCompleted), string(core.RequestStatusFailed), string(core.RequestStatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("listing unfinished requests: %w", err)
	}
	defer rows.Close()

	var out []*core.WorkflowRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner, extra ...any) (*core.WorkflowRequest, error) {
	var (
		req                  core.WorkflowRequest
		id, status           string
		prior, reason        sql.NullString
		completedAt          sql.NullTime
		createdAt, updatedAt time.Time
	)
	dest := append([]any{&id, &req.Input, &prior, &status, &reason, &createdAt, &updatedAt, &completedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	req.ID = core.RequestID(id)
	req.Status = core.RequestStatus(status)
	req.Reason = reason.String
	req.CreatedAt = createdAt
	req.UpdatedAt = updatedAt
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	if prior.Valid && prior.String != "" && prior.String != "null" {
		if err := json.Unmarshal([]byte(prior.String), &req.PriorContext); err != nil {
			return nil, fmt.Errorf("decoding prior context: %w", err)
		}
	}
	return &req, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/nickcecere/codechat/internal/errs"
)

func init() {
	// Register sqlite-vec extension
	sqlite_vec.Auto()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Index and History using SQLite and sqlite-vec.
// Writers are serialized by writeMu; readers run in WAL snapshots and never block on writers.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

var (
	_ Index   = (*SQLiteStore)(nil)
	_ History = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db}

	// A crash between the swap and the reclaim leaves retired rows behind
	if err := s.reclaim(context.Background(), 0); err != nil {
		log.Warn("Failed to reclaim retired generations", "error", err)
	}

	log.Debug("Opened SQLite store", "path", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

// ProjectName derives a display name from a root path or repository URL.
func ProjectName(rootPath string) string {
	name := strings.TrimSuffix(strings.TrimRight(filepath.ToSlash(rootPath), "/"), ".git")
	if i := strings.LastIndexAny(name, ":/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return path.Clean(rootPath)
	}
	return name
}

const projectColumns = `id, root_path, name, status, active_generation, last_ingested_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var status, createdAt, updatedAt string
	var active sql.NullInt64
	var lastIngested sql.NullString

	if err := row.Scan(&p.ID, &p.RootPath, &p.Name, &status, &active, &lastIngested, &p.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = ProjectStatus(status)
	p.ActiveGeneration = active.Int64
	p.LastIngestedAt = parseNullTime(lastIngested)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// EnsureProject returns the project for rootPath, creating it in not_ingested state if needed.
func (s *SQLiteStore) EnsureProject(ctx context.Context, rootPath string) (*Project, error) {
	s.writeMu.Lock()
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (root_path, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(root_path) DO NOTHING
	`, rootPath, ProjectName(rootPath), string(StatusNotIngested), ts, ts)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return s.GetProjectByPath(ctx, rootPath)
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// GetProjectByPath retrieves a project by its root path.
func (s *SQLiteStore) GetProjectByPath(ctx context.Context, rootPath string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE root_path = ?`, rootPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", errs.ErrNotFound, rootPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by root path.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY root_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// LatestReadyProject returns the most recently ingested project with a queryable generation.
func (s *SQLiteStore) LatestReadyProject(ctx context.Context) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE active_generation IS NOT NULL
		ORDER BY last_ingested_at DESC, id DESC
		LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no ingested project", errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest project: %w", err)
	}
	return p, nil
}

// SetProjectStatus updates a project's status and last error message.
func (s *SQLiteStore) SetProjectStatus(ctx context.Context, id int64, status ProjectStatus, lastError string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(status), lastError, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %d", errs.ErrNotFound, id)
	}
	return nil
}

// Meta keys
const (
	metaProvider   = "embedding_provider"
	metaModel      = "embedding_model"
	metaDimensions = "embedding_dimensions"
)

// EmbeddingInfo returns the embedding model recorded for this index, or nil if none was recorded.
func (s *SQLiteStore) EmbeddingInfo(ctx context.Context) (*EmbeddingInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta WHERE key IN (?, ?, ?)`, metaProvider, metaModel, metaDimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}
	defer rows.Close()

	var info EmbeddingInfo
	found := false
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		found = true
		switch key {
		case metaProvider:
			info.Provider = value
		case metaModel:
			info.Model = value
		case metaDimensions:
			info.Dimensions, _ = strconv.Atoi(value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &info, nil
}

// SetEmbeddingInfo records the provider and model. Dimensions, once recorded, cannot change.
func (s *SQLiteStore) SetEmbeddingInfo(ctx context.Context, info EmbeddingInfo) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if info.Dimensions > 0 {
		if err := ensureDimensions(ctx, tx, info.Dimensions); err != nil {
			return err
		}
	}
	for key, value := range map[string]string{metaProvider: info.Provider, metaModel: info.Model} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("failed to write meta: %w", err)
		}
	}
	return tx.Commit()
}

// storedDimensions returns the vector length of the index, 0 if no vector table exists yet.
func storedDimensions(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (int, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaDimensions).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read dimensions: %w", err)
	}
	return strconv.Atoi(value)
}

// ensureDimensions creates the vector table on first use and rejects any other length afterwards.
func ensureDimensions(ctx context.Context, tx *sql.Tx, dimensions int) error {
	stored, err := storedDimensions(ctx, tx)
	if err != nil {
		return err
	}
	switch {
	case stored == dimensions:
		return nil
	case stored != 0:
		return fmt.Errorf("%w: index uses %d dimensions, got %d", errs.ErrDimensionMismatch, stored, dimensions)
	}

	log.Debug("Creating vector table", "dimensions", dimensions)
	if err := createVectorTable(ctx, tx, dimensions); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, metaDimensions, strconv.Itoa(dimensions))
	return err
}

// serializeEmbedding converts a float32 slice to bytes for sqlite-vec.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/errs"
)

// maxKNN is the largest k sqlite-vec accepts in a KNN query.
const maxKNN = 4096

const chunkColumns = `c.id, c.generation_id, c.relative_path, c.chunk_index, c.content, c.start_line, c.end_line, c.symbol, c.kind, c.hash`

func scanChunk(row rowScanner, extra ...any) (ChunkRecord, error) {
	var c ChunkRecord
	dest := []any{&c.ID, &c.GenerationID, &c.RelativePath, &c.ChunkIndex, &c.Content, &c.StartLine, &c.EndLine, &c.Symbol, &c.Kind, &c.Hash}
	err := row.Scan(append(dest, extra...)...)
	return c, err
}

// Upsert replaces every entry of the project with batch.
// The new generation is written and swapped in by one transaction, so readers see either
// the old or the new generation. The old generation is reclaimed afterwards.
func (s *SQLiteStore) Upsert(ctx context.Context, projectID int64, batch Batch) (*Generation, error) {
	dims := 0
	for i, e := range batch.Entries {
		if e.StartLine > e.EndLine {
			return nil, fmt.Errorf("entry %d (%s): start line %d after end line %d", i, e.RelativePath, e.StartLine, e.EndLine)
		}
		if i == 0 {
			dims = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != dims {
			return nil, fmt.Errorf("%w: entry %d has %d dimensions, want %d", errs.ErrDimensionMismatch, i, len(e.Vector), dims)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT active_generation FROM projects WHERE id = ?`, projectID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %d", errs.ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}

	if dims > 0 {
		if err := ensureDimensions(ctx, tx, dims); err != nil {
			return nil, err
		}
	}

	createdAt := now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO generations (project_id, state, created_at) VALUES (?, ?, ?)
	`, projectID, string(GenerationBuilding), createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation: %w", err)
	}
	genID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get generation ID: %w", err)
	}

	if err := insertFiles(ctx, tx, genID, batch.Files); err != nil {
		return nil, err
	}
	if err := insertEntries(ctx, tx, genID, batch.Entries); err != nil {
		return nil, err
	}

	// Swap
	activatedAt := now()
	if previous.Valid {
		if _, err := tx.ExecContext(ctx, `UPDATE generations SET state = ? WHERE id = ?`, string(GenerationRetired), previous.Int64); err != nil {
			return nil, fmt.Errorf("failed to retire generation: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE generations SET state = ?, file_count = ?, chunk_count = ?, activated_at = ? WHERE id = ?
	`, string(GenerationActive), len(batch.Files), len(batch.Entries), activatedAt, genID); err != nil {
		return nil, fmt.Errorf("failed to activate generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET active_generation = ?, last_ingested_at = ?, updated_at = ? WHERE id = ?
	`, genID, activatedAt, activatedAt, projectID); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit generation: %w", err)
	}

	// Readers still holding a snapshot keep seeing the retired rows until they finish
	if err := s.reclaim(context.WithoutCancel(ctx), projectID); err != nil {
		log.Warn("Failed to reclaim retired generation", "project", projectID, "error", err)
	}

	log.Debug("Activated generation", "project", projectID, "generation", genID, "chunks", len(batch.Entries))

	activated := parseTime(activatedAt)
	return &Generation{
		ID:          genID,
		ProjectID:   projectID,
		State:       GenerationActive,
		FileCount:   len(batch.Files),
		ChunkCount:  len(batch.Entries),
		CreatedAt:   parseTime(createdAt),
		ActivatedAt: &activated,
	}, nil
}

func insertFiles(ctx context.Context, tx *sql.Tx, genID int64, files []FileInput) error {
	if len(files) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (generation_id, path, relative_path, hash, file_size, language)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, genID, f.Path, f.RelativePath, f.Hash, f.FileSize, f.Language); err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.RelativePath, err)
		}
	}
	return nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, genID int64, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (generation_id, relative_path, chunk_index, content, start_line, end_line, symbol, kind, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (chunk_id, generation_id, embedding) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare vector insert: %w", err)
	}
	defer vecStmt.Close()

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := chunkStmt.ExecContext(ctx, genID, e.RelativePath, e.ChunkIndex, e.Content, e.StartLine, e.EndLine, e.Symbol, e.Kind, e.Hash)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
		chunkID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get chunk ID: %w", err)
		}
		if _, err := vecStmt.ExecContext(ctx, chunkID, genID, serializeEmbedding(e.Vector)); err != nil {
			return fmt.Errorf("failed to insert vector for chunk %d: %w", i, err)
		}
	}
	return nil
}

// reclaim hard-deletes retired generations of projectID, or of every project when projectID is 0.
// Callers other than NewSQLiteStore must hold writeMu.
func (s *SQLiteStore) reclaim(ctx context.Context, projectID int64) error {
	query := `SELECT id FROM generations WHERE state != ?`
	args := []any{string(GenerationActive)}
	if projectID != 0 {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.dropGeneration(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// dropGeneration deletes one generation's vectors, chunks and files.
func (s *SQLiteStore) dropGeneration(ctx context.Context, genID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteVectors(ctx, tx, `SELECT id FROM chunks WHERE generation_id = ?`, genID); err != nil {
		return err
	}
	// Cascades to files and chunks
	if _, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, genID); err != nil {
		return fmt.Errorf("failed to delete generation: %w", err)
	}
	return tx.Commit()
}

// deleteVectors removes the vectors of the chunk IDs selected by subquery.
// It is a no-op before the vector table exists.
func deleteVectors(ctx context.Context, tx *sql.Tx, subquery string, args ...any) error {
	dims, err := storedDimensions(ctx, tx)
	if err != nil || dims == 0 {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE chunk_id IN (`+subquery+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// Search returns up to k entries of the project's active generation nearest to vector,
// ordered by score descending, then shorter path, then path, then lower start line.
// It fails with errs.ErrNotFound when the project has no active generation.
func (s *SQLiteStore) Search(ctx context.Context, projectID int64, vector []float32, k int, filter *PathFilter) ([]Hit, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	genID, err := activeGenerationID(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	dims, err := storedDimensions(ctx, tx)
	if err != nil {
		return nil, err
	}
	if dims == 0 {
		// Nothing was ever embedded
		return []Hit{}, nil
	}
	if len(vector) != dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index uses %d", errs.ErrDimensionMismatch, len(vector), dims)
	}

	blob := serializeEmbedding(vector)
	var rows *sql.Rows
	if filter != nil && filter.Prefix != "" {
		// Exact scan over the filtered rows; KNN would apply k before the filter
		rows, err = tx.QueryContext(ctx, `
			SELECT `+chunkColumns+`, vec_distance_cosine(v.embedding, ?) AS distance
			FROM chunks c
			JOIN chunk_vectors v ON v.chunk_id = c.id
			WHERE c.generation_id = ?
				AND (c.relative_path = ? OR c.relative_path LIKE ? ESCAPE '\')
			ORDER BY distance ASC, length(c.relative_path) ASC, c.relative_path ASC, c.start_line ASC, c.id ASC
			LIMIT ?
		`, blob, genID, filter.Prefix, likePrefix(filter.Prefix), k)
	} else {
		// Overfetch so ties at the k boundary are broken by our ordering, not the index's
		rows, err = tx.QueryContext(ctx, `
			WITH knn AS (
				SELECT chunk_id, distance FROM chunk_vectors
				WHERE embedding MATCH ? AND k = ? AND generation_id = ?
			)
			SELECT `+chunkColumns+`, knn.distance
			FROM knn
			JOIN chunks c ON c.id = knn.chunk_id
		`, blob, min(2*k, maxKNN), genID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		h.Chunk, err = scanChunk(rows, &h.Distance)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		h.Score = 1 - h.Distance // Convert distance to similarity
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SortHits orders hits by score descending with deterministic tie-breaks.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Chunk.RelativePath) != len(b.Chunk.RelativePath) {
			return len(a.Chunk.RelativePath) < len(b.Chunk.RelativePath)
		}
		if a.Chunk.RelativePath != b.Chunk.RelativePath {
			return a.Chunk.RelativePath < b.Chunk.RelativePath
		}
		if a.Chunk.StartLine != b.Chunk.StartLine {
			return a.Chunk.StartLine < b.Chunk.StartLine
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func activeGenerationID(ctx context.Context, tx *sql.Tx, projectID int64) (int64, error) {
	var active sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT active_generation FROM projects WHERE id = ?`, projectID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: project %d", errs.ErrNotFound, projectID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read project: %w", err)
	}
	if !active.Valid {
		return 0, fmt.Errorf("%w: project %d has no ingested generation", errs.ErrNotFound, projectID)
	}
	return active.Int64, nil
}

// Delete removes a project and all its entries. Deleting an unknown project is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, projectID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteVectors(ctx, tx, `
		SELECT c.id FROM chunks c
		JOIN generations g ON g.id = c.generation_id
		WHERE g.project_id = ?
	`, projectID); err != nil {
		return err
	}

	// Cascades to generations, files and chunks
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return tx.Commit()
}

// ActiveGeneration returns the generation readers currently see.
func (s *SQLiteStore) ActiveGeneration(ctx context.Context, projectID int64) (*Generation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	genID, err := activeGenerationID(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}

	var g Generation
	var state, createdAt string
	var activatedAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, project_id, state, file_count, chunk_count, created_at, activated_at
		FROM generations WHERE id = ?
	`, genID).Scan(&g.ID, &g.ProjectID, &state, &g.FileCount, &g.ChunkCount, &createdAt, &activatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	g.State = GenerationState(state)
	g.CreatedAt = parseTime(createdAt)
	g.ActivatedAt = parseNullTime(activatedAt)
	return &g, nil
}

// Stats returns counts for the project's active generation.
func (s *SQLiteStore) Stats(ctx context.Context, projectID int64) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	stats := Stats{ProjectID: projectID}
	err = tx.QueryRowContext(ctx, `SELECT root_path FROM projects WHERE id = ?`, projectID).Scan(&stats.RootPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %d", errs.ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	genID, err := activeGenerationID(ctx, tx, projectID)
	if errors.Is(err, errs.ErrNotFound) {
		return &stats, nil
	}
	if err != nil {
		return nil, err
	}
	stats.GenerationID = genID

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM files WHERE generation_id = ?
	`, genID).Scan(&stats.FileCount, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats: %w", err)
	}
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE generation_id = ?`, genID).Scan(&stats.ChunkCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk count: %w", err)
	}
	return &stats, nil
}

// GenerationHashes returns the chunk hashes of a generation in path and chunk order.
func (s *SQLiteStore) GenerationHashes(ctx context.Context, generationID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash FROM chunks WHERE generation_id = ? ORDER BY relative_path, chunk_index
	`, generationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ChunksByPath returns the first chunk of up to limit files of the active generation.
// Each name matches a relative path exactly or a file with that base name in any directory.
func (s *SQLiteStore) ChunksByPath(ctx context.Context, projectID int64, names []string, limit int) ([]ChunkRecord, error) {
	if len(names) == 0 || limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	genID, err := activeGenerationID(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}

	conds := make([]string, 0, len(names))
	args := []any{genID}
	for _, name := range names {
		conds = append(conds, `c.relative_path = ? OR c.relative_path LIKE ? ESCAPE '\'`)
		args = append(args, name, "%/"+strings.TrimSuffix(likePrefix(name), "%"))
	}
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks c
		WHERE c.generation_id = ? AND c.chunk_index = 0 AND (`+strings.Join(conds, " OR ")+`)
		ORDER BY length(c.relative_path), c.relative_path
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListFiles returns the relative paths of the active generation's files.
func (s *SQLiteStore) ListFiles(ctx context.Context, projectID int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	genID, err := activeGenerationID(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT relative_path FROM files WHERE generation_id = ? ORDER BY relative_path`, genID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		files = append(files, p)
	}
	return files, rows.Err()
}

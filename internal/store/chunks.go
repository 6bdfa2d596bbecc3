package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// maxBatchParams bounds IN-clause parameter counts; SQLite's default
// variable limit is 999.
const maxBatchParams = 500

// ChunkStore is the record store for chunk content and provenance.
// All batch writes are transactional: a failed batch leaves no partial
// state behind.
type ChunkStore struct {
	db *DB
}

func NewChunkStore(db *DB) *ChunkStore {
	return &ChunkStore{db: db}
}

// Upsert writes a batch of chunk records in one transaction and returns
// the number of genuinely new chunk ids. A conflicting id refreshes the
// stored text and last_seen_at without counting as inserted; content for
// a deterministic id is assumed stable, so last-writer-wins is safe.
func (s *ChunkStore) Upsert(ctx context.Context, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	// Collapse duplicate ids within the batch, last occurrence wins.
	seen := make(map[string]int, len(chunks))
	deduped := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if i, ok := seen[c.ChunkID]; ok {
			deduped[i] = c
			continue
		}
		seen[c.ChunkID] = len(deduped)
		deduped = append(deduped, c)
	}

	tx, err := s.db.BeginTx()
	if err != nil {
		return 0, storageErr("upsert begin", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(deduped))
	for _, c := range deduped {
		ids = append(ids, c.ChunkID)
	}
	existing, err := existingIDsTx(ctx, tx, ids)
	if err != nil {
		return 0, storageErr("upsert existence check", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks
		(chunk_id, text, source_file, source_type, page_number, media_timestamp, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chunk_id) DO UPDATE SET
			text = excluded.text,
			last_seen_at = excluded.last_seen_at`)
	if err != nil {
		return 0, storageErr("upsert prepare", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range deduped {
		firstSeen := c.FirstSeenAt
		if firstSeen.IsZero() {
			firstSeen = now
		}
		lastSeen := c.LastSeenAt
		if lastSeen.IsZero() {
			lastSeen = now
		}
		if _, err := stmt.ExecContext(ctx,
			c.ChunkID,
			c.Text,
			c.SourceFile,
			string(c.SourceType),
			nullableInt(c.PageNumber),
			nullableFloat(c.Timestamp),
			formatTime(firstSeen),
			formatTime(lastSeen),
		); err != nil {
			return 0, storageErr("upsert exec", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("upsert commit", err)
	}

	return len(deduped) - len(existing), nil
}

// Exists reports which of the given chunk ids are present in the store.
func (s *ChunkStore) Exists(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if len(ids) == 0 {
		return map[string]struct{}{}, nil
	}
	existing := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += maxBatchParams {
		end := start + maxBatchParams
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		query, args := buildInQuery("SELECT chunk_id FROM chunks WHERE chunk_id IN (%s)", batch)
		rows, err := s.db.SQLDB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, storageErr("exists query", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, storageErr("exists scan", err)
			}
			existing[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, storageErr("exists rows", err)
		}
		rows.Close()
	}
	return existing, nil
}

// Get fetches chunk records in the order the ids were requested.
// Missing ids are omitted, never an error: retrieval degrades
// gracefully when the index and store have drifted.
func (s *ChunkStore) Get(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]Chunk, len(ids))
	for start := 0; start < len(ids); start += maxBatchParams {
		end := start + maxBatchParams
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		query, args := buildInQuery(`SELECT chunk_id, text, source_file, source_type, page_number, media_timestamp, first_seen_at, last_seen_at
			FROM chunks WHERE chunk_id IN (%s)`, batch)
		rows, err := s.db.SQLDB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, storageErr("get query", err)
		}
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				rows.Close()
				return nil, storageErr("get scan", err)
			}
			byID[c.ChunkID] = c
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, storageErr("get rows", err)
		}
		rows.Close()
	}

	out := make([]Chunk, 0, len(byID))
	emitted := make(map[string]struct{}, len(byID))
	for _, id := range ids {
		if _, done := emitted[id]; done {
			continue
		}
		if c, ok := byID[id]; ok {
			out = append(out, c)
			emitted[id] = struct{}{}
		}
	}
	return out, nil
}

// DeleteBySource removes every chunk belonging to a source file and
// returns the number of deleted records. Used before re-ingesting a
// changed file.
func (s *ChunkStore) DeleteBySource(ctx context.Context, sourceFile string) (int, error) {
	res, err := s.db.SQLDB().ExecContext(ctx, "DELETE FROM chunks WHERE source_file = ?", sourceFile)
	if err != nil {
		return 0, storageErr("delete by source", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete by source", err)
	}
	return int(n), nil
}

// IDsForSource returns every chunk id belonging to a source file, so
// the caller can drop the matching vectors alongside the records.
func (s *ChunkStore) IDsForSource(ctx context.Context, sourceFile string) ([]string, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx, "SELECT chunk_id FROM chunks WHERE source_file = ?", sourceFile)
	if err != nil {
		return nil, storageErr("ids for source", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("ids for source scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ids for source rows", err)
	}
	return ids, nil
}

// IDsForTypes returns all chunk ids whose source type is in the given
// set. Reconciliation uses this to find records whose vectors are
// missing from an index.
func (s *ChunkStore) IDsForTypes(ctx context.Context, types []SourceType) ([]string, error) {
	if len(types) == 0 {
		return nil, nil
	}
	vals := make([]string, 0, len(types))
	for _, t := range types {
		vals = append(vals, string(t))
	}
	query, args := buildInQuery("SELECT chunk_id FROM chunks WHERE source_type IN (%s) ORDER BY chunk_id", vals)
	rows, err := s.db.SQLDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("ids for types", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("ids for types scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ids for types rows", err)
	}
	return ids, nil
}

// FilesInventory lists every ingested source file with chunk counts and
// first/last ingestion times, newest last-ingested first.
func (s *ChunkStore) FilesInventory(ctx context.Context) ([]FileInfo, error) {
	return s.queryInventory(ctx, `SELECT source_file, source_type, COUNT(*), MIN(first_seen_at), MAX(last_seen_at)
		FROM chunks GROUP BY source_file, source_type ORDER BY MAX(last_seen_at) DESC`)
}

// SearchFiles filters the inventory by a case-insensitive file name
// substring. Plain LIKE matching, same as the inventory the engine
// replaced; full-text search is deliberately out of scope.
func (s *ChunkStore) SearchFiles(ctx context.Context, term string) ([]FileInfo, error) {
	return s.queryInventory(ctx, `SELECT source_file, source_type, COUNT(*), MIN(first_seen_at), MAX(last_seen_at)
		FROM chunks WHERE source_file LIKE ? COLLATE NOCASE
		GROUP BY source_file, source_type ORDER BY MAX(last_seen_at) DESC`,
		"%"+term+"%")
}

func (s *ChunkStore) queryInventory(ctx context.Context, query string, args ...any) ([]FileInfo, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("files inventory", err)
	}
	defer rows.Close()

	var files []FileInfo
	for rows.Next() {
		var f FileInfo
		var srcType, first, last string
		if err := rows.Scan(&f.FileName, &srcType, &f.TotalChunks, &first, &last); err != nil {
			return nil, storageErr("files inventory scan", err)
		}
		f.SourceType = SourceType(srcType)
		if f.FirstIngested, err = parseTimeString(first); err != nil {
			return nil, storageErr("files inventory time", err)
		}
		if f.LastIngested, err = parseTimeString(last); err != nil {
			return nil, storageErr("files inventory time", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("files inventory rows", err)
	}
	return files, nil
}

func existingIDsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += maxBatchParams {
		end := start + maxBatchParams
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		query, args := buildInQuery("SELECT chunk_id FROM chunks WHERE chunk_id IN (%s)", batch)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			existing[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return existing, nil
}

func scanChunk(scanner rowScanner) (Chunk, error) {
	var c Chunk
	var srcType, first, last string
	var page sql.NullInt64
	var ts sql.NullFloat64
	if err := scanner.Scan(&c.ChunkID, &c.Text, &c.SourceFile, &srcType, &page, &ts, &first, &last); err != nil {
		return Chunk{}, err
	}
	c.SourceType = SourceType(srcType)
	if page.Valid {
		p := int(page.Int64)
		c.PageNumber = &p
	}
	if ts.Valid {
		v := ts.Float64
		c.Timestamp = &v
	}
	var err error
	if c.FirstSeenAt, err = parseTimeString(first); err != nil {
		return Chunk{}, err
	}
	if c.LastSeenAt, err = parseTimeString(last); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

func buildInQuery(template string, vals []string) (string, []any) {
	holders := make([]string, 0, len(vals))
	args := make([]any, 0, len(vals))
	for _, v := range vals {
		holders = append(holders, "?")
		args = append(args, v)
	}
	return fmt.Sprintf(template, strings.Join(holders, ",")), args
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

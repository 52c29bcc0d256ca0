package vectorindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteIndex implements Index.
var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex provides vector storage and brute-force cosine similarity
// search backed by SQLite. Filters are pushed into the SQL scan so only
// eligible rows are scored.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations.
// The chunks table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

func (s *SQLiteIndex) Upsert(ctx context.Context, owner string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
		(id, owner_id, source_id, ordinal, content, embedding, file_name, modality, course_id, doc_type,
		 page_number, start_time, end_time, contains_visual, enrich_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob := encodeFloat32s(r.Embedding)
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, owner, r.SourceID, r.Ordinal, r.Text, blob,
			r.FileName, r.Modality, r.CourseID, r.DocType,
			r.PageNumber, r.StartTime, r.EndTime,
			boolInt(r.ContainsVisual), boolInt(r.EnrichError),
			createdAt.Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds id, ordinal and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID      string
	Ordinal int
	Score   float32
}

func (s *SQLiteIndex) Search(ctx context.Context, owner string, vector []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args := filterClause(owner, filter)

	// Phase 1: scan only id + ordinal + embedding over the filtered rows.
	rows, err := s.db.QueryContext(ctx, `SELECT id, ordinal, embedding FROM chunks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var ordinal int
		var blob []byte
		if err := rows.Scan(&id, &ordinal, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		candidate := idScore{ID: id, Ordinal: ordinal, Score: dotProduct(vector, buf, queryNorm)}
		if h.Len() < topK {
			heap.Push(h, candidate)
		} else if worseThan((*h)[0], candidate) {
			(*h)[0] = candidate
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]any, 0, len(topIDs)+1)
	queryArgs = append(queryArgs, owner)
	for _, id := range topIDs {
		queryArgs = append(queryArgs, id)
	}
	fullQuery := recordSelect + ` WHERE owner_id = ? AND id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredRecord
	for fullRows.Next() {
		r, err := scanRecord(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// Sort by score descending, ordinal ascending (IN query order is arbitrary).
	sortScored(results)

	return results, nil
}

func (s *SQLiteIndex) DeleteBySource(ctx context.Context, owner, sourceID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE owner_id = ? AND source_id = ?`, owner, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for source %s: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteIndex) Count(ctx context.Context, owner string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE owner_id = ?`, owner).Scan(&count)
	return count, err
}

const recordSelect = `SELECT id, owner_id, source_id, ordinal, content, embedding, file_name, modality, course_id, doc_type,
	page_number, start_time, end_time, contains_visual, enrich_error, created_at FROM chunks`

// filterClause builds the WHERE clause applied before scoring. The owner
// predicate is always present.
func filterClause(owner string, f Filter) (string, []any) {
	clauses := []string{"owner_id = ?"}
	args := []any{owner}

	if f.CourseID != "" {
		clauses = append(clauses, "course_id = ?")
		args = append(args, f.CourseID)
	}
	if f.SourceID != "" {
		clauses = append(clauses, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if len(f.Modalities) > 0 {
		clauses = append(clauses, "modality IN (?"+strings.Repeat(",?", len(f.Modalities)-1)+")")
		for _, m := range f.Modalities {
			args = append(args, m)
		}
	}
	if len(f.DocTypes) > 0 {
		clauses = append(clauses, "doc_type IN (?"+strings.Repeat(",?", len(f.DocTypes)-1)+")")
		for _, d := range f.DocTypes {
			args = append(args, d)
		}
	}
	if f.VisualOnly {
		clauses = append(clauses, "contains_visual = 1")
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var blob []byte
	var createdAt string
	var pageNumber sql.NullInt64
	var startTime, endTime sql.NullFloat64
	var containsVisual, enrichError int
	if err := rows.Scan(&r.ID, &r.OwnerID, &r.SourceID, &r.Ordinal, &r.Text, &blob,
		&r.FileName, &r.Modality, &r.CourseID, &r.DocType,
		&pageNumber, &startTime, &endTime, &containsVisual, &enrichError, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}

	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = embedding

	if pageNumber.Valid {
		v := int(pageNumber.Int64)
		r.PageNumber = &v
	}
	if startTime.Valid {
		v := startTime.Float64
		r.StartTime = &v
	}
	if endTime.Valid {
		v := endTime.Float64
		r.EndTime = &v
	}
	r.ContainsVisual = containsVisual != 0
	r.EnrichError = enrichError != 0

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// worseThan reports whether a ranks below b: lower score, or same score
// with a higher ordinal.
func worseThan(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Ordinal > b.Ordinal
}

// sortScored orders results by score descending, ordinal ascending.
// Insertion sort; the slice is at most topK long.
func sortScored(results []ScoredRecord) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && scoredBefore(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func scoredBefore(a, b ScoredRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Ordinal < b.Ordinal
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap over idScore, ordered worst-first so the
// weakest candidate sits at the root during scans.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return worseThan(h[i], h[j]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for artifacts, the ingestion
// job queue, checkpoints, and conversation turns.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "eduverse.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle for components that share the database,
// such as the vector index.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Artifacts ---

func (s *Store) SaveArtifact(a Artifact) error {
	_, err := s.db.Exec(`
		INSERT INTO artifacts (id, owner_id, name, modality, locator, course_id, course_name, doc_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, a.Modality, a.Locator, a.CourseID, a.CourseName, a.DocType,
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetArtifact(id string) (Artifact, error) {
	var a Artifact
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, owner_id, name, modality, locator, course_id, course_name, doc_type, created_at
		FROM artifacts WHERE id = ?`, id,
	).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Modality, &a.Locator, &a.CourseID, &a.CourseName, &a.DocType, &createdAt)
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Artifact{}, fmt.Errorf("parsing created_at: %w", err)
	}
	a.CreatedAt = t
	return a, nil
}

func (s *Store) ListArtifacts(ownerID string) ([]Artifact, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, name, modality, locator, course_id, course_name, doc_type, created_at
		FROM artifacts WHERE owner_id = ? ORDER BY created_at DESC`, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Artifact
	for rows.Next() {
		var a Artifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Modality, &a.Locator, &a.CourseID, &a.CourseName, &a.DocType, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}

// DeleteArtifact removes the artifact along with its jobs and checkpoints.
// Chunk vectors are deleted separately by the vector index.
func (s *Store) DeleteArtifact(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE job_id IN (SELECT id FROM jobs WHERE artifact_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE artifact_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// --- Jobs ---

// CreateJob inserts a queued job for an artifact. If a queued or running
// job already exists for the same artifact, ErrJobActive is returned.
func (s *Store) CreateJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, artifact_id, status, stage, progress, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, 'queued', 'pending', 0, 0, ?, ?, ?, ?)`,
		job.ID, job.ArtifactID, maxAttempts, runAfter, now, now,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrJobActive
	}
	return err
}

func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// LatestJobForArtifact returns the most recently created job for the artifact.
func (s *Store) LatestJobForArtifact(artifactID string) (Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE artifact_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, artifactID)
	return scanJob(row)
}

const jobSelect = `SELECT id, artifact_id, status, stage, progress, attempts, max_attempts, run_after, cancel_requested, resumable, last_error, created_at, updated_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var cancelRequested, resumable int
	err := row.Scan(
		&j.ID, &j.ArtifactID, &j.Status, &j.Stage, &j.Progress, &j.Attempts, &j.MaxAttempts,
		&runAfter, &cancelRequested, &resumable, &j.LastError, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.CancelRequested = cancelRequested != 0
	j.Resumable = resumable != 0
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// ClaimNextJob transactionally picks the oldest runnable queued job and
// marks it running. Returns nil when no job is due.
func (s *Store) ClaimNextJob() (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(jobSelect+`
		WHERE status = 'queued' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now)
	j, err := scanJob(row)
	if err == ErrNotFound {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'queued'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	return &j, nil
}

// UpdateJobProgress records the stage a job has entered and its overall
// completion fraction.
func (s *Store) UpdateJobProgress(id, stage string, progress float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET stage = ?, progress = ?, updated_at = ? WHERE id = ?`,
		stage, progress, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', stage = 'completed', progress = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failure at the given stage. While attempts remain the
// job is requeued with exponential backoff and resumes from its checkpoint;
// otherwise it lands in the failed state.
func (s *Store) FailJob(id, stage, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', stage = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			stage, attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'queued', stage = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			stage, attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// FailJobPermanent moves the job straight to failed with no retries.
// resumable=false marks the checkpoint unusable, so a later re-submission
// starts over from scratch.
func (s *Store) FailJobPermanent(id, stage, errMsg string, resumable bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	r := 0
	if resumable {
		r = 1
	}
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', stage = ?, resumable = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		stage, r, errMsg, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJob returns a failed job to the queue. With fromScratch the stage
// resets to pending and any checkpoint is dropped, forcing a full re-run.
func (s *Store) RequeueJob(id string, fromScratch bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	query := `UPDATE jobs SET status = 'queued', attempts = 0, cancel_requested = 0, resumable = 1, last_error = '', run_after = ?, updated_at = ? WHERE id = ? AND status = 'failed'`
	if fromScratch {
		query = `UPDATE jobs SET status = 'queued', stage = 'pending', progress = 0, attempts = 0, cancel_requested = 0, resumable = 1, last_error = '', run_after = ?, updated_at = ? WHERE id = ? AND status = 'failed'`
	}
	res, err := tx.Exec(query, now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if fromScratch {
		if _, err := tx.Exec(`DELETE FROM checkpoints WHERE job_id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RequestCancel flags a queued or running job for cancellation. The worker
// observes the flag at the next stage boundary.
func (s *Store) RequestCancel(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status IN ('queued', 'running')`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reports whether cancellation has been requested for the job.
func (s *Store) CancelRequested(id string) (bool, error) {
	var flag int
	err := s.db.QueryRow(`SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// RequeueOrphans returns jobs left in the running state by a crashed
// process to the queue. Called once at startup; they resume from their
// last checkpoint.
func (s *Store) RequeueOrphans() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'queued', updated_at = ? WHERE status = 'running'`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Checkpoints ---

// SaveCheckpoint stores the latest checkpoint payload for a job,
// replacing any previous one.
func (s *Store) SaveCheckpoint(jobID string, payload []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (job_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		jobID, payload, now,
	)
	return err
}

func (s *Store) LoadCheckpoint(jobID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM checkpoints WHERE job_id = ?`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return payload, err
}

func (s *Store) DeleteCheckpoint(jobID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	return err
}

// --- Conversation turns ---

func (s *Store) AppendTurn(sessionID, question, answer string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO turns (session_id, question, answer, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, question, answer, now,
	)
	return err
}

// RecentTurns returns up to limit most recent turns in chronological order.
func (s *Store) RecentTurns(sessionID string, limit int) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT seq, session_id, question, answer, created_at FROM turns
		WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.Seq, &t.SessionID, &t.Question, &t.Answer, &createdAt); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		t.CreatedAt = ts
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// PruneTurns drops all but the newest keep turns of a session.
func (s *Store) PruneTurns(sessionID string, keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM turns WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)`, sessionID, sessionID, keep,
	)
	return err
}

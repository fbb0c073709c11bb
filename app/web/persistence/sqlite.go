package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound indicates the requested record doesn't exist
var ErrNotFound = errors.New("record not found")

// CompletedJob is one finished generation job with its resolved artifacts
type CompletedJob struct {
	JobID       string
	CompletedAt time.Time
	LocalPath   string
	Artifacts   []Artifact
}

// Artifact is a stored media URL belonging to a completed job
type Artifact struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Index        int    `json:"index"`
}

// SQLiteStore implements history persistence using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and initializes the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initialize creates the database schema
func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS completed_jobs (
			job_id TEXT PRIMARY KEY,
			completed_at INTEGER NOT NULL,
			local_path TEXT,
			artifacts TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completed_jobs_completed_at ON completed_jobs(completed_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// RecordCompleted saves a completed job, replacing any previous record
func (s *SQLiteStore) RecordCompleted(job CompletedJob) error {
	artifacts, err := json.Marshal(job.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts for %s: %w", job.JobID, err)
	}

	completedAt := job.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO completed_jobs (job_id, completed_at, local_path, artifacts)
		VALUES (?, ?, ?, ?)`, job.JobID, completedAt.Unix(), job.LocalPath, string(artifacts))
	if err != nil {
		return fmt.Errorf("failed to record completed job %s: %w", job.JobID, err)
	}
	return nil
}

// LoadRecent returns completed jobs, most recent first, up to limit
func (s *SQLiteStore) LoadRecent(limit int) ([]CompletedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT job_id, completed_at, local_path, artifacts
		FROM completed_jobs ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed jobs: %w", err)
	}
	defer rows.Close()

	jobs := []CompletedJob{}
	for rows.Next() {
		job, err := scanCompleted(rows)
		if err != nil {
			log.Printf("[WARN] failed to scan completed job row: %v", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Get returns a single completed job by id
func (s *SQLiteStore) Get(jobID string) (CompletedJob, error) {
	row := s.db.QueryRow(`SELECT job_id, completed_at, local_path, artifacts
		FROM completed_jobs WHERE job_id = ?`, jobID)

	job, err := scanCompleted(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CompletedJob{}, ErrNotFound
	}
	if err != nil {
		return CompletedJob{}, fmt.Errorf("failed to load completed job %s: %w", jobID, err)
	}
	return job, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompleted(row rowScanner) (CompletedJob, error) {
	var job CompletedJob
	var completedAt int64
	var localPath, artifacts sql.NullString

	if err := row.Scan(&job.JobID, &completedAt, &localPath, &artifacts); err != nil {
		return CompletedJob{}, err
	}
	job.CompletedAt = time.Unix(completedAt, 0)
	job.LocalPath = localPath.String
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &job.Artifacts); err != nil {
			return CompletedJob{}, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	return job, nil
}

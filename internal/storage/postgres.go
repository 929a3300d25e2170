/**
 * PostgreSQL Client for the Visual Triage Worker
 *
 * Persists job status, triage runs and one audit row per image decision so
 * discarded images can be explained and thresholds recalibrated later.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	DocumentName     string
	RunID            string
	KeptCount        int
	DiscardedCount   int
	CompositeCount   int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// RunRecord is one triage run over a document
type RunRecord struct {
	RunID          string
	JobID          string
	DocumentName   string
	Status         string
	ImageCount     int
	KeptCount      int
	DiscardedCount int
	SkippedCount   int
	CompositeCount int
	DurationMs     int64
	IgnoreWords    []string
	Thresholds     map[string]interface{}
	ErrorCode      string
	ErrorMessage   string
}

// DecisionRecord is the audit row for one image
type DecisionRecord struct {
	ID              string
	Filename        string
	Page            int
	Keep            bool
	Stage           string
	Reason          string
	Width           int
	Height          int
	CharCount       int
	DigitCount      int
	WordCount       int
	UsefulWordCount int
	OCRConfidence   float64
	IsComposite     bool
	Confidence      float64
	ContextText     string
	BBox            []float64
	Resolution      string
	ErrorCode       string
	QdrantPointID   string

	// Features is indexed in Qdrant, not stored in PostgreSQL
	Features []float32
}

// schemaStatements creates the triage schema on first start
var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS triage`,
	`CREATE TABLE IF NOT EXISTS triage.jobs (
		id TEXT PRIMARY KEY,
		document_name TEXT,
		status TEXT NOT NULL,
		run_id UUID,
		kept_count INTEGER NOT NULL DEFAULT 0,
		discarded_count INTEGER NOT NULL DEFAULT 0,
		composite_count INTEGER NOT NULL DEFAULT 0,
		processing_time_ms BIGINT,
		error_code TEXT,
		error_message TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS triage.runs (
		id UUID PRIMARY KEY,
		job_id TEXT NOT NULL,
		document_name TEXT,
		status TEXT NOT NULL,
		image_count INTEGER NOT NULL,
		kept_count INTEGER NOT NULL,
		discarded_count INTEGER NOT NULL,
		skipped_count INTEGER NOT NULL,
		composite_count INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		ignore_words TEXT[] NOT NULL DEFAULT '{}',
		thresholds JSONB NOT NULL DEFAULT '{}'::jsonb,
		error_code TEXT,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS triage.image_decisions (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL REFERENCES triage.runs(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		page INTEGER NOT NULL,
		keep BOOLEAN NOT NULL,
		stage TEXT NOT NULL,
		reason TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		char_count INTEGER NOT NULL,
		digit_count INTEGER NOT NULL,
		word_count INTEGER NOT NULL,
		useful_word_count INTEGER NOT NULL,
		ocr_confidence NUMERIC(7,4) NOT NULL,
		is_composite BOOLEAN NOT NULL,
		confidence NUMERIC(5,4) NOT NULL,
		context_text TEXT,
		bbox DOUBLE PRECISION[],
		resolution TEXT,
		error_code TEXT,
		qdrant_point_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS image_decisions_run_idx ON triage.image_decisions (run_id)`,
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so NUMERIC(5,4) columns never reject a float artefact such as
// 0.9632000000000001
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// sanitizeOCRConfidence does the same for tesseract's 0-100 scale
func sanitizeOCRConfidence(confidence float64) float64 {
	return sanitizeConfidence(confidence/100) * 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the triage schema and tables if they are missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// UpdateJobStatus upserts the job row so the worker can create it on its
// first status update
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO triage.jobs (
			id, document_name, status, run_id,
			kept_count, discarded_count, composite_count, processing_time_ms,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), $3,
			CASE WHEN $4 = '' THEN NULL ELSE $4::uuid END,
			$5, $6, $7, NULLIF($8, 0),
			NULLIF($9, ''), NULLIF($10, ''),
			COALESCE($11::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document_name = COALESCE(EXCLUDED.document_name, triage.jobs.document_name),
			run_id = COALESCE(EXCLUDED.run_id, triage.jobs.run_id),
			kept_count = GREATEST(EXCLUDED.kept_count, triage.jobs.kept_count),
			discarded_count = GREATEST(EXCLUDED.discarded_count, triage.jobs.discarded_count),
			composite_count = GREATEST(EXCLUDED.composite_count, triage.jobs.composite_count),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, triage.jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = triage.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.DocumentName,     // $2
		update.Status,           // $3
		update.RunID,            // $4
		update.KeptCount,        // $5
		update.DiscardedCount,   // $6
		update.CompositeCount,   // $7
		update.ProcessingTimeMs, // $8
		update.ErrorCode,        // $9
		update.ErrorMessage,     // $10
		metadataJSON,            // $11
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// InsertRun stores a run and all its decisions in one transaction
func (p *PostgresClient) InsertRun(ctx context.Context, run *RunRecord, decisions []*DecisionRecord) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	thresholds := run.Thresholds
	if thresholds == nil {
		thresholds = map[string]interface{}{}
	}
	thresholdsJSON, err := json.Marshal(thresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}
	thresholdsJSON = sanitizeJSONForPostgres(thresholdsJSON)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ignoreWords := run.IgnoreWords
	if ignoreWords == nil {
		ignoreWords = []string{}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO triage.runs (
			id, job_id, document_name, status,
			image_count, kept_count, discarded_count, skipped_count, composite_count,
			duration_ms, ignore_words, thresholds, error_code, error_message
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, NULLIF($13, ''), NULLIF($14, ''))
	`,
		run.RunID,
		run.JobID,
		run.DocumentName,
		run.Status,
		run.ImageCount,
		run.KeptCount,
		run.DiscardedCount,
		run.SkippedCount,
		run.CompositeCount,
		run.DurationMs,
		pq.Array(ignoreWords),
		thresholdsJSON,
		run.ErrorCode,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO triage.image_decisions (
			id, run_id, filename, page, keep, stage, reason,
			width, height, char_count, digit_count, word_count, useful_word_count,
			ocr_confidence, is_composite, confidence, context_text, bbox,
			resolution, error_code, qdrant_point_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, NULLIF($17, ''), $18,
			NULLIF($19, ''), NULLIF($20, ''),
			CASE WHEN $21 = '' THEN NULL ELSE $21::uuid END
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare decision insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range decisions {
		var bbox interface{}
		if len(d.BBox) > 0 {
			bbox = pq.Array(d.BBox)
		}

		_, err := stmt.ExecContext(ctx,
			d.ID,
			run.RunID,
			d.Filename,
			d.Page,
			d.Keep,
			d.Stage,
			d.Reason,
			d.Width,
			d.Height,
			d.CharCount,
			d.DigitCount,
			d.WordCount,
			d.UsefulWordCount,
			sanitizeOCRConfidence(d.OCRConfidence),
			d.IsComposite,
			sanitizeConfidence(d.Confidence),
			d.ContextText,
			bbox,
			d.Resolution,
			d.ErrorCode,
			d.QdrantPointID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert decision for %s: %w", d.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.RunID, err)
	}

	return nil
}

// GetRunDecisions returns the stored decisions of a run in filename order
func (p *PostgresClient) GetRunDecisions(ctx context.Context, runID string) ([]*DecisionRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT
			id, filename, page, keep, stage, reason,
			width, height, char_count, digit_count, word_count, useful_word_count,
			ocr_confidence, is_composite, confidence,
			COALESCE(context_text, ''), bbox,
			COALESCE(resolution, ''), COALESCE(error_code, ''),
			COALESCE(qdrant_point_id::text, '')
		FROM triage.image_decisions
		WHERE run_id = $1::uuid
		ORDER BY page, filename
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		var (
			d    DecisionRecord
			bbox pq.Float64Array
		)
		if err := rows.Scan(
			&d.ID, &d.Filename, &d.Page, &d.Keep, &d.Stage, &d.Reason,
			&d.Width, &d.Height, &d.CharCount, &d.DigitCount, &d.WordCount, &d.UsefulWordCount,
			&d.OCRConfidence, &d.IsComposite, &d.Confidence,
			&d.ContextText, &bbox,
			&d.Resolution, &d.ErrorCode, &d.QdrantPointID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.BBox = []float64(bbox)
		out = append(out, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read decisions: %w", err)
	}

	return out, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

/**
 * Storage Manager for the Visual Triage Worker
 *
 * Coordinates PostgreSQL (run and decision audit) and the optional Qdrant
 * feature index. Vectors are written first and removed again if the
 * PostgreSQL transaction fails, so the index never references missing rows.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
}

// TriageRunInput is everything persisted for one triage run
type TriageRunInput struct {
	Run       *RunRecord
	Decisions []*DecisionRecord
}

// TriageRunOutput reports what was stored
type TriageRunOutput struct {
	RunID          string
	DecisionIDs    []string
	IndexedVectors int
	StoredAt       time.Time
}

// SimilarDecision is a past decision close to a query feature vector
type SimilarDecision struct {
	PointID  string
	RunID    string
	Filename string
	Keep     bool
	Stage    string
	Distance float32
}

// NewStorageManager creates a new storage manager. An empty qdrantAddress
// disables the feature index.
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	sm := &StorageManager{postgres: postgres}

	if qdrantAddress != "" {
		qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection)
		if err != nil {
			postgres.Close() // Cleanup on failure
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		sm.qdrant = qdrant
	}

	return sm, nil
}

// FeatureIndexEnabled reports whether decisions are indexed in Qdrant
func (sm *StorageManager) FeatureIndexEnabled() bool {
	return sm.qdrant != nil
}

// StoreTriageResult stores a run with its decisions and indexes the
// decisions' feature vectors
func (sm *StorageManager) StoreTriageResult(ctx context.Context, input *TriageRunInput) (*TriageRunOutput, error) {
	if input == nil || input.Run == nil {
		return nil, fmt.Errorf("input is required")
	}

	if input.Run.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	if input.Run.RunID == "" {
		input.Run.RunID = uuid.New().String()
	}

	out := &TriageRunOutput{
		RunID:       input.Run.RunID,
		DecisionIDs: make([]string, 0, len(input.Decisions)),
	}

	for _, d := range input.Decisions {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		out.DecisionIDs = append(out.DecisionIDs, d.ID)
	}

	// Step 1: index feature vectors (fails fast on malformed vectors)
	var indexed []string
	if sm.qdrant != nil {
		for _, d := range input.Decisions {
			if len(d.Features) == 0 {
				continue
			}

			pointID := uuid.New().String()
			err := sm.qdrant.UpsertVector(ctx, &VectorPoint{
				ID:     pointID,
				Vector: d.Features,
				Metadata: map[string]interface{}{
					"run_id":      input.Run.RunID,
					"job_id":      input.Run.JobID,
					"decision_id": d.ID,
					"filename":    d.Filename,
					"page":        d.Page,
					"keep":        d.Keep,
					"stage":       d.Stage,
					"composite":   d.IsComposite,
				},
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				sm.rollbackVectors(indexed)
				return nil, fmt.Errorf("failed to index features for %s: %w", d.Filename, err)
			}

			d.QdrantPointID = pointID
			indexed = append(indexed, pointID)
		}
	}

	// Step 2: run and decisions in one PostgreSQL transaction
	if err := sm.postgres.InsertRun(ctx, input.Run, input.Decisions); err != nil {
		sm.rollbackVectors(indexed)
		return nil, fmt.Errorf("failed to store run in PostgreSQL: %w", err)
	}

	out.IndexedVectors = len(indexed)
	out.StoredAt = time.Now()
	return out, nil
}

// rollbackVectors removes indexed points; it uses its own context because
// the caller's may already be done
func (sm *StorageManager) rollbackVectors(pointIDs []string) {
	if sm.qdrant == nil || len(pointIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm.qdrant.DeleteVectors(ctx, pointIDs)
}

// FindSimilarDecisions returns past decisions nearest to a feature vector
func (sm *StorageManager) FindSimilarDecisions(ctx context.Context, features []float32, limit int) ([]*SimilarDecision, error) {
	if sm.qdrant == nil {
		return nil, fmt.Errorf("feature index is not configured")
	}

	points, err := sm.qdrant.SearchVectors(ctx, features, limit)
	if err != nil {
		return nil, err
	}

	results := make([]*SimilarDecision, 0, len(points))
	for _, p := range points {
		s := &SimilarDecision{PointID: p.ID, Distance: p.Score}
		s.RunID, _ = p.Metadata["run_id"].(string)
		s.Filename, _ = p.Metadata["filename"].(string)
		s.Keep, _ = p.Metadata["keep"].(bool)
		s.Stage, _ = p.Metadata["stage"].(string)
		results = append(results, s)
	}
	return results, nil
}

// GetRunDecisions returns the stored decisions of a run
func (sm *StorageManager) GetRunDecisions(ctx context.Context, runID string) ([]*DecisionRecord, error) {
	return sm.postgres.GetRunDecisions(ctx, runID)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// Ping checks the PostgreSQL connection
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escapes PostgreSQL JSONB rejects: \u0000
// is dropped and the other control characters become a space. OCR text
// carried in metadata is the usual source.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}

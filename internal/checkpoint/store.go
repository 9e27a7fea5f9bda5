package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/metrics"
)

// ErrNotFound is returned when a thread has no matching checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists interview state snapshots. Checkpoints are append-only;
// the id is assigned as MAX+1 inside the commit transaction so it is
// strictly increasing per thread even under concurrent writers.
type Store struct {
	client *db.Client
	logger *zap.Logger
}

func NewStore(client *db.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Commit appends a snapshot and returns its checkpoint id.
func (s *Store) Commit(ctx context.Context, threadID string, state interface{}) (int, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint state: %w", err)
	}

	var id int
	err = s.client.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx, `
			SELECT COALESCE(MAX(checkpoint_id), 0) + 1
			FROM checkpoints WHERE thread_id = $1`, threadID).Scan(&id); err != nil {
			return fmt.Errorf("next checkpoint id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (thread_id, checkpoint_id, state)
			VALUES ($1, $2, $3)`, threadID, id, raw); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.CheckpointsCommitted.Inc()
	s.logger.Debug("Checkpoint committed",
		zap.String("thread_id", threadID),
		zap.Int("checkpoint_id", id),
	)
	return id, nil
}

// Latest loads the most recent snapshot into state.
func (s *Store) Latest(ctx context.Context, threadID string, state interface{}) (int, error) {
	var cp db.Checkpoint
	err := s.client.DB().GetContext(ctx, &cp, `
		SELECT thread_id, checkpoint_id, state, created_at
		FROM checkpoints WHERE thread_id = $1
		ORDER BY checkpoint_id DESC LIMIT 1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if err := json.Unmarshal(cp.State, state); err != nil {
		return 0, fmt.Errorf("decode checkpoint state: %w", err)
	}
	return cp.CheckpointID, nil
}

// Get loads one specific snapshot into state.
func (s *Store) Get(ctx context.Context, threadID string, checkpointID int, state interface{}) error {
	var cp db.Checkpoint
	err := s.client.DB().GetContext(ctx, &cp, `
		SELECT thread_id, checkpoint_id, state, created_at
		FROM checkpoints WHERE thread_id = $1 AND checkpoint_id = $2`, threadID, checkpointID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal(cp.State, state); err != nil {
		return fmt.Errorf("decode checkpoint state: %w", err)
	}
	return nil
}

// History returns all snapshots for a thread in commit order.
func (s *Store) History(ctx context.Context, threadID string) ([]db.Checkpoint, error) {
	out := []db.Checkpoint{}
	err := s.client.DB().SelectContext(ctx, &out, `
		SELECT thread_id, checkpoint_id, state, created_at
		FROM checkpoints WHERE thread_id = $1
		ORDER BY checkpoint_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint history: %w", err)
	}
	return out, nil
}

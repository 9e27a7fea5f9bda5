package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/db"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// SessionRegistry tracks interview sessions across their lifecycle.
type SessionRegistry struct {
	client *db.Client
	logger *zap.Logger
}

func NewSessionRegistry(client *db.Client, logger *zap.Logger) *SessionRegistry {
	return &SessionRegistry{client: client, logger: logger}
}

// Stats summarizes a finished session.
type Stats struct {
	EndedAt         time.Time
	TotalQuestions  int
	TotalDurationS  float64
	AvgResponseTime float64
}

// Create registers a new IN_PROGRESS session.
func (r *SessionRegistry) Create(ctx context.Context, sess *db.Session) error {
	_, err := r.client.DB().ExecContext(ctx, `
		INSERT INTO sessions (thread_id, record_id, user_id, difficulty, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ThreadID, sess.RecordID, sess.UserID, sess.Difficulty, db.SessionStatusInProgress, sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get fetches one session.
func (r *SessionRegistry) Get(ctx context.Context, threadID string) (*db.Session, error) {
	var sess db.Session
	err := r.client.DB().GetContext(ctx, &sess, `
		SELECT thread_id, record_id, user_id, difficulty, status, started_at, ended_at,
		       total_questions, total_duration_s, avg_response_time_s, report
		FROM sessions WHERE thread_id = $1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// Complete marks a session COMPLETED with its final stats and report.
func (r *SessionRegistry) Complete(ctx context.Context, threadID string, stats Stats, report json.RawMessage) error {
	res, err := r.client.DB().ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, ended_at = $3, total_questions = $4, total_duration_s = $5,
		    avg_response_time_s = $6, report = $7
		WHERE thread_id = $1`,
		threadID, db.SessionStatusCompleted, stats.EndedAt, stats.TotalQuestions,
		stats.TotalDurationS, stats.AvgResponseTime, report,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.logger.Info("Session completed",
		zap.String("thread_id", threadID),
		zap.Float64("total_duration_s", stats.TotalDurationS),
	)
	return nil
}

// Abandon marks a session ABANDONED without a report.
func (r *SessionRegistry) Abandon(ctx context.Context, threadID string) error {
	res, err := r.client.DB().ExecContext(ctx, `
		UPDATE sessions SET status = $2, ended_at = NOW()
		WHERE thread_id = $1 AND status = $3`,
		threadID, db.SessionStatusAbandoned, db.SessionStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("abandon session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUser returns a user's sessions, newest first.
func (r *SessionRegistry) ListByUser(ctx context.Context, userID string) ([]db.Session, error) {
	out := []db.Session{}
	err := r.client.DB().SelectContext(ctx, &out, `
		SELECT thread_id, record_id, user_id, difficulty, status, started_at, ended_at,
		       total_questions, total_duration_s, avg_response_time_s, report
		FROM sessions WHERE user_id = $1
		ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Logs pairs a session with the answer history from its latest checkpoint.
type Logs struct {
	Session db.Session      `json:"session"`
	Answers json.RawMessage `json:"answers"`
}

// GetLogs returns a session together with its recorded answer metadata. A
// session with no checkpoints yet has empty answers.
func (r *SessionRegistry) GetLogs(ctx context.Context, threadID string) (*Logs, error) {
	sess, err := r.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var state []byte
	err = r.client.DB().GetContext(ctx, &state, `
		SELECT state FROM checkpoints WHERE thread_id = $1
		ORDER BY checkpoint_id DESC LIMIT 1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Logs{Session: *sess, Answers: json.RawMessage(`[]`)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session logs: %w", err)
	}

	var snapshot struct {
		Answers json.RawMessage `json:"answers"`
	}
	if err := json.Unmarshal(state, &snapshot); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if snapshot.Answers == nil {
		snapshot.Answers = json.RawMessage(`[]`)
	}
	return &Logs{Session: *sess, Answers: snapshot.Answers}, nil
}

package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Record lifecycle states.
const (
	RecordStatusPending    = "PENDING"
	RecordStatusProcessing = "PROCESSING"
	RecordStatusReady      = "READY"
	RecordStatusFailed     = "FAILED"
)

// Session lifecycle states.
const (
	SessionStatusInProgress = "IN_PROGRESS"
	SessionStatusCompleted  = "COMPLETED"
	SessionStatusAbandoned  = "ABANDONED"
)

// Record is one uploaded student record document.
type Record struct {
	ID        uuid.UUID `db:"id"`
	UserID    string    `db:"user_id"`
	FileName  string    `db:"file_name"`
	S3Key     string    `db:"s3_key"`
	Status    string    `db:"status"`
	PageCount int       `db:"page_count"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Chunk is one categorized text fragment with its embedding.
type Chunk struct {
	ID         int64           `db:"id"`
	RecordID   uuid.UUID       `db:"record_id"`
	Category   string          `db:"category"`
	ChunkIndex int             `db:"chunk_index"`
	ChunkText  string          `db:"chunk_text"`
	Embedding  pq.Float64Array `db:"embedding"`
	CreatedAt  time.Time       `db:"created_at"`
}

// QuestionSet groups the questions generated in one run, tagged with the
// admission target the run was grounded on.
type QuestionSet struct {
	ID            uuid.UUID `db:"id"`
	RecordID      uuid.UUID `db:"record_id"`
	TargetSchool  string    `db:"target_school"`
	TargetMajor   string    `db:"target_major"`
	InterviewType string    `db:"interview_type"`
	Title         string    `db:"title"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
}

// Question is one pre-generated interview question.
type Question struct {
	ID          int64     `db:"id"`
	SetID       uuid.UUID `db:"set_id"`
	RecordID    uuid.UUID `db:"record_id"`
	Category    string    `db:"category"`
	Body        string    `db:"body"`
	Difficulty  string    `db:"difficulty"`
	ModelAnswer string    `db:"model_answer"`
	Purpose     string    `db:"purpose"`
	CreatedAt   time.Time `db:"created_at"`
}

// Session is one interview run against a record.
type Session struct {
	ThreadID        string          `db:"thread_id"`
	RecordID        uuid.UUID       `db:"record_id"`
	UserID          string          `db:"user_id"`
	Difficulty      string          `db:"difficulty"`
	Status          string          `db:"status"`
	StartedAt       time.Time       `db:"started_at"`
	EndedAt         sql.NullTime    `db:"ended_at"`
	TotalQuestions  int             `db:"total_questions"`
	TotalDurationS  float64         `db:"total_duration_s"`
	AvgResponseTime float64         `db:"avg_response_time_s"`
	Report          json.RawMessage `db:"report"`
}

// Checkpoint is one committed interview state snapshot. CheckpointID is
// strictly increasing within a thread.
type Checkpoint struct {
	ThreadID     string          `db:"thread_id"`
	CheckpointID int             `db:"checkpoint_id"`
	State        json.RawMessage `db:"state"`
	CreatedAt    time.Time       `db:"created_at"`
}

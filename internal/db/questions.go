package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// InsertQuestionSet writes a question set and all its questions in one
// transaction. A failed run leaves no partial set behind.
func (c *Client) InsertQuestionSet(ctx context.Context, set *QuestionSet, questions []Question) error {
	return c.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO question_sets (id, record_id, target_school, target_major, interview_type, title, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			set.ID, set.RecordID, set.TargetSchool, set.TargetMajor, set.InterviewType, set.Title, set.Status,
		); err != nil {
			return fmt.Errorf("insert question set: %w", err)
		}
		for _, q := range questions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO questions (set_id, record_id, category, body, difficulty, model_answer, purpose)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				set.ID, q.RecordID, q.Category, q.Body, q.Difficulty, q.ModelAnswer, q.Purpose,
			); err != nil {
				return fmt.Errorf("insert question: %w", err)
			}
		}
		return nil
	})
}

// ListQuestions returns a record's questions, optionally filtered by
// category and difficulty. Empty filter values match everything.
func (c *Client) ListQuestions(ctx context.Context, recordID uuid.UUID, category, difficulty string) ([]Question, error) {
	query := `
		SELECT id, set_id, record_id, category, body, difficulty, model_answer, purpose, created_at
		FROM questions WHERE record_id = $1`
	args := []interface{}{recordID}
	if category != "" {
		args = append(args, category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if difficulty != "" {
		args = append(args, difficulty)
		query += fmt.Sprintf(" AND difficulty = $%d", len(args))
	}
	query += " ORDER BY id"

	questions := []Question{}
	if err := c.db.SelectContext(ctx, &questions, query, args...); err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return questions, nil
}

package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewClientFromDB(sqlx.NewDb(raw, "sqlmock"), zap.NewNop()), mock
}

func TestGetRecordNotFound(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM records WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := client.GetRecord(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRecordStatusNotFound(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE records SET status`).
		WithArgs(id, RecordStatusReady).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := client.UpdateRecordStatus(context.Background(), id, RecordStatusReady)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRecordCascades(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM records WHERE id`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, client.DeleteRecord(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertQuestionSetRollsBackOnFailure(t *testing.T) {
	client, mock := newMockClient(t)
	recordID := uuid.New()
	set := &QuestionSet{
		ID:            uuid.New(),
		RecordID:      recordID,
		TargetSchool:  "한국대",
		TargetMajor:   "컴퓨터공학과",
		InterviewType: "학생부종합",
		Title:         "모의 면접 1회차",
		Status:        "READY",
	}
	questions := []Question{
		{RecordID: recordID, Category: "성적", Body: "q1", Difficulty: "BASIC"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO question_sets`).
		WithArgs(set.ID, set.RecordID, set.TargetSchool, set.TargetMajor, set.InterviewType, set.Title, set.Status).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO questions`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := client.InsertQuestionSet(context.Background(), set, questions)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListQuestionsAppliesFilters(t *testing.T) {
	client, mock := newMockClient(t)
	recordID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "set_id", "record_id", "category", "body", "difficulty", "model_answer", "purpose", "created_at"}).
		AddRow(1, uuid.New(), recordID, "세특", "질문", "DEEP", "", "", time.Now())
	mock.ExpectQuery(`SELECT .+ FROM questions WHERE record_id = \$1 AND category = \$2 AND difficulty = \$3`).
		WithArgs(recordID, "세특", "DEEP").
		WillReturnRows(rows)

	out, err := client.ListQuestions(context.Background(), recordID, "세특", "DEEP")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "세특", out[0].Category)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateRecord inserts a new record in PENDING state.
func (c *Client) CreateRecord(ctx context.Context, rec *Record) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO records (id, user_id, file_name, s3_key, status, page_count)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.FileName, rec.S3Key, rec.Status, rec.PageCount,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord fetches one record by id.
func (c *Client) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec Record
	err := c.db.GetContext(ctx, &rec, `
		SELECT id, user_id, file_name, s3_key, status, page_count, created_at, updated_at
		FROM records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &rec, nil
}

// UpdateRecordStatus transitions a record's lifecycle state.
func (c *Client) UpdateRecordStatus(ctx context.Context, id uuid.UUID, status string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE records SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRecordPageCount stores the rasterized page count.
func (c *Client) UpdateRecordPageCount(ctx context.Context, id uuid.UUID, pages int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE records SET page_count = $2, updated_at = NOW() WHERE id = $1`, id, pages)
	if err != nil {
		return fmt.Errorf("update record page count: %w", err)
	}
	return nil
}

// DeleteRecord removes a record. Chunks, question sets, and sessions cascade.
func (c *Client) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

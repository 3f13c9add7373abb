package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/aa-service/internal/domain"
)

// GetActiveToken returns the single active vendor token.
func (r *PostgresRepository) GetActiveToken(ctx context.Context) (*domain.TSPToken, error) {
	var t domain.TSPToken
	var refresh *string
	err := r.db.QueryRow(ctx, `
		SELECT id, access_token, refresh_token, token_type, fiu_id, expires_at, is_active, created_at
		FROM tsp_tokens
		WHERE is_active
		ORDER BY created_at DESC
		LIMIT 1`,
	).Scan(&t.ID, &t.AccessToken, &refresh, &t.TokenType, &t.FIUID, &t.ExpiresAt, &t.IsActive, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if refresh != nil {
		t.RefreshToken = *refresh
	}
	return &t, nil
}

// ReplaceActiveToken deactivates every stored token and inserts the new one as the
// only active row, atomically.
func (r *PostgresRepository) ReplaceActiveToken(ctx context.Context, t *domain.TSPToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin token replacement: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE tsp_tokens SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("failed to deactivate tokens: %w", err)
	}

	var refresh *string
	if t.RefreshToken != "" {
		refresh = &t.RefreshToken
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO tsp_tokens (id, access_token, refresh_token, token_type, fiu_id, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING created_at`,
		t.ID, t.AccessToken, refresh, t.TokenType, t.FIUID, t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	t.IsActive = true

	return tx.Commit(ctx)
}

// CreateErrorLog stores a categorised failure.
func (r *PostgresRepository) CreateErrorLog(ctx context.Context, e *domain.ErrorLog) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO error_logs (
			id, context, error_category, error_message, http_status_code, retry_recommended,
			txn_id, request_id, tracking_id, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		e.ID, string(e.Context), string(e.Category), e.Message, e.HTTPStatus, e.RetryRecommended,
		e.TxnID, e.RequestID, e.TrackingID, nullableJSON(e.Details),
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert error log: %w", err)
	}
	return nil
}

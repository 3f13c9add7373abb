package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/transfa/aa-service/internal/domain"
)

// CreateWebhookEvent appends an inbound notification to the event log.
func (r *PostgresRepository) CreateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	query := `
		INSERT INTO webhook_events (
			id, event_type, txn_id, consent_handle, request_id, tracking_id, status,
			idempotency_key, payload, processed, duplicate
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, FALSE)
		RETURNING created_at`
	payload := nullableJSON(e.Payload)
	if payload == nil {
		payload = "{}"
	}
	err := r.db.QueryRow(ctx, query,
		e.ID, string(e.EventType), e.TxnID, e.ConsentHandle, e.RequestID, e.TrackingID, e.Status,
		e.IdempotencyKey, payload,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// HasProcessedWebhookEvent reports whether an event with the key was already applied.
func (r *PostgresRepository) HasProcessedWebhookEvent(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE idempotency_key = $1 AND processed)`,
		idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook idempotency: %w", err)
	}
	return exists, nil
}

// MarkWebhookEventProcessed flags an event as applied. The partial unique index on
// processed idempotency keys turns a racing second delivery into ErrDuplicateEvent.
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, idempotencyKey *string, processingError *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events SET
			processed = TRUE,
			processed_at = NOW(),
			idempotency_key = COALESCE($2, idempotency_key),
			processing_error = $3
		WHERE id = $1`, id, idempotencyKey, processingError)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookEventMissing
	}
	return nil
}

// MarkWebhookEventDuplicate flags an event as a suppressed re-delivery.
func (r *PostgresRepository) MarkWebhookEventDuplicate(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE webhook_events SET duplicate = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event duplicate: %w", err)
	}
	return nil
}

// MarkWebhookEventFailed records why an event could not be applied. The event stays
// unprocessed so a later delivery with the same key is not suppressed.
func (r *PostgresRepository) MarkWebhookEventFailed(ctx context.Context, id uuid.UUID, processingError string) error {
	_, err := r.db.Exec(ctx, `UPDATE webhook_events SET processing_error = $2 WHERE id = $1`, id, processingError)
	if err != nil {
		return fmt.Errorf("failed to record webhook processing error: %w", err)
	}
	return nil
}

// ListStatusHistory returns the audit trail of a consent in observation order.
func (r *PostgresRepository) ListStatusHistory(ctx context.Context, consentRequestID uuid.UUID) ([]domain.TxnStatusHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, consent_request_id, txn_id, previous_status, status, raw_status, source, payload, created_at
		FROM txn_status_history
		WHERE consent_request_id = $1
		ORDER BY created_at ASC, id ASC`, consentRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	defer rows.Close()

	history := []domain.TxnStatusHistory{}
	for rows.Next() {
		var h domain.TxnStatusHistory
		var previous, status, source string
		if err := rows.Scan(&h.ID, &h.ConsentRequestID, &h.TxnID, &previous, &status, &h.RawStatus, &source, &h.Payload, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.PreviousStatus = domain.ConsentStatus(previous)
		h.Status = domain.ConsentStatus(status)
		h.Source = domain.StatusSource(source)
		history = append(history, h)
	}
	return history, rows.Err()
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * consent requests. Reconciliation updates are applied with an optimistic
 * compare-and-set on the row version so concurrent webhook and poll updates for the
 * same consent never interleave.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/aa-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

const consentColumns = `
	id, internal_user_id, request_id, txn_id, consent_handle, consent_id, status,
	report_generated, report_status, fi_request_initiated, fi_request_initiated_at,
	report_retrieval_started, report_retrieval_started_at, fi_session_id, fi_txn_id,
	last_webhook_received_at, mobile, email, pan, fi_types, fi_data_from, fi_data_to,
	consent_start, consent_expiry, redirect_url, vua, vendor_response, version,
	created_at, updated_at`

func scanConsent(row pgx.Row) (*domain.ConsentRequest, error) {
	var c domain.ConsentRequest
	var status string
	err := row.Scan(
		&c.ID, &c.InternalUserID, &c.RequestID, &c.TxnID, &c.ConsentHandle, &c.ConsentID, &status,
		&c.ReportGenerated, &c.ReportStatus, &c.FIRequestInitiated, &c.FIRequestInitiatedAt,
		&c.ReportRetrievalStarted, &c.ReportRetrievalStartedAt, &c.FISessionID, &c.FITxnID,
		&c.LastWebhookReceivedAt, &c.Mobile, &c.Email, &c.PAN, &c.FITypes, &c.FIDataFrom, &c.FIDataTo,
		&c.ConsentStart, &c.ConsentExpiry, &c.RedirectURL, &c.VUA, &c.VendorResponse, &c.Version,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsentNotFound
		}
		return nil, err
	}
	c.Status = domain.ConsentStatus(status)
	return &c, nil
}

// CreateConsentRequest inserts a freshly generated consent request.
func (r *PostgresRepository) CreateConsentRequest(ctx context.Context, c *domain.ConsentRequest) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.ConsentStatusPending
	}
	if c.ReportStatus == "" {
		c.ReportStatus = domain.ReportStatusPending
	}
	if c.FITypes == nil {
		c.FITypes = []string{}
	}

	query := `
		INSERT INTO consent_requests (
			id, internal_user_id, request_id, txn_id, consent_handle, status, report_status,
			mobile, email, pan, fi_types, fi_data_from, fi_data_to, consent_start, consent_expiry,
			redirect_url, vua, vendor_response
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING version, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		c.ID, c.InternalUserID, c.RequestID, c.TxnID, c.ConsentHandle, string(c.Status), c.ReportStatus,
		c.Mobile, c.Email, c.PAN, c.FITypes, c.FIDataFrom, c.FIDataTo, c.ConsentStart, c.ConsentExpiry,
		c.RedirectURL, c.VUA, nullableJSON(c.VendorResponse),
	).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConsent
		}
		return fmt.Errorf("failed to insert consent request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) findConsent(ctx context.Context, where string, arg interface{}) (*domain.ConsentRequest, error) {
	query := `SELECT ` + consentColumns + ` FROM consent_requests WHERE ` + where + ` LIMIT 1`
	return scanConsent(r.db.QueryRow(ctx, query, arg))
}

// GetConsentRequestByID loads a consent request by its primary key.
func (r *PostgresRepository) GetConsentRequestByID(ctx context.Context, id uuid.UUID) (*domain.ConsentRequest, error) {
	return r.findConsent(ctx, "id = $1", id)
}

// FindConsentByTxnID resolves a consent request by vendor txn id.
func (r *PostgresRepository) FindConsentByTxnID(ctx context.Context, txnID string) (*domain.ConsentRequest, error) {
	return r.findConsent(ctx, "txn_id = $1", strings.TrimSpace(txnID))
}

// FindConsentByHandle resolves a consent request by vendor consent handle.
func (r *PostgresRepository) FindConsentByHandle(ctx context.Context, consentHandle string) (*domain.ConsentRequest, error) {
	return r.findConsent(ctx, "consent_handle = $1", strings.TrimSpace(consentHandle))
}

// FindConsentByRequestID resolves a consent request by the normalized vendor request id.
func (r *PostgresRepository) FindConsentByRequestID(ctx context.Context, requestID int64) (*domain.ConsentRequest, error) {
	return r.findConsent(ctx, "request_id = $1", requestID)
}

// FindConsentByConsentID resolves a consent request by the vendor consent id.
func (r *PostgresRepository) FindConsentByConsentID(ctx context.Context, consentID string) (*domain.ConsentRequest, error) {
	query := `SELECT ` + consentColumns + ` FROM consent_requests WHERE consent_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanConsent(r.db.QueryRow(ctx, query, strings.TrimSpace(consentID)))
}

// ListConsentRequests returns a filtered page of consent requests, newest first,
// with the total count matching the filters.
func (r *PostgresRepository) ListConsentRequests(ctx context.Context, opts domain.ConsentListOptions) ([]domain.ConsentRequest, int64, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	if status := strings.TrimSpace(opts.Status); status != "" {
		args = append(args, strings.ToUpper(status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if userID := strings.TrimSpace(opts.InternalUserID); userID != "" {
		args = append(args, userID)
		conditions = append(conditions, fmt.Sprintf("internal_user_id = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM consent_requests WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count consent requests: %w", err)
	}

	args = append(args, opts.Limit, opts.Skip)
	query := fmt.Sprintf(`SELECT %s FROM consent_requests WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		consentColumns, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list consent requests: %w", err)
	}
	defer rows.Close()

	consents, err := collectConsents(rows)
	if err != nil {
		return nil, 0, err
	}
	return consents, total, nil
}

// ListStaleConsents returns consents still in one of the given statuses that have not
// been touched since updatedBefore.
func (r *PostgresRepository) ListStaleConsents(ctx context.Context, statuses []domain.ConsentStatus, updatedBefore time.Time, limit int) ([]domain.ConsentRequest, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	query := `SELECT ` + consentColumns + ` FROM consent_requests
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.db.Query(ctx, query, values, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale consents: %w", err)
	}
	defer rows.Close()
	return collectConsents(rows)
}

func collectConsents(rows pgx.Rows) ([]domain.ConsentRequest, error) {
	consents := []domain.ConsentRequest{}
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		consents = append(consents, *c)
	}
	return consents, rows.Err()
}

// ApplyConsentTransition writes a reconciliation outcome and its history rows in one
// transaction. It fails with ErrConcurrentUpdate when the row version moved.
func (r *PostgresRepository) ApplyConsentTransition(ctx context.Context, t ConsentTransition) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE consent_requests SET
			status = $3,
			consent_id = COALESCE(consent_id, $4),
			report_generated = report_generated OR $5,
			report_status = $6,
			fi_request_initiated_at = CASE WHEN $7 AND NOT fi_request_initiated THEN $9 ELSE fi_request_initiated_at END,
			fi_request_initiated = fi_request_initiated OR $7,
			report_retrieval_started_at = CASE WHEN $8 AND NOT report_retrieval_started THEN $9 ELSE report_retrieval_started_at END,
			report_retrieval_started = report_retrieval_started OR $8,
			last_webhook_received_at = $9,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2`
	tag, err := tx.Exec(ctx, query,
		t.ConsentRequestID, t.ExpectedVersion, string(t.Status), t.ConsentID, t.ReportGenerated,
		t.ReportStatus, t.FIRequestInitiated, t.ReportRetrievalStarted, t.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update consent request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}

	for _, h := range t.History {
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO txn_status_history (id, consent_request_id, txn_id, previous_status, status, raw_status, source, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			h.ID, t.ConsentRequestID, h.TxnID, string(h.PreviousStatus), string(h.Status), h.RawStatus,
			string(h.Source), nullableJSON(h.Payload), t.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert status history: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// RecordFIRequestResult stores the FI session started for a consent.
func (r *PostgresRepository) RecordFIRequestResult(ctx context.Context, res FIRequestResult) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE consent_requests SET
			fi_request_initiated = TRUE,
			fi_request_initiated_at = COALESCE(fi_request_initiated_at, $4),
			fi_session_id = $2,
			fi_txn_id = $3,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1`,
		res.ConsentRequestID, res.SessionID, res.FITxnID, res.InitiatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record fi request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConsentNotFound
	}
	return nil
}

// MarkConsentReportCompleted flags the consent behind txnID as having a stored report.
func (r *PostgresRepository) MarkConsentReportCompleted(ctx context.Context, txnID string, reportStatus string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE consent_requests SET
			report_status = $2,
			report_generated = report_generated OR $2 = 'COMPLETED',
			version = version + 1,
			updated_at = NOW()
		WHERE txn_id = $1`, txnID, reportStatus)
	if err != nil {
		return fmt.Errorf("failed to update consent report status: %w", err)
	}
	return nil
}

// nullableJSON passes JSON as text so it also binds under the simple query protocol.
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

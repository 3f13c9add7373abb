package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/aa-service/internal/domain"
)

const reportColumns = `
	id, txn_id, internal_user_id, request_id, consent_id, report_type, status, json_data,
	extracted, source_report_url, metadata, error_message, retrieved_at, created_at, updated_at`

func scanReport(row pgx.Row) (*domain.Report, error) {
	var rep domain.Report
	var extracted, metadata []byte
	err := row.Scan(
		&rep.ID, &rep.TxnID, &rep.InternalUserID, &rep.RequestID, &rep.ConsentID, &rep.ReportType,
		&rep.Status, &rep.JSONData, &extracted, &rep.SourceReportURL, &metadata, &rep.ErrorMessage,
		&rep.RetrievedAt, &rep.CreatedAt, &rep.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	if len(extracted) > 0 {
		rep.Extracted = &domain.ExtractedReport{}
		if err := json.Unmarshal(extracted, rep.Extracted); err != nil {
			return nil, fmt.Errorf("failed to decode extracted report: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rep.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode report metadata: %w", err)
		}
	}
	return &rep, nil
}

// UpsertReport creates or replaces the report for a txn_id. A report is never
// duplicated per txn_id; the original id and created_at survive updates.
func (r *PostgresRepository) UpsertReport(ctx context.Context, rep *domain.Report) (*domain.Report, error) {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	var extracted, metadata []byte
	var err error
	if rep.Extracted != nil {
		if extracted, err = json.Marshal(rep.Extracted); err != nil {
			return nil, fmt.Errorf("failed to encode extracted report: %w", err)
		}
	}
	if len(rep.Metadata) > 0 {
		if metadata, err = json.Marshal(rep.Metadata); err != nil {
			return nil, fmt.Errorf("failed to encode report metadata: %w", err)
		}
	}

	query := `
		INSERT INTO reports (
			id, txn_id, internal_user_id, request_id, consent_id, report_type, status, json_data,
			extracted, source_report_url, metadata, error_message, retrieved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (txn_id) DO UPDATE SET
			internal_user_id = COALESCE(EXCLUDED.internal_user_id, reports.internal_user_id),
			request_id = COALESCE(EXCLUDED.request_id, reports.request_id),
			consent_id = COALESCE(EXCLUDED.consent_id, reports.consent_id),
			report_type = EXCLUDED.report_type,
			status = EXCLUDED.status,
			json_data = COALESCE(EXCLUDED.json_data, reports.json_data),
			extracted = COALESCE(EXCLUDED.extracted, reports.extracted),
			source_report_url = COALESCE(EXCLUDED.source_report_url, reports.source_report_url),
			metadata = COALESCE(EXCLUDED.metadata, reports.metadata),
			error_message = EXCLUDED.error_message,
			retrieved_at = COALESCE(EXCLUDED.retrieved_at, reports.retrieved_at),
			updated_at = NOW()
		RETURNING ` + reportColumns
	return scanReport(r.db.QueryRow(ctx, query,
		rep.ID, strings.TrimSpace(rep.TxnID), rep.InternalUserID, rep.RequestID, rep.ConsentID,
		rep.ReportType, rep.Status, nullableJSON(rep.JSONData), nullableJSON(extracted),
		rep.SourceReportURL, nullableJSON(metadata), rep.ErrorMessage, rep.RetrievedAt,
	))
}

// GetReportByID loads a report by primary key.
func (r *PostgresRepository) GetReportByID(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	return scanReport(r.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
}

// GetReportByTxnID loads the report stored for a transaction.
func (r *PostgresRepository) GetReportByTxnID(ctx context.Context, txnID string) (*domain.Report, error) {
	return scanReport(r.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE txn_id = $1`, strings.TrimSpace(txnID)))
}

const bsaColumns = `
	id, tracking_id, report_id, txn_id, status, json_docs_url, xlsx_docs_url, webhook_url,
	last_response, error_message, completed_at, created_at, updated_at`

func scanBSARun(row pgx.Row) (*domain.BSARun, error) {
	var run domain.BSARun
	var status string
	err := row.Scan(
		&run.ID, &run.TrackingID, &run.ReportID, &run.TxnID, &status, &run.JSONDocsURL, &run.XLSXDocsURL,
		&run.WebhookURL, &run.LastResponse, &run.ErrorMessage, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBSARunNotFound
		}
		return nil, err
	}
	run.Status = domain.BSAStatus(status)
	return &run, nil
}

// CreateBSARun inserts a new analysis attempt.
func (r *PostgresRepository) CreateBSARun(ctx context.Context, run *domain.BSARun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO bsa_runs (id, tracking_id, report_id, txn_id, status, webhook_url, last_response, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		run.ID, run.TrackingID, run.ReportID, run.TxnID, string(run.Status), run.WebhookURL,
		nullableJSON(run.LastResponse), run.ErrorMessage,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bsa run: %w", err)
	}
	return nil
}

// GetBSARunByTrackingID loads a run by its locally generated tracking id.
func (r *PostgresRepository) GetBSARunByTrackingID(ctx context.Context, trackingID string) (*domain.BSARun, error) {
	return scanBSARun(r.db.QueryRow(ctx, `SELECT `+bsaColumns+` FROM bsa_runs WHERE tracking_id = $1`, strings.TrimSpace(trackingID)))
}

// ListBSARunsByReportID returns every run for a report, newest first.
func (r *PostgresRepository) ListBSARunsByReportID(ctx context.Context, reportID uuid.UUID) ([]domain.BSARun, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bsaColumns+` FROM bsa_runs WHERE report_id = $1 ORDER BY created_at DESC`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bsa runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.BSARun{}
	for rows.Next() {
		run, err := scanBSARun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateBSARun applies a vendor status update to a run. A run that is already
// terminal is left as stored and returned unchanged.
func (r *PostgresRepository) UpdateBSARun(ctx context.Context, trackingID string, p UpdateBSARunParams) (*domain.BSARun, error) {
	terminal := make([]string, 0, len(domain.TerminalBSAStatuses))
	for _, status := range domain.TerminalBSAStatuses {
		terminal = append(terminal, string(status))
	}

	query := `
		UPDATE bsa_runs SET
			status = $2,
			json_docs_url = COALESCE($3, json_docs_url),
			xlsx_docs_url = COALESCE($4, xlsx_docs_url),
			last_response = COALESCE($5, last_response),
			error_message = COALESCE($6, error_message),
			completed_at = COALESCE(completed_at, $7),
			updated_at = NOW()
		WHERE tracking_id = $1 AND status <> ALL($8)
		RETURNING ` + bsaColumns
	run, err := scanBSARun(r.db.QueryRow(ctx, query,
		strings.TrimSpace(trackingID), string(p.Status), p.JSONDocsURL, p.XLSXDocsURL,
		nullableJSON(p.LastResponse), p.ErrorMessage, p.CompletedAt, terminal,
	))
	if errors.Is(err, ErrBSARunNotFound) {
		return r.GetBSARunByTrackingID(ctx, trackingID)
	}
	return run, err
}

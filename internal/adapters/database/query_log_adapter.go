package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/repositories"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// QueryLogAdapter implements QueryLogRepository over the rag_query_log table.
// The audit trail records every answered question verbatim, including the
// context fragments that informed the answer.
type QueryLogAdapter struct {
	db *sqlx.DB
}

type queryLogRow struct {
	ID              string    `db:"id"`
	SessionID       string    `db:"session_id"`
	PatientID       string    `db:"patient_id"`
	UserQuery       string    `db:"user_query"`
	Response        string    `db:"response"`
	ChunksExtracted string    `db:"chunks_extracted"`
	LatencyMs       int64     `db:"latency_ms"`
	CreatedAt       time.Time `db:"created_at"`
}

// NewQueryLogAdapter creates a new query log adapter
func NewQueryLogAdapter(db *sqlx.DB) repositories.QueryLogRepository {
	return &QueryLogAdapter{db: db}
}

// Record persists one audit entry
func (a *QueryLogAdapter) Record(ctx context.Context, entry *repositories.QueryLogEntry) error {
	if entry == nil {
		return apperrors.NewValidationError("query log entry is required")
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := queryLogRow{
		ID:              uuid.New().String(),
		SessionID:       entry.SessionID,
		PatientID:       entry.PatientID,
		UserQuery:       entry.UserQuery,
		Response:        entry.Response,
		ChunksExtracted: entry.ChunksExtracted,
		LatencyMs:       entry.Latency.Milliseconds(),
		CreatedAt:       createdAt,
	}

	query := `
        INSERT INTO rag_query_log (id, session_id, patient_id, user_query, response, chunks_extracted, latency_ms, created_at)
        VALUES (:id, :session_id, :patient_id, :user_query, :response, :chunks_extracted, :latency_ms, :created_at)`

	if _, err := a.db.NamedExecContext(ctx, query, row); err != nil {
		return apperrors.NewInternalError("failed to record query log entry", err)
	}
	return nil
}

// ListBySession retrieves the audit entries for a session in insertion order
func (a *QueryLogAdapter) ListBySession(ctx context.Context, sessionID string, limit int) ([]repositories.QueryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
        SELECT id, session_id, patient_id, user_query, response, chunks_extracted, latency_ms, created_at
        FROM rag_query_log
        WHERE session_id = $1
        ORDER BY created_at ASC
        LIMIT $2`

	var rows []queryLogRow
	if err := a.db.SelectContext(ctx, &rows, query, sessionID, limit); err != nil {
		return nil, apperrors.NewInternalError("failed to list query log entries", err)
	}

	entries := make([]repositories.QueryLogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, repositories.QueryLogEntry{
			SessionID:       row.SessionID,
			PatientID:       row.PatientID,
			UserQuery:       row.UserQuery,
			Response:        row.Response,
			ChunksExtracted: row.ChunksExtracted,
			Latency:         time.Duration(row.LatencyMs) * time.Millisecond,
			CreatedAt:       row.CreatedAt,
		})
	}
	return entries, nil
}

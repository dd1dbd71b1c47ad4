package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type PostgresUsageLog struct {
	db *sql.DB
}

func NewPostgresUsageLog(db *sql.DB) *PostgresUsageLog {
	return &PostgresUsageLog{db: db}
}

// Append inserts the record once; a retried append with the same ID is a no-op.
func (l *PostgresUsageLog) Append(ctx context.Context, record domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (id, request_id, user_id, api_key_id, model_id, model, provider,
		                           request_type, status_code, latency_ms, prompt_tokens, completion_tokens,
		                           total_tokens, error_message, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := l.db.ExecContext(ctx, query,
		record.ID,
		record.RequestID,
		nullInt64(record.UserID),
		nullInt64(record.APIKeyID),
		nullInt64(record.ModelID),
		record.Model,
		nullString(record.Provider),
		record.RequestType,
		record.StatusCode,
		record.LatencyMs,
		record.PromptTokens,
		record.CompletionTokens,
		record.TotalTokens,
		nullString(record.ErrorMessage),
		nullString(record.IPAddress),
		nullString(record.UserAgent),
		record.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

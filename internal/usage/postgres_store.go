package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Record is one persisted per-target usage row.
type Record struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	RequestID        string    `json:"request_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Estimated        bool      `json:"estimated"`
	Failed           bool      `json:"failed"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the persistence collaborator. The dispatch core never calls it;
// the HTTP layer does, after reading ModelResponse metrics.
type Store interface {
	Log(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error)
	TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Log(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO dispatch_usage (user_id, request_id, provider, model, prompt_tokens, completion_tokens, cost_usd, latency_ms, estimated, failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.UserID, rec.RequestID, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.LatencyMs,
		rec.Estimated, rec.Failed,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, user_id, request_id, provider, model, prompt_tokens, completion_tokens, cost_usd, latency_ms, estimated, failed, created_at
		FROM dispatch_usage
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.UserID, &r.RequestID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &r.LatencyMs,
			&r.Estimated, &r.Failed, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM dispatch_usage
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to total usage cost: %w", err)
	}
	return total, nil
}

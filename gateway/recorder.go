// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Interaction is the persisted record of one coaching request.
type Interaction struct {
	RequestID  string
	UserID     string
	AgentType  string
	Model      string
	Provider   string
	CacheHit   bool
	TokensUsed int
	CostCents  int
	LatencyMs  int64
	Confidence float64
	ErrorCode  string
	CreatedAt  time.Time
}

// Recorder persists interaction records for analytics and billing.
// Recording is best-effort: failures are logged by the caller and never
// fail the request.
type Recorder interface {
	Record(ctx context.Context, in Interaction) error
	Close() error
}

// PostgresRecorder implements Recorder on PostgreSQL.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder opens the database and verifies connectivity.
func NewPostgresRecorder(databaseURL string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRecorder{db: db}, nil
}

// NewPostgresRecorderWithDB wraps an existing handle (used in tests).
func NewPostgresRecorderWithDB(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Record inserts one interaction row.
func (r *PostgresRecorder) Record(ctx context.Context, in Interaction) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO ai_interactions (
			request_id, user_id, agent_type, model, provider,
			cache_hit, tokens_used, cost_cents, latency_ms, confidence,
			error_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		in.RequestID,
		in.UserID,
		in.AgentType,
		in.Model,
		in.Provider,
		in.CacheHit,
		in.TokensUsed,
		in.CostCents,
		in.LatencyMs,
		in.Confidence,
		in.ErrorCode,
		in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

// SpendSince sums the user's recorded spend in cents since the cutoff.
func (r *PostgresRecorder) SpendSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
		SELECT COALESCE(SUM(cost_cents), 0)
		FROM ai_interactions
		WHERE user_id = $1 AND created_at >= $2
	`
	var total int
	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

// Close releases the database handle.
func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}

// NopRecorder discards records. Used when no database is configured.
type NopRecorder struct{}

// Record discards the interaction.
func (NopRecorder) Record(context.Context, Interaction) error { return nil }

// Close is a no-op.
func (NopRecorder) Close() error { return nil }

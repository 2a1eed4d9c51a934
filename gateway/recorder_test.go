// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRecorderRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := NewPostgresRecorderWithDB(db)

	mock.ExpectExec("INSERT INTO ai_interactions").
		WithArgs("req-1", "user-1", "daily_tip", "claude-3-5-haiku-20241022", "anthropic",
			false, 1200, 1, int64(350), 0.87, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = rec.Record(context.Background(), Interaction{
		RequestID:  "req-1",
		UserID:     "user-1",
		AgentType:  "daily_tip",
		Model:      "claude-3-5-haiku-20241022",
		Provider:   "anthropic",
		TokensUsed: 1200,
		CostCents:  1,
		LatencyMs:  350,
		Confidence: 0.87,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorderRecordFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := NewPostgresRecorderWithDB(db)

	mock.ExpectExec("INSERT INTO ai_interactions").
		WillReturnError(errors.New("connection reset"))

	err = rec.Record(context.Background(), Interaction{RequestID: "req-1", UserID: "user-1"})
	assert.Error(t, err)
}

func TestPostgresRecorderSpendSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := NewPostgresRecorderWithDB(db)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(cost_cents\\), 0\\)").
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(42))

	total, err := rec.SpendSince(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, 42, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNopRecorder(t *testing.T) {
	var rec Recorder = NopRecorder{}
	assert.NoError(t, rec.Record(context.Background(), Interaction{}))
	assert.NoError(t, rec.Close())
}

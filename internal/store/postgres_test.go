package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pipeline-runtime/internal/cost"
	"github.com/sells-group/pipeline-runtime/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "nightly", "parallel", int64(7), "queued", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "nightly", model.ModeParallel, 7)
	require.NoError(t, err)
	assert.Equal(t, "nightly", run.Name)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("running", pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "ghost", model.RunStatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveResult_MarksFailed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET result`).
		WithArgs(pgxmock.AnyArg(), "failed", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	result := &model.RunResult{
		RunID: "run-1",
		Spans: []model.Span{{StageID: "publish", Status: model.StageFailed}},
	}
	require.NoError(t, s.SaveResult(context.Background(), "run-1", result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, mode, seed, status, result, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSpans_UpsertsOnResave(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	columns := []string{
		"run_id", "stage_id", "status", "duration_ms", "attempts",
		"from_cache", "failure_reason", "external_calls", "tokens", "cost_usd",
	}
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_run_spans"}, columns).WillReturnResult(2)
		mock.ExpectExec(`ON CONFLICT \("run_id", "stage_id"\) DO UPDATE`).
			WillReturnResult(pgxmock.NewResult("INSERT", 2))
		mock.ExpectCommit()
	}

	spans := []model.Span{
		{StageID: "extract", Status: model.StageSucceeded},
		{StageID: "grade", Status: model.StageSkippedCached, FromCache: true},
	}
	// First save from the interrupted run, second from its resume; the
	// second must replace on (run_id, stage_id), not violate the key.
	require.NoError(t, s.SaveSpans(context.Background(), "run-1", spans))
	require.NoError(t, s.SaveSpans(context.Background(), "run-1", spans))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSpans_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	require.NoError(t, s.SaveSpans(context.Background(), "run-1", nil))
}

func TestPostgresStore_SaveStrategyStats_Upserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_strategy_stats"}, []string{
		"id", "expected_cost_usd", "expected_latency_ms", "observations", "updated_at",
	}).WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stats := []cost.StrategyStat{{ID: "dense", ExpectedCostUSD: 0.004, ExpectedLatencyMs: 120, Observations: 3}}
	require.NoError(t, s.SaveStrategyStats(context.Background(), stats))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadStrategyStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"id", "expected_cost_usd", "expected_latency_ms", "observations"}).
		AddRow("bm25", 0.001, 42.0, 9).
		AddRow("dense", 0.004, 120.0, 3)
	mock.ExpectQuery(`SELECT id, expected_cost_usd, expected_latency_ms, observations FROM strategy_stats`).
		WillReturnRows(rows)

	stats, err := s.LoadStrategyStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "bm25", stats[0].ID)
	assert.Equal(t, 9, stats[0].Observations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

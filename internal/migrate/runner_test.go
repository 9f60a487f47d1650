package migrate

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/ingest"
)

func migrationFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func expectLedger(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
}

func expectApply(mock pgxmock.PgxPoolIface, stmtCount int) {
	mock.ExpectBegin()
	for i := 0; i < stmtCount; i++ {
		mock.ExpectExec(`.*`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
}

func TestRunAppliesPendingInLexicalOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fsys := migrationFS(map[string]string{
		"20240102_teams.sql":   "CREATE TABLE teams (id BIGSERIAL PRIMARY KEY);",
		"20240101_matches.sql": "CREATE TABLE matches (id BIGSERIAL PRIMARY KEY);",
	})

	expectLedger(mock)
	// 20240101 first despite map order.
	mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
		WithArgs("20240101_matches.sql").
		WillReturnError(pgx.ErrNoRows)
	expectApply(mock, 1)
	mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
		WithArgs("20240102_teams.sql").
		WillReturnError(pgx.ErrNoRows)
	expectApply(mock, 1)

	sum, err := New(mock, fsys, false, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20240101_matches.sql", "20240102_teams.sql"}, sum.Applied)
	assert.Empty(t, sum.Skipped)
	require.Len(t, sum.Results, 2)
	assert.Equal(t, FileResult{Filename: "20240101_matches.sql", Statements: 1, Status: StatusApplied}, sum.Results[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkipsWhenChecksumMatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	body := "CREATE TABLE teams (id BIGSERIAL PRIMARY KEY);"
	fsys := migrationFS(map[string]string{"20240101_teams.sql": body})

	expectLedger(mock)
	mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
		WithArgs("20240101_teams.sql").
		WillReturnRows(pgxmock.NewRows([]string{"checksum"}).AddRow(checksumOf([]byte(body))))

	sum, err := New(mock, fsys, false, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20240101_teams.sql"}, sum.Skipped)
	assert.Empty(t, sum.Applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFailsOnDrift(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fsys := migrationFS(map[string]string{
		"20240101_teams.sql": "CREATE TABLE teams (id BIGSERIAL PRIMARY KEY, name TEXT);",
	})

	expectLedger(mock)
	mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
		WithArgs("20240101_teams.sql").
		WillReturnRows(pgxmock.NewRows([]string{"checksum"}).AddRow("stale-checksum"))

	_, err = New(mock, fsys, false, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrMigrationDrift))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunForceReappliesDriftedFile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fsys := migrationFS(map[string]string{
		"20240101_teams.sql": "CREATE TABLE teams (id BIGSERIAL PRIMARY KEY, name TEXT);",
	})

	expectLedger(mock)
	mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
		WithArgs("20240101_teams.sql").
		WillReturnRows(pgxmock.NewRows([]string{"checksum"}).AddRow("stale-checksum"))
	expectApply(mock, 1)

	sum, err := New(mock, fsys, true, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20240101_teams.sql"}, sum.Reapplied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fsys := migrationFS(map[string]string{
		"20240101_bad.sql":   "CREATE TABLE broken (;",
		"20240102_never.sql": "CREATE TABLE never (id BIGSERIAL);",
	})

	expectLedger(mock)
	mock.ExpectQuery(`SELECT checksum FROM schema_migrations`).
		WithArgs("20240101_bad.sql").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec(`.*`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	sum, err := New(mock, fsys, false, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, sum.Applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	t.Run("splits on semicolons and drops comments", func(t *testing.T) {
		stmts := SplitStatements(`
-- schema bootstrap
CREATE TABLE a (id BIGSERIAL);

CREATE TABLE b (id BIGSERIAL);
`)
		require.Len(t, stmts, 2)
		assert.Contains(t, stmts[0], "CREATE TABLE a")
		assert.Contains(t, stmts[1], "CREATE TABLE b")
	})

	t.Run("delimiter file becomes one batch", func(t *testing.T) {
		stmts := SplitStatements(`
DELIMITER //
CREATE FUNCTION touch() RETURNS trigger AS $$
BEGIN
	NEW.updated_at = now();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql//
DELIMITER ;
`)
		require.Len(t, stmts, 1)
		assert.Contains(t, stmts[0], "CREATE FUNCTION touch")
		assert.NotContains(t, stmts[0], "DELIMITER")
	})

	t.Run("empty and comment-only input yields nothing", func(t *testing.T) {
		assert.Empty(t, SplitStatements("  \n"))
		assert.Empty(t, SplitStatements("-- nothing here\n"))
	})
}

package revdoc

import (
	"context"
	"errors"
	"regexp"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestQueryRow_LogsAfterExecution(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	db := NewDB(mock, Config{Logger: zap.New(core)})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1`)).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	var one int
	require.NoError(t, db.QueryRow(context.Background(), `SELECT 1`).Scan(&one))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "sql", entries[0].Message)
	fields := entries[0].ContextMap()
	require.Equal(t, `SELECT 1`, fields["stmt"])
	require.Contains(t, fields, "elapsed")
}

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE x SET y = $1`)).
		WithArgs(1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context) error {
		_, err := db.Exec(ctx, `UPDATE x SET y = $1`, 1)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_RollsBackAndKeepsOriginalError(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := db.Transaction(context.Background(), func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_NestedCallJoinsEnclosing(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE x SET y = $1`)).
		WithArgs(2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context) error {
		// No second BEGIN: the nested call reuses the same connection.
		return db.Transaction(ctx, func(ctx context.Context) error {
			_, err := db.Exec(ctx, `UPDATE x SET y = $1`, 2)
			return err
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_ScopeDoesNotLeak(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()

	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := db.Transaction(ctx, func(inner context.Context) error {
		_, ok := activeTx(inner)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	// The caller's context never carried the transaction.
	_, ok := activeTx(ctx)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_BadDSNIsConnectionError(t *testing.T) {
	_, err := Connect(context.Background(), Config{DSN: "://not-a-dsn"})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
}

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock), mock
}

func TestRecordSent(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO emails`).
		WithArgs("m-1@x", StatusSent, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.RecordSent(context.Background(), "m-1@x"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"written", 1, true},
		{"stale event", 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectExec(`ON CONFLICT \(message_id\) DO UPDATE`).
				WithArgs("m-1", "delivered", at).
				WillReturnResult(pgxmock.NewResult("INSERT", tc.affected))

			ok, err := repo.UpdateStatus(context.Background(), "m-1", "delivered", at)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateStatus_Error(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO emails`).WillReturnError(errors.New("db down"))

	_, err := repo.UpdateStatus(context.Background(), "m-1", "bounced", time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

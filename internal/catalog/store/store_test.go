package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgforge/master/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "pgx")}, mock
}

func TestGetUpstreamSerial(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"serial"}).AddRow(int64(42))
	mock.ExpectQuery(`SELECT serial FROM upstream_state`).WillReturnRows(rows)

	got, err := s.GetUpstreamSerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUpstreamSerialNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT serial FROM upstream_state`).WillReturnError(sql.ErrNoRows)

	got, err := s.GetUpstreamSerial(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestLogBuildInsertsFiles(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO builds`).WillReturnRows(
		sqlmock.NewRows([]string{"build_id"}).AddRow(int64(7)),
	)
	mock.ExpectExec(`INSERT INTO files`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	b := model.Build{
		BuilderID: 1,
		Package:   "numpy",
		Version:   "1.0",
		ABI:       "cp39",
		Success:   true,
		Duration:  time.Minute,
		Artifacts: map[string]model.Artifact{
			"numpy-1.0-cp39-cp39-linux_armv7l.whl": {
				Filename: "numpy-1.0-cp39-cp39-linux_armv7l.whl",
				Package:  "numpy", Version: "1.0",
			},
		},
	}
	require.NoError(t, s.LogBuild(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBuildQueue(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"package", "version"}).
		AddRow("numpy", "1.0").
		AddRow("scipy", "2.0")
	mock.ExpectQuery(`SELECT v.package`).WillReturnRows(rows)

	got, err := s.GetBuildQueue(context.Background(), "cp39")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "numpy", got[0].Package)
}

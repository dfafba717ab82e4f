package opstore

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestAppendAssignsSequenceAndInserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO room_op_seq").
		WithArgs("room-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM room_op_seq").
		WithArgs("room-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE room_op_seq SET next_seq").
		WithArgs("room-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ops").
		WithArgs("room-1", int64(1), "site-a", []byte("update-1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	seq, err := store.Append(context.Background(), "room-1", "site-a", []byte("update-1"))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO room_op_seq").
		WithArgs("room-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM room_op_seq").
		WithArgs("room-1").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), "room-1", "site-a", []byte("update-1"))
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrOpStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRangeScanOrdersBySeq(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"room_id", "seq", "site_id", "bytes", "ts"}).
		AddRow("room-1", int64(2), "site-a", []byte("b"), fixedTime()).
		AddRow("room-1", int64(3), "site-b", []byte("c"), fixedTime())
	mock.ExpectQuery("SELECT room_id, seq, site_id, bytes, ts FROM ops").
		WithArgs("room-1", int64(1)).
		WillReturnRows(rows)

	records, err := store.RangeScan(context.Background(), "room-1", 1)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].Seq)
	assert.Equal(t, int64(3), records[1].Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadDocumentReplaysOpsInOrder(t *testing.T) {
	store, mock := newMockStore(t)

	ops := encodedInsertOps(t)
	rows := sqlmock.NewRows([]string{"room_id", "seq", "site_id", "bytes", "ts"})
	for i, op := range ops {
		rows.AddRow("room-1", int64(i+1), "site-a", op, fixedTime())
	}
	mock.ExpectQuery("SELECT room_id, seq, site_id, bytes, ts FROM ops").
		WithArgs("room-1", int64(0)).
		WillReturnRows(rows)

	doc, err := store.LoadDocument("room-1")
	assert.NoError(t, err)
	assert.NotNil(t, doc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateBeforeDeletesOldOps(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM ops").
		WithArgs("room-1", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 5))

	err := store.TruncateBefore(context.Background(), "room-1", 10)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

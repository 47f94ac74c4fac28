package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src/config"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/catalog"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.PageSize = 256
	cfg.PoolCapacity = 8
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.DataDir = "/data"
	return cfg
}

func openEngine(t *testing.T, fs afero.Fs) *Engine {
	t.Helper()

	e, err := Open(fs, testConfig(), nil)
	require.NoError(t, err)
	return e
}

func usersDesc(t *testing.T) *storage.TupleDesc {
	t.Helper()

	desc, err := ParseSchema([]string{"id:int64", "tag:uuid"})
	require.NoError(t, err)
	return desc
}

func insertUsers(t *testing.T, e *Engine, ids ...int64) {
	t.Helper()

	err := e.Execute(context.Background(), func(ctx context.Context, txnID common.TxnID) error {
		for _, id := range ids {
			_, err := e.Insert(ctx, txnID, "users", storage.Int64Value(id), storage.UUIDValue(uuid.New()))
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func userIDs(t *testing.T, e *Engine) []int64 {
	t.Helper()

	tuples, err := e.Collect(context.Background(), "users")
	require.NoError(t, err)

	res := make([]int64, 0, len(tuples))
	for _, tup := range tuples {
		v, err := tup.Value(0)
		require.NoError(t, err)
		res = append(res, int64(v.(storage.Int64Value)))
	}
	return res
}

func TestInsertAndCollect(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs())
	defer func() { require.NoError(t, e.Close()) }()

	_, err := e.CreateTable("users", usersDesc(t))
	require.NoError(t, err)

	insertUsers(t, e, 1, 2, 3)
	assert.Equal(t, []int64{1, 2, 3}, userIDs(t, e))

	stats := e.Stats()
	assert.Equal(t, 8, stats.Capacity)
	assert.Zero(t, stats.Dirty, "commit leaves nothing dirty")
}

func TestCreateTableTwice(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs())
	defer func() { require.NoError(t, e.Close()) }()

	_, err := e.CreateTable("users", usersDesc(t))
	require.NoError(t, err)

	_, err = e.CreateTable("users", usersDesc(t))
	require.ErrorIs(t, err, catalog.ErrEntityExists)

	_, err = e.Table("ghosts")
	require.ErrorIs(t, err, catalog.ErrEntityNotFound)

	for _, err := range e.Scan(context.Background(), 1, "ghosts") {
		require.ErrorIs(t, err, catalog.ErrEntityNotFound)
	}
	require.NoError(t, e.Abort(1))
}

func TestRollback(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs())
	defer func() { require.NoError(t, e.Close()) }()

	_, err := e.CreateTable("users", usersDesc(t))
	require.NoError(t, err)
	insertUsers(t, e, 1)

	err = e.Execute(context.Background(), func(ctx context.Context, txnID common.TxnID) error {
		_, err := e.Insert(ctx, txnID, "users", storage.Int64Value(2), storage.UUIDValue(uuid.New()))
		require.NoError(t, err)
		return ErrRollback
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = e.Execute(context.Background(), func(ctx context.Context, txnID common.TxnID) error {
		_, err := e.Insert(ctx, txnID, "users", storage.Int64Value(3), storage.UUIDValue(uuid.New()))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []int64{1}, userIDs(t, e))
}

func TestDelete(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs())
	defer func() { require.NoError(t, e.Close()) }()

	_, err := e.CreateTable("users", usersDesc(t))
	require.NoError(t, err)
	insertUsers(t, e, 1, 2, 3)

	err = e.Execute(context.Background(), func(ctx context.Context, txnID common.TxnID) error {
		var victim *storage.Tuple
		for tup, err := range e.Scan(ctx, txnID, "users") {
			if err != nil {
				return err
			}
			if v, _ := tup.Value(0); v.Equal(storage.Int64Value(2)) {
				victim = tup
			}
		}
		require.NotNil(t, victim)
		return e.Delete(ctx, txnID, victim)
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, userIDs(t, e))
}

func TestReopen(t *testing.T) {
	fs := afero.NewMemMapFs()

	e := openEngine(t, fs)
	_, err := e.CreateTable("users", usersDesc(t))
	require.NoError(t, err)
	insertUsers(t, e, 10, 20)
	lastTxn := e.Begin()
	require.NoError(t, e.Abort(lastTxn))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "closing twice is a no-op")

	e = openEngine(t, fs)
	defer func() { require.NoError(t, e.Close()) }()

	require.Len(t, e.Tables(), 1)
	tbl, err := e.Table("users")
	require.NoError(t, err)
	assert.Equal(t, catalog.FileIDFor("/data/users.dat"), tbl.ID)
	assert.Equal(t, []int64{10, 20}, userIDs(t, e))

	assert.Greater(t, e.Begin(), common.TxnID(1), "ids continue after the logged ones")
}

func TestCloseDropsUnfinishedWork(t *testing.T) {
	fs := afero.NewMemMapFs()

	e := openEngine(t, fs)
	_, err := e.CreateTable("users", usersDesc(t))
	require.NoError(t, err)
	insertUsers(t, e, 1)

	txnID := e.Begin()
	_, err = e.Insert(
		context.Background(),
		txnID,
		"users",
		storage.Int64Value(2),
		storage.UUIDValue(uuid.New()),
	)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	err = e.Execute(context.Background(), func(context.Context, common.TxnID) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.CreateTable("more", usersDesc(t))
	require.ErrorIs(t, err, ErrClosed)

	e = openEngine(t, fs)
	defer func() { require.NoError(t, e.Close()) }()
	assert.Equal(t, []int64{1}, userIDs(t, e))
}

func TestLockConflictAborts(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs())
	defer func() { require.NoError(t, e.Close()) }()

	_, err := e.CreateTable("users", usersDesc(t))
	require.NoError(t, err)
	insertUsers(t, e, 1)

	writer := e.Begin()
	_, err = e.Insert(
		context.Background(),
		writer,
		"users",
		storage.Int64Value(2),
		storage.UUIDValue(uuid.New()),
	)
	require.NoError(t, err)

	_, err = e.Collect(context.Background(), "users")
	require.Error(t, err, "the reader can't see the writer's page")

	require.NoError(t, e.Commit(writer))
	assert.Equal(t, []int64{1, 2}, userIDs(t, e))
}

func TestParse(t *testing.T) {
	desc, err := ParseSchema([]string{"id:int64", "name: STRING", "ref:uuid"})
	require.NoError(t, err)
	assert.Equal(t, 3, desc.NumFields())

	ref := uuid.New()
	values, err := ParseRow(desc, []string{"42", "bob", ref.String()})
	require.NoError(t, err)
	assert.Equal(t, []storage.Value{
		storage.Int64Value(42),
		storage.StringValue("bob"),
		storage.UUIDValue(ref),
	}, values)

	_, err = ParseSchema([]string{"id"})
	assert.Error(t, err)
	_, err = ParseSchema([]string{"id:float"})
	assert.ErrorIs(t, err, storage.ErrUnknownType)
	_, err = ParseRow(desc, []string{"42"})
	assert.ErrorIs(t, err, storage.ErrSchemaMismatch)
	_, err = ParseRow(desc, []string{"x", "bob", ref.String()})
	assert.Error(t, err)
}

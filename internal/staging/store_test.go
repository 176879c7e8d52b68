package staging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sp(s string) *string { return &s }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func seed(t *testing.T, st *Store, table string, cols []string, rows ...Row) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.ResetTable(ctx, table, cols))
	require.NoError(t, st.InsertRows(ctx, table, cols, rows))
}

func TestResetInsertRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cols := []string{"ClassID", "Credit"}

	seed(t, st, "classes_raw", cols,
		Row{Fields: map[string]*string{"ClassID": sp("ehss 7a"), "Credit": sp("3")}},
		Row{Fields: map[string]*string{"ClassID": sp("IR-101"), "Credit": nil}},
		Row{ID: 10, Fields: map[string]*string{"ClassID": sp("x")}},
	)

	ok, err := st.TableExists(ctx, "classes_raw")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.TableExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.Columns(ctx, "classes_raw")
	require.NoError(t, err)
	assert.Equal(t, cols, got)

	rows, err := st.ReadRows(ctx, "classes_raw", nil, 0, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].ID)
	assert.Equal(t, "ehss 7a", *rows[0].Get("ClassID"))
	assert.Nil(t, rows[1].Get("Credit"))

	rows, err = st.ReadRows(ctx, "classes_raw", []string{"ClassID"}, rows[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10), rows[0].ID)
	assert.Equal(t, "x", *rows[0].Get("ClassID"))

	n, err := st.Count(ctx, "classes_raw", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, st.ResetTable(ctx, "classes_raw", cols))
	n, err = st.Count(ctx, "classes_raw", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQuotedIdentifiers(t *testing.T) {
	st := newTestStore(t)
	cols := []string{"Order", `we"ird`, "has space"}
	seed(t, st, "select", cols, Row{Fields: map[string]*string{"Order": sp("1"), `we"ird`: sp("2"), "has space": sp("3")}})

	rows, err := st.ReadRows(context.Background(), "select", nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", *rows[0].Get(`we"ird`))
	assert.Equal(t, `"a""b"`, Quote(`a"b`))
}

func TestFindAndCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cols := []string{"legacy_id", "_is_valid"}
	seed(t, st, "students", cols,
		Row{Fields: map[string]*string{"legacy_id": sp("1"), "_is_valid": sp("true")}},
		Row{Fields: map[string]*string{"legacy_id": sp("2"), "_is_valid": sp("false")}},
		Row{Fields: map[string]*string{"legacy_id": sp("1"), "_is_valid": sp("false")}},
	)

	rows, err := st.FindRows(ctx, "students", map[string]string{"legacy_id": "1"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].ID)

	rows, err = st.FindRows(ctx, "students", map[string]string{"legacy_id": "1"}, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	n, err := st.Count(ctx, "students", map[string]string{"_is_valid": "true"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.Count(ctx, "students", map[string]string{"_is_valid": "false", "legacy_id": "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.FindRows(ctx, "missing", nil, 0)
	assert.Error(t, err)
}

func TestDistinctPairs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seed(t, st, "c_raw", []string{"ClassID"},
		Row{ID: 1, Fields: map[string]*string{"ClassID": sp("ehss 7a")}},
		Row{ID: 2, Fields: map[string]*string{"ClassID": sp("ehss 7a")}},
		Row{ID: 3, Fields: map[string]*string{"ClassID": sp("NULL")}},
		Row{ID: 4, Fields: map[string]*string{"ClassID": nil}},
	)
	seed(t, st, "c_cleaned", []string{"class_code"},
		Row{ID: 1, Fields: map[string]*string{"class_code": sp("EHSS-7A")}},
		Row{ID: 2, Fields: map[string]*string{"class_code": sp("EHSS-7A")}},
		Row{ID: 3, Fields: map[string]*string{"class_code": nil}},
		Row{ID: 4, Fields: map[string]*string{"class_code": nil}},
	)

	pairs, err := st.DistinctPairs(ctx, "c_raw", "ClassID", "c_cleaned", "class_code")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "EHSS-7A", *pairs["ehss 7a"])
	v, ok := pairs["NULL"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestTransact(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cols := []string{"a"}

	t.Run("rollback when not committing", func(t *testing.T) {
		err := st.Transact(ctx, false, func(tx *Store) error {
			assert.True(t, tx.InTx())
			require.NoError(t, tx.ResetTable(ctx, "dry", cols))
			require.NoError(t, tx.InsertRows(ctx, "dry", cols, []Row{{Fields: map[string]*string{"a": sp("1")}}}))
			n, err := tx.Count(ctx, "dry", nil)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n, "visible inside the transaction")
			return nil
		})
		require.NoError(t, err)
		ok, err := st.TableExists(ctx, "dry")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("commit", func(t *testing.T) {
		err := st.Transact(ctx, true, func(tx *Store) error {
			return tx.ResetTable(ctx, "wet", cols)
		})
		require.NoError(t, err)
		ok, err := st.TableExists(ctx, "wet")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := st.Transact(ctx, true, func(tx *Store) error {
			require.NoError(t, tx.ResetTable(ctx, "failed", cols))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		ok, err := st.TableExists(ctx, "failed")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("nested reuses outer", func(t *testing.T) {
		err := st.Transact(ctx, false, func(tx *Store) error {
			return tx.Transact(ctx, true, func(inner *Store) error {
				assert.Same(t, tx, inner)
				return inner.ResetTable(ctx, "nested", cols)
			})
		})
		require.NoError(t, err)
		ok, err := st.TableExists(ctx, "nested")
		require.NoError(t, err)
		assert.False(t, ok, "inner commit does not escape an outer dry run")
	})
}

func TestOpenMemory(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.EnsureTable(ctx, "t", []string{"a"}))
	require.NoError(t, st.EnsureTable(ctx, "t", []string{"a"}))
	ok, err := st.TableExists(ctx, "t")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, st.DropTable(ctx, "t"))
	ok, err = st.TableExists(ctx, "t")
	require.NoError(t, err)
	assert.False(t, ok)
}

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/bptdb/core/storage/page"
)

func TestResolveAssignsStableIDs(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir, 10, nil)
	require.NoError(t, err)

	a, err := c.Resolve("DATA1")
	require.NoError(t, err)
	require.Equal(t, page.TableID(1), a.ID)
	require.Equal(t, filepath.Join(dir, "DATA1"), c.Path(a))

	b, err := c.Resolve("DATA2")
	require.NoError(t, err)
	require.Equal(t, page.TableID(2), b.ID)

	again, err := c.Resolve("DATA1")
	require.NoError(t, err)
	require.Equal(t, a, again)

	// A reload sees the same ids and database id.
	c2, err := Load(dir, 10, nil)
	require.NoError(t, err)
	require.Equal(t, c.DatabaseID(), c2.DatabaseID())
	got, err := c2.Lookup(2)
	require.NoError(t, err)
	require.Equal(t, "DATA2", got.Name)
	require.Equal(t, []Entry{a, b}, c2.Entries())

	c3, err := c2.Resolve("DATA3")
	require.NoError(t, err)
	require.Equal(t, page.TableID(3), c3.ID)
}

func TestResolveEnforcesTableLimit(t *testing.T) {
	c, err := Load(t.TempDir(), 2, nil)
	require.NoError(t, err)
	_, err = c.Resolve("a")
	require.NoError(t, err)
	_, err = c.Resolve("b")
	require.NoError(t, err)
	_, err = c.Resolve("c")
	require.ErrorIs(t, err, ErrTooManyTables)

	// Existing names still resolve.
	_, err = c.Resolve("a")
	require.NoError(t, err)
}

func TestResolveRejectsBadNames(t *testing.T) {
	c, err := Load(t.TempDir(), 10, nil)
	require.NoError(t, err)
	for _, name := range []string{"", ".", "..", "a/b", "../x", FileName, "bptdb.wal"} {
		_, err := c.Resolve(name)
		require.ErrorIs(t, err, ErrInvalidTableName, name)
	}
}

func TestLookupUnknown(t *testing.T) {
	c, err := Load(t.TempDir(), 10, nil)
	require.NoError(t, err)
	_, err = c.Lookup(4)
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("database_id: nope\nnext_id: 1\n"), 0644))
	_, err := Load(dir, 10, nil)
	require.ErrorIs(t, err, ErrCorruptCatalog)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(
		"database_id: 6f1c28a4-7f0e-4f43-9a39-0d3c3c1f2a10\nnext_id: 2\ntables:\n  - {id: 5, name: x, file: x}\n"), 0644))
	_, err = Load(dir, 10, nil)
	require.ErrorIs(t, err, ErrCorruptCatalog)
}

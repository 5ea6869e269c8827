package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
)

func openTemp(t *testing.T) (*DiskManager, bool) {
	t.Helper()
	dm, created, err := Open(filepath.Join(t.TempDir(), "DATA1"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm, created
}

func TestReadWritePage(t *testing.T) {
	dm, created := openTemp(t)
	require.True(t, created)
	require.Equal(t, "DATA1", filepath.Base(dm.Path()))

	out := make([]byte, page.Size)
	for i := range out {
		out[i] = byte(i)
	}
	require.NoError(t, dm.WritePage(2*page.Size, out))

	in := make([]byte, page.Size)
	require.NoError(t, dm.ReadPage(2*page.Size, in))
	require.Equal(t, out, in)

	size, err := dm.Size()
	require.NoError(t, err)
	require.Equal(t, int64(3*page.Size), size)
}

// TestReadBeyondEOF verifies that unwritten pages read back as zeros even if
// the buffer held garbage.
func TestReadBeyondEOF(t *testing.T) {
	dm, _ := openTemp(t)
	buf := make([]byte, page.Size)
	for i := range buf {
		buf[i] = 0xff
	}
	require.NoError(t, dm.ReadPage(10*page.Size, buf))
	require.Equal(t, make([]byte, page.Size), buf)
}

func TestReopenIsNotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "DATA2")
	dm, created, err := Open(path, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, dm.WritePage(page.HeaderOffset, make([]byte, page.Size)))
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close())

	dm, created, err = Open(path, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, dm.Close())

	require.ErrorIs(t, dm.ReadPage(0, make([]byte, page.Size)), ErrFileClosed)
}

func TestRejectsBadArguments(t *testing.T) {
	dm, _ := openTemp(t)
	require.ErrorIs(t, dm.ReadPage(100, make([]byte, page.Size)), page.ErrInvalidOffset)
	require.ErrorIs(t, dm.WritePage(0, make([]byte, 10)), page.ErrShortPage)
}

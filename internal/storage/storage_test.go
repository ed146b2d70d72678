package storage

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// both runs a test against the disk and memory implementations so they stay
// interchangeable.
func both(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Helper()
	t.Run("disk", func(t *testing.T) {
		disk, err := NewDisk(t.TempDir())
		require.NoError(t, err)
		fn(t, disk)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

func TestWriteReadRoundTrip(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.Write("a/b/file.bin", []byte("payload")))

		assert.True(t, s.Exists("a/b/file.bin"))
		data, err := s.Read("a/b/file.bin")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)

		size, err := s.Size("a/b/file.bin")
		require.NoError(t, err)
		assert.Equal(t, int64(7), size)
	})
}

func TestReadMissingIsErrNotFound(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		_, err := s.Read("nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Size("nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Open("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAppendConcatenates(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.Write("out.bin", []byte("aa")))
		require.NoError(t, s.Append("out.bin", []byte("bb")))
		require.NoError(t, s.Append("out.bin", []byte("cc")))

		data, err := s.Read("out.bin")
		require.NoError(t, err)
		assert.Equal(t, "aabbcc", string(data))
	})
}

func TestWriteFromReportsSize(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		n, err := s.WriteFrom("in.bin", strings.NewReader("twelve bytes"))
		require.NoError(t, err)
		assert.Equal(t, int64(12), n)
	})
}

func TestListReturnsDirectChildren(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.Write("dir/chunk_0", []byte("a")))
		require.NoError(t, s.Write("dir/chunk_1", []byte("b")))
		require.NoError(t, s.Write("dir/nested/deep", []byte("c")))
		require.NoError(t, s.Write("other/chunk_9", []byte("d")))

		names, err := s.List("dir")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"chunk_0", "chunk_1", "nested"}, names)
	})
}

func TestListMissingDirIsEmpty(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		names, err := s.List("ghost")
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}

func TestDeleteRemovesSubtree(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.Write("dir/a", []byte("a")))
		require.NoError(t, s.Write("dir/sub/b", []byte("b")))
		require.NoError(t, s.Write("keep", []byte("k")))

		require.NoError(t, s.Delete("dir"))
		assert.False(t, s.Exists("dir/a"))
		assert.False(t, s.Exists("dir/sub/b"))
		assert.True(t, s.Exists("keep"))

		// Deleting an absent path is not an error.
		assert.NoError(t, s.Delete("dir"))
	})
}

func TestWriteNewIsExclusive(t *testing.T) {
	both(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.WriteNew("dir/manifest", []byte("first")))

		err := s.WriteNew("dir/manifest", []byte("second"))
		assert.ErrorIs(t, err, ErrExists)

		// The loser must not clobber the winner's content.
		data, err := s.Read("dir/manifest")
		require.NoError(t, err)
		assert.Equal(t, "first", string(data))
	})
}

func TestDiskAcceptsRelativeRoot(t *testing.T) {
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	// Roots spelled with a leading ./ (the shipped defaults) must behave
	// the same as absolute roots.
	disk, err := NewDisk("./uploads")
	require.NoError(t, err)

	require.NoError(t, disk.Write("temp/vid/chunk_0", []byte("payload")))
	assert.True(t, disk.Exists("temp/vid/chunk_0"))

	data, err := disk.Read("temp/vid/chunk_0")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	names, err := disk.List("temp/vid")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk_0"}, names)

	// Escapes are still fenced off relative roots.
	assert.Error(t, disk.Write("../outside", []byte("x")))
}

func TestDiskRejectsRootEscape(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"../outside", "a/../../outside", ".."} {
		assert.Error(t, disk.Write(p, []byte("x")), "path %q", p)
		_, err := disk.Read(p)
		assert.Error(t, err, "path %q", p)
	}

	// Absolute paths are contained under the root, not treated as escapes.
	require.NoError(t, disk.Write("/contained.bin", []byte("x")))
	assert.True(t, disk.Exists("contained.bin"))
}

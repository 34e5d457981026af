package pnlfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirInsertAndLookup(t *testing.T) {
	var block DirBlock
	n, err := DirInsert(&block, 0, 5, "foo")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	ino, ok := DirLookup(&block, n, "foo")
	require.True(t, ok)
	require.EqualValues(t, 5, ino)

	_, ok = DirLookup(&block, n, "bar")
	require.False(t, ok)
}

func TestDirInsertRejectsOversizeName(t *testing.T) {
	var block DirBlock
	_, err := DirInsert(&block, 0, 1, "this-name-is-definitely-longer-than-the-limit")
	require.ErrorAs(t, err, &NameTooLongError{})
}

func TestDirInsertRejectsFullDirectory(t *testing.T) {
	var block DirBlock
	_, err := DirInsert(&block, MaxDirEntries, 1, "x")
	require.ErrorIs(t, err, DirFull)
}

func TestDirRemoveCompactsWithoutGap(t *testing.T) {
	var block DirBlock
	n, _ := DirInsert(&block, 0, 1, "a")
	n, _ = DirInsert(&block, n, 2, "b")
	n, _ = DirInsert(&block, n, 3, "c")

	removed, n, err := DirRemove(&block, n, "a")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
	require.EqualValues(t, 2, n)

	// "b" and "c" should have shifted left by one slot each, preserving
	// their relative order, rather than "c" swapping into "a"'s hole.
	require.Equal(t, "b", block.Entries[0].Name())
	require.EqualValues(t, 2, block.Entries[0].Ino)
	require.Equal(t, "c", block.Entries[1].Name())
	require.EqualValues(t, 3, block.Entries[1].Ino)

	ino, ok := DirLookup(&block, n, "c")
	require.True(t, ok)
	require.EqualValues(t, 3, ino)

	ino, ok = DirLookup(&block, n, "b")
	require.True(t, ok)
	require.EqualValues(t, 2, ino)

	_, ok = DirLookup(&block, n, "a")
	require.False(t, ok)
}

func TestDirRemoveNotFound(t *testing.T) {
	var block DirBlock
	_, _, err := DirRemove(&block, 0, "missing")
	require.ErrorIs(t, err, NotFound)
}

func TestDirEntriesPrependsImplicitDotAndDotDot(t *testing.T) {
	var block DirBlock
	n, _ := DirInsert(&block, 0, 1, "a")
	n, _ = DirInsert(&block, n, 2, "b")

	entries := DirEntries(&block, n, 10, 20)
	require.Len(t, entries, 4)
	require.Equal(t, ".", entries[0].Name())
	require.EqualValues(t, 10, entries[0].Ino)
	require.Equal(t, "..", entries[1].Name())
	require.EqualValues(t, 20, entries[1].Ino)
	require.Equal(t, "a", entries[2].Name())
	require.Equal(t, "b", entries[3].Name())
}

package pnlfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestVolume(t *testing.T) *Volume {
	t.Helper()
	device := NewMemoryBlockDevice(256)
	require.NoError(t, Format(device, FormatOptions{NrBlocks: 256, NrInodes: 64}, nil))
	vol, err := Mount(device, MountOptions{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Unmount() })
	return vol
}

func TestFormatThenMountProducesEmptyRoot(t *testing.T) {
	vol := newTestVolume(t)
	entries, err := vol.Readdir(RootIno, RootIno)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ".", entries[0].Name())
	require.Equal(t, RootIno, entries[0].Ino)
	require.Equal(t, "..", entries[1].Name())
	require.Equal(t, RootIno, entries[1].Ino)

	info, err := vol.Stat(RootIno)
	require.NoError(t, err)
	require.True(t, info.Mode.IsDir())
}

func TestCreateLookupUnlink(t *testing.T) {
	vol := newTestVolume(t)

	ino, err := vol.Create(RootIno, "hello.txt", 0o644)
	require.NoError(t, err)

	got, err := vol.Lookup(RootIno, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, ino, got)

	info, err := vol.Stat(ino)
	require.NoError(t, err)
	require.True(t, info.Mode.IsRegular())

	invalidated, err := vol.Unlink(RootIno, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, ino, invalidated)
	_, err = vol.Lookup(RootIno, "hello.txt")
	require.ErrorIs(t, err, NotFound)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	vol := newTestVolume(t)
	_, err := vol.Create(RootIno, "dup", 0o644)
	require.NoError(t, err)
	_, err = vol.Create(RootIno, "dup", 0o644)
	require.ErrorIs(t, err, NameExists)
}

func TestUnlinkOnDirectoryFails(t *testing.T) {
	vol := newTestVolume(t)
	_, err := vol.Mkdir(RootIno, "sub", 0o755)
	require.NoError(t, err)
	_, err = vol.Unlink(RootIno, "sub")
	require.ErrorIs(t, err, IsADirectory)
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	vol := newTestVolume(t)
	subIno, err := vol.Mkdir(RootIno, "sub", 0o755)
	require.NoError(t, err)

	entries, err := vol.Readdir(subIno, RootIno)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, subIno, entries[0].Ino)
	require.Equal(t, RootIno, entries[1].Ino)

	invalidated, err := vol.Rmdir(RootIno, "sub")
	require.NoError(t, err)
	require.Equal(t, subIno, invalidated)
	_, err = vol.Lookup(RootIno, "sub")
	require.ErrorIs(t, err, NotFound)
}

func TestRmdirRequiresEmpty(t *testing.T) {
	vol := newTestVolume(t)
	_, err := vol.Mkdir(RootIno, "sub", 0o755)
	require.NoError(t, err)
	_, err = vol.Create(subInoOf(t, vol, "sub"), "inner.txt", 0o644)
	require.NoError(t, err)
	_, err = vol.Rmdir(RootIno, "sub")
	require.ErrorIs(t, err, NotEmpty)
}

func subInoOf(t *testing.T, vol *Volume, name string) Ino {
	t.Helper()
	ino, err := vol.Lookup(RootIno, name)
	require.NoError(t, err)
	return ino
}

func TestRenameWithinSameDirectory(t *testing.T) {
	vol := newTestVolume(t)
	ino, err := vol.Create(RootIno, "old.txt", 0o644)
	require.NoError(t, err)

	displaced, err := vol.Rename(RootIno, "old.txt", RootIno, "new.txt")
	require.NoError(t, err)
	require.Zero(t, displaced)

	got, err := vol.Lookup(RootIno, "new.txt")
	require.NoError(t, err)
	require.Equal(t, ino, got)

	_, err = vol.Lookup(RootIno, "old.txt")
	require.ErrorIs(t, err, NotFound)
}

func TestRenameAcrossDirectoriesReplacesTarget(t *testing.T) {
	vol := newTestVolume(t)
	subIno, err := vol.Mkdir(RootIno, "sub", 0o755)
	require.NoError(t, err)

	movedIno, err := vol.Create(RootIno, "a.txt", 0o644)
	require.NoError(t, err)
	replacedIno, err := vol.Create(subIno, "a.txt", 0o644)
	require.NoError(t, err)

	displaced, err := vol.Rename(RootIno, "a.txt", subIno, "a.txt")
	require.NoError(t, err)
	require.Equal(t, replacedIno, displaced)

	got, err := vol.Lookup(subIno, "a.txt")
	require.NoError(t, err)
	require.Equal(t, movedIno, got)

	_, err = vol.Lookup(RootIno, "a.txt")
	require.ErrorIs(t, err, NotFound)
}

func TestRenameAllowsDisplacingADirectoryWithAFile(t *testing.T) {
	vol := newTestVolume(t)
	_, err := vol.Mkdir(RootIno, "was-a-dir", 0o755)
	require.NoError(t, err)
	fileIno, err := vol.Create(RootIno, "a-file", 0o644)
	require.NoError(t, err)

	_, err = vol.Rename(RootIno, "a-file", RootIno, "was-a-dir")
	require.NoError(t, err)

	got, err := vol.Lookup(RootIno, "was-a-dir")
	require.NoError(t, err)
	require.Equal(t, fileIno, got)
}

func TestRootCannotBeRemoved(t *testing.T) {
	vol := newTestVolume(t)
	_, err := vol.Rmdir(RootIno, ".")
	require.ErrorIs(t, err, NotFound)
}

func TestSyncPreservesFreeCounters(t *testing.T) {
	vol := newTestVolume(t)
	before := vol.Superblock()

	_, err := vol.Create(RootIno, "f.txt", 0o644)
	require.NoError(t, err)
	_, err = vol.Unlink(RootIno, "f.txt")
	require.NoError(t, err)

	require.NoError(t, vol.Sync())
	after := vol.Superblock()
	require.Equal(t, before.NrFreeInodes, after.NrFreeInodes)
	require.Equal(t, before.NrFreeBlocks, after.NrFreeBlocks)
}

func TestUnmountTwiceFails(t *testing.T) {
	device := NewMemoryBlockDevice(256)
	require.NoError(t, Format(device, FormatOptions{NrBlocks: 256, NrInodes: 64}, nil))
	vol, err := Mount(device, MountOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, vol.Unmount())
	require.ErrorIs(t, vol.Unmount(), ErrVolumeAlreadyUnmounted)
}

func TestMountAppliesRootModeOverrideOnce(t *testing.T) {
	device := NewMemoryBlockDevice(256)
	require.NoError(t, Format(device, FormatOptions{NrBlocks: 256, NrInodes: 64}, nil))

	// Simulate an image whose root inode was never given a mode word
	// (a foreign formatter, or a zeroed image), the case the fixup
	// targets.
	zeroRootMode(t, device)

	vol, err := Mount(device, MountOptions{RootMode: ModeDir | 0o700}, nil)
	require.NoError(t, err)
	info, err := vol.Stat(RootIno)
	require.NoError(t, err)
	require.Equal(t, Mode(ModeDir|0o700), info.Mode)
	require.NoError(t, vol.Unmount())

	// A second mount with a different override must not clobber the
	// now-nonzero mode the first Mount already established.
	vol2, err := Mount(device, MountOptions{RootMode: ModeDir | 0o755}, nil)
	require.NoError(t, err)
	info2, err := vol2.Stat(RootIno)
	require.NoError(t, err)
	require.Equal(t, Mode(ModeDir|0o700), info2.Mode)
	require.NoError(t, vol2.Unmount())
}

func zeroRootMode(t *testing.T, device *MemoryBlockDevice) {
	t.Helper()
	var sbBuf [BlockSize]byte
	require.NoError(t, device.ReadBlock(SuperblockNr, sbBuf[:]))
	sb, err := DecodeSuperblock(&sbBuf)
	require.NoError(t, err)

	var buf [BlockSize]byte
	require.NoError(t, device.ReadBlock(sb.istoreLo(), buf[:]))
	var recBuf [InodeRecordSize]byte
	copy(recBuf[:], buf[0:InodeRecordSize])
	rec := DecodeInodeRecord(&recBuf)
	rec.Mode = 0
	EncodeInodeRecord(&rec, &recBuf)
	copy(buf[0:InodeRecordSize], recBuf[:])
	require.NoError(t, device.WriteBlock(sb.istoreLo(), buf[:]))
}

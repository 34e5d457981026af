package pnlfs

import "testing"

func TestSuperblockRoundTrip(t *testing.T) {
	want := Superblock{
		Magic:          Magic,
		NrBlocks:       1024,
		NrInodes:       128,
		NrIstoreBlocks: 2,
		NrIfreeBlocks:  1,
		NrBfreeBlocks:  1,
		NrFreeInodes:   127,
		NrFreeBlocks:   1019,
	}
	var buf [BlockSize]byte
	EncodeSuperblock(&want, &buf)
	got, err := DecodeSuperblock(&buf)
	if err != nil {
		t.Fatalf("DecodeSuperblock() = %v, want nil", err)
	}
	if got != want {
		t.Fatalf("DecodeSuperblock() = %+v, want %+v", got, want)
	}
}

func TestDecodeSuperblockRejectsBadMagic(t *testing.T) {
	var buf [BlockSize]byte
	if _, err := DecodeSuperblock(&buf); err == nil {
		t.Fatal("DecodeSuperblock() on a zeroed buffer should fail")
	}
}

func TestInodeRecordRoundTrip(t *testing.T) {
	want := InodeRecord{Mode: ModeDir | 0o755, IndexBlock: 7, FileSize: 0, NrEntries: 3}
	var buf [InodeRecordSize]byte
	EncodeInodeRecord(&want, &buf)
	got := DecodeInodeRecord(&buf)
	if got != want {
		t.Fatalf("DecodeInodeRecord() = %+v, want %+v", got, want)
	}
}

func TestDirEntryNameRoundTrip(t *testing.T) {
	var entry DirEntry
	entry.SetName("hello.txt")
	if got := entry.Name(); got != "hello.txt" {
		t.Fatalf("Name() = %q, want %q", got, "hello.txt")
	}
}

func TestDirEntryNameExactLength(t *testing.T) {
	var entry DirEntry
	name := "abcdefghijklmnopqrstuvwxyzAB" // exactly FilenameLen bytes
	if len(name) != FilenameLen {
		t.Fatalf("test fixture name is %d bytes, want %d", len(name), FilenameLen)
	}
	entry.SetName(name)
	if got := entry.Name(); got != name {
		t.Fatalf("Name() = %q, want %q", got, name)
	}
}

func TestDirBlockRoundTrip(t *testing.T) {
	var want DirBlock
	want.Entries[0] = DirEntry{Ino: 1}
	want.Entries[0].SetName("a")
	want.Entries[1] = DirEntry{Ino: 2}
	want.Entries[1].SetName("b")

	var buf [BlockSize]byte
	EncodeDirBlock(&want, &buf)
	got := DecodeDirBlock(&buf)
	if got != want {
		t.Fatalf("DecodeDirBlock() did not round-trip")
	}
}

func TestFileIndexBlockRoundTrip(t *testing.T) {
	var want FileIndexBlock
	want.Blocks[0] = 42
	want.Blocks[1] = 43

	var buf [BlockSize]byte
	EncodeFileIndexBlock(&want, &buf)
	got := DecodeFileIndexBlock(&buf)
	if got != want {
		t.Fatalf("DecodeFileIndexBlock() did not round-trip")
	}
}

package inode

import (
	"syscall"
	"testing"
)

func TestMakeStatModeFile(t *testing.T) {
	// Owner bits mirror into group, other is cleared, files never
	// carry an execute bit.
	mode := MakeStatMode(syscall.S_IFREG|0o755, false)
	if mode != syscall.S_IFREG|0o660 {
		t.Errorf("mode = %o, want %o", mode, syscall.S_IFREG|0o660)
	}
}

func TestMakeStatModeDirectory(t *testing.T) {
	// Directories always get the owner execute bit.
	mode := MakeStatMode(syscall.S_IFDIR|0o600, false)
	if mode != syscall.S_IFDIR|0o770 {
		t.Errorf("mode = %o, want %o", mode, syscall.S_IFDIR|0o770)
	}
}

func TestMakeStatModeReadOnly(t *testing.T) {
	mode := MakeStatMode(syscall.S_IFREG|0o660, true)
	if mode != syscall.S_IFREG|0o440 {
		t.Errorf("mode = %o, want %o", mode, syscall.S_IFREG|0o440)
	}

	mode = MakeStatMode(syscall.S_IFDIR|0o700, true)
	if mode != syscall.S_IFDIR|0o550 {
		t.Errorf("dir mode = %o, want %o", mode, syscall.S_IFDIR|0o550)
	}
}

func TestMakeStat(t *testing.T) {
	attr := MakeStat(42, syscall.S_IFREG|0o660, 1536, 100, 200, 300, false)

	if attr.Ino != 42 {
		t.Errorf("Ino = %d, want 42", attr.Ino)
	}
	if attr.Mode != syscall.S_IFREG|0o660 {
		t.Errorf("Mode = %o, want %o", attr.Mode, syscall.S_IFREG|0o660)
	}
	if attr.Size != 1536 {
		t.Errorf("Size = %d, want 1536", attr.Size)
	}
	if attr.Blocks != 3 {
		t.Errorf("Blocks = %d, want 3", attr.Blocks)
	}
	if attr.Atime != 100 || attr.Mtime != 200 || attr.Ctime != 300 {
		t.Errorf("times = %d/%d/%d, want 100/200/300", attr.Atime, attr.Mtime, attr.Ctime)
	}
	if attr.Nlink != 1 {
		t.Errorf("Nlink = %d, want 1", attr.Nlink)
	}
}

func TestMakeStatDirectoryNlink(t *testing.T) {
	attr := MakeStat(7, syscall.S_IFDIR|0o770, 0, 0, 0, 0, false)
	if attr.Nlink != 2 {
		t.Errorf("Nlink = %d, want 2", attr.Nlink)
	}
}

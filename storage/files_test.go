package storage

import (
	"errors"
	"testing"
)

func TestShareFileCRUD(t *testing.T) {
	store := newTestStore(t)

	shared, err := store.ShareFile("notes.txt", []byte("hello world"), "/home/user/notes.txt")
	if err != nil {
		t.Fatalf("ShareFile failed: %v", err)
	}
	if shared.BlobKey != SharedFileKey("notes.txt") || shared.Filesize != 11 {
		t.Fatalf("unexpected shared file: %+v", shared)
	}
	if shared.Checksum != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Fatalf("unexpected checksum: %q", shared.Checksum)
	}

	data, err := store.GetBlob(shared.BlobKey)
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected shared blob: %q", data)
	}

	got, err := store.GetSharedFile("notes.txt")
	if err != nil {
		t.Fatalf("GetSharedFile failed: %v", err)
	}
	if got.SourcePath == nil || *got.SourcePath != "/home/user/notes.txt" {
		t.Fatalf("unexpected source path: %v", got.SourcePath)
	}

	if _, err := store.ShareFile("notes.txt", []byte("v2"), ""); err != nil {
		t.Fatalf("ShareFile replace failed: %v", err)
	}
	list, err := store.ListSharedFiles()
	if err != nil {
		t.Fatalf("ListSharedFiles failed: %v", err)
	}
	if len(list) != 1 || list[0].Filesize != 2 || list[0].SourcePath != nil {
		t.Fatalf("unexpected shared list: %+v", list)
	}

	if err := store.UnshareFile("notes.txt"); err != nil {
		t.Fatalf("UnshareFile failed: %v", err)
	}
	if _, err := store.GetBlob(shared.BlobKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected shared blob removed, got %v", err)
	}
	if err := store.UnshareFile("notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unshare, got %v", err)
	}
}

func TestShareFileRejectsPathNames(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"", "   ", "dir/file.txt", "..", "."} {
		if _, err := store.ShareFile(name, []byte("x"), ""); err == nil {
			t.Fatalf("expected error for filename %q", name)
		}
	}
}

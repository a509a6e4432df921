package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreWriteRead(t *testing.T) {
	s := NewStore(t.TempDir())

	content := []byte("Hello")
	hash := HashChunk(content)
	if _, err := s.WriteRaw(hash, content); err != nil {
		t.Fatal(err)
	}

	size, r, err := s.ReadStream(hash)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if size != int64(len(content)) {
		t.Errorf("Expected size %d, got %d", len(content), size)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestStoreCASLayout(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	hash := HashChunk([]byte("layout"))
	cas := s.CASPath(hash)
	want := filepath.Join(root, hash[0:8], hash[8:16], hash[16:24], hash[24:32])
	if cas.Path != want {
		t.Fatalf("CAS dir = %s, want %s", cas.Path, want)
	}
	if cas.Filename != hash {
		t.Fatalf("CAS filename = %s, want %s", cas.Filename, hash)
	}
}

func TestStoreWriteLeavesNoTempFiles(t *testing.T) {
	s := NewStore(t.TempDir())
	data := []byte("atomic")
	hash := HashChunk(data)
	if _, err := s.WriteRaw(hash, data); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.CASPath(hash).Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != hash {
		t.Fatalf("expected only the chunk file, got %v", entries)
	}
}

func TestStoreDelete(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	data := []byte("Hello my boi")
	hash := HashChunk(data)
	if _, err := s.WriteRaw(hash, data); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(hash); err != nil {
		t.Fatal(err)
	}
	if s.Has(hash) {
		t.Error("expected file to be deleted")
	}
	// empty CAS directories are pruned back to the root
	if _, err := os.Stat(filepath.Join(root, hash[0:8])); !os.IsNotExist(err) {
		t.Errorf("expected top-level CAS dir to be pruned, stat err = %v", err)
	}
	// deleting again is not an error
	if err := s.Delete(hash); err != nil {
		t.Fatal(err)
	}
}

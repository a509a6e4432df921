package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type Path struct {
	Path     string
	Filename string
}

func (p Path) FullPath() string {
	return filepath.Join(p.Path, p.Filename)
}

// Store is the on-disk half of the chunk store: raw bytes in a
// content-addressed directory tree. The hex hash is split into four
// 8-character directory levels so no single directory grows large.
// Store knows nothing about reference counts; ChunkStore owns those.
type Store struct {
	RootDir string
}

func NewStore(rootDir string) *Store {
	return &Store{
		RootDir: rootDir,
	}
}

// CASPath maps a content hash to its location. The hash must already be
// validated with ValidHash.
func (s *Store) CASPath(hash string) Path {
	return Path{
		Path:     filepath.Join(s.RootDir, hash[0:8], hash[8:16], hash[16:24], hash[24:32]),
		Filename: hash,
	}
}

// WriteRaw writes data under hash. The bytes go to a temp file in the
// target directory first and are renamed into place, so a reader never
// sees a partial chunk.
func (s *Store) WriteRaw(hash string, data []byte) (int64, error) {
	cas := s.CASPath(hash)
	if err := mkdirAll(cas.Path); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(cas.Path, "."+hash[:8]+"-*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	n, err := tmp.Write(data)
	if err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, cas.FullPath()); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return int64(n), nil
}

// ReadStream opens the chunk for reading and reports its size.
func (s *Store) ReadStream(hash string) (int64, io.ReadCloser, error) {
	file, err := os.Open(s.CASPath(hash).FullPath())
	if err != nil {
		return 0, nil, err
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, nil, err
	}
	return fi.Size(), file, nil
}

// ReadChunk reads a chunk's raw bytes.
func (s *Store) ReadChunk(hash string) ([]byte, error) {
	size, r, err := s.ReadStream(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", hash, err)
	}
	return data, nil
}

// Delete removes the chunk file and prunes the directories it leaves empty.
func (s *Store) Delete(hash string) error {
	cas := s.CASPath(hash)
	if err := os.Remove(cas.FullPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	dir := cas.Path
	for dir != s.RootDir && len(dir) > len(s.RootDir) {
		// Remove fails on non-empty directories, which ends the walk.
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func (s *Store) Has(hash string) bool {
	_, err := os.Stat(s.CASPath(hash).FullPath())
	return err == nil
}

func (s *Store) Wipe() error {
	return os.RemoveAll(s.RootDir)
}

var mkdirAll = func(path string) error { return os.MkdirAll(path, 0o755) }

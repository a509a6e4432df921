// Package metadb persists node metadata (chunk reference counts, manifests,
// holder sets) in a leveldb instance. Values are JSON encoded.
package metadb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes. Each owning package uses exactly one.
const (
	PrefixRefCount = "r/"
	PrefixManifest = "m/"
)

var ErrNotFound = errors.New("metadb: key not found")

type DB struct {
	ldb *leveldb.DB
}

// Open opens (or creates) a database in dir.
func Open(dir string) (*DB, error) {
	ldb, err := leveldb.OpenFile(dir, &opt.Options{
		OpenFilesCacheCapacity: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata db %s: %w", dir, err)
	}
	return &DB{ldb: ldb}, nil
}

// OpenMem returns a database backed by memory, for tests.
func OpenMem() *DB {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// mem storage cannot fail to open
		panic(err)
	}
	return &DB{ldb: ldb}
}

func (db *DB) Close() error {
	return db.ldb.Close()
}

func (db *DB) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return db.ldb.Put([]byte(key), data, &opt.WriteOptions{Sync: true})
}

// GetJSON unmarshals the value at key into v. Returns ErrNotFound when absent.
func (db *DB) GetJSON(key string, v any) error {
	data, err := db.ldb.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (db *DB) Delete(key string) error {
	return db.ldb.Delete([]byte(key), &opt.WriteOptions{Sync: true})
}

// Batch groups writes that must land together.
type Batch struct {
	b   leveldb.Batch
	err error
}

func (b *Batch) PutJSON(key string, v any) {
	if b.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("marshal %s: %w", key, err)
		return
	}
	b.b.Put([]byte(key), data)
}

func (b *Batch) Delete(key string) {
	b.b.Delete([]byte(key))
}

func (b *Batch) Len() int {
	return b.b.Len()
}

// Write commits the batch atomically.
func (db *DB) Write(b *Batch) error {
	if b.err != nil {
		return b.err
	}
	if b.b.Len() == 0 {
		return nil
	}
	return db.ldb.Write(&b.b, &opt.WriteOptions{Sync: true})
}

// Iterate calls fn for every key under prefix, in key order, with the
// prefix stripped. Stops at the first error fn returns.
func (db *DB) Iterate(prefix string, fn func(key string, value []byte) error) error {
	it := db.ldb.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		// the iterator reuses its buffers
		val := append([]byte(nil), it.Value()...)
		if err := fn(string(it.Key()[len(prefix):]), val); err != nil {
			return err
		}
	}
	return it.Error()
}

package metadb

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetDelete(t *testing.T) {
	db := OpenMem()
	defer db.Close()

	require.NoError(t, db.PutJSON(PrefixRefCount+"abc", record{"abc", 2}))

	var got record
	require.NoError(t, db.GetJSON(PrefixRefCount+"abc", &got))
	assert.Equal(t, record{"abc", 2}, got)

	require.NoError(t, db.Delete(PrefixRefCount+"abc"))
	assert.ErrorIs(t, db.GetJSON(PrefixRefCount+"abc", &got), ErrNotFound)
}

func TestBatchAndIterate(t *testing.T) {
	db := OpenMem()
	defer db.Close()

	var b Batch
	b.PutJSON(PrefixManifest+"b.txt", record{"b", 1})
	b.PutJSON(PrefixManifest+"a.txt", record{"a", 1})
	b.PutJSON(PrefixRefCount+"a.txt", 1)
	require.Equal(t, 3, b.Len())
	require.NoError(t, db.Write(&b))

	var keys []string
	err := db.Iterate(PrefixManifest, func(key string, value []byte) error {
		var r record
		require.NoError(t, json.Unmarshal(value, &r))
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, keys)
}

func TestBatchMarshalError(t *testing.T) {
	db := OpenMem()
	defer db.Close()

	var b Batch
	b.PutJSON("x", make(chan int))
	assert.Error(t, db.Write(&b))
}

func TestOpenPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "meta")
	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.PutJSON("k", 7))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	var v int
	require.NoError(t, db.GetJSON("k", &v))
	assert.Equal(t, 7, v)
}

package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKVPutGet(t *testing.T) {
	kv := NewKV(NewMemFilesystem(), zap.NewNop())

	require.NoError(t, kv.Put("txn-1", []byte(`{"id":1}`)))

	got, err := kv.Get("txn-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":1}`), got)
}

func TestKVGetMissing(t *testing.T) {
	kv := NewKV(NewMemFilesystem(), zap.NewNop())

	_, err := kv.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, kv.Has("nope"))
}

func TestKVOverwriteAlternatesSlots(t *testing.T) {
	fs := NewMemFilesystem()
	kv := NewKV(fs, zap.NewNop())

	require.NoError(t, kv.Put("k", []byte("v1")))
	require.NoError(t, kv.Put("k", []byte("v2")))
	require.NoError(t, kv.Put("k", []byte("v3")))

	got, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got)

	// Both generation slots exist after repeated writes.
	_, err = fs.Stat("k.a")
	require.NoError(t, err)
	_, err = fs.Stat("k.b")
	require.NoError(t, err)
}

func TestKVTornWriteFallsBack(t *testing.T) {
	fs := NewMemFilesystem()
	kv := NewKV(fs, zap.NewNop())

	require.NoError(t, kv.Put("k", []byte("old")))
	require.NoError(t, kv.Put("k", []byte("new")))

	// Corrupt the newest slot, as a power cut mid-write would. The store
	// must serve the previous generation, never garbage and never an error.
	newest := "k.b"
	if got, _ := kv.Get("k"); string(got) != "new" {
		t.Fatalf("precondition failed: %q", got)
	}
	fs.Corrupt(newest, slotHeaderSize) // flip a body byte, breaking the CRC

	got, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)

	// The next Put heals the store.
	require.NoError(t, kv.Put("k", []byte("healed")))
	got, err = kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("healed"), got)
}

func TestKVBothSlotsCorrupt(t *testing.T) {
	fs := NewMemFilesystem()
	kv := NewKV(fs, zap.NewNop())

	require.NoError(t, kv.Put("k", []byte("v1")))
	require.NoError(t, kv.Put("k", []byte("v2")))
	fs.Corrupt("k.a", 0) // break the magic
	fs.Corrupt("k.b", 0)

	_, err := kv.Get("k")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestKVDelete(t *testing.T) {
	fs := NewMemFilesystem()
	kv := NewKV(fs, zap.NewNop())

	require.NoError(t, kv.Put("k", []byte("v1")))
	require.NoError(t, kv.Put("k", []byte("v2")))
	kv.Delete("k")

	_, err := kv.Get("k")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = fs.Stat("k.a")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = fs.Stat("k.b")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting a missing key is not an error.
	kv.Delete("k")
}

func TestKVWriteFailureKeepsOldValue(t *testing.T) {
	fs := NewMemFilesystem()
	kv := NewKV(fs, zap.NewNop())

	require.NoError(t, kv.Put("k", []byte("stable")))

	fs.WriteErr = errors.New("flash full")
	require.Error(t, kv.Put("k", []byte("lost")))
	fs.WriteErr = nil

	got, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), got)
}

func TestKVSurvivesRestart(t *testing.T) {
	fs := NewMemFilesystem()
	kv := NewKV(fs, zap.NewNop())
	require.NoError(t, kv.Put("k", []byte("persisted")))

	fs2 := NewMemFilesystem()
	fs2.Restore(fs.Snapshot())
	kv2 := NewKV(fs2, zap.NewNop())

	got, err := kv2.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

package storage

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOSFilesystemRoundTrip(t *testing.T) {
	fs, err := NewOSFilesystem(t.TempDir())
	require.NoError(t, err)

	f, err := fs.Open("blob", ModeWrite)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err := fs.Stat("blob")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fi.Size)

	f, err = fs.Open("blob", ModeRead)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, []byte("hello"), data)
}

func TestOSFilesystemMissing(t *testing.T) {
	fs, err := NewOSFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Stat("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = fs.Open("nope", ModeRead)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, fs.Remove("nope"))
}

func TestOSFilesystemFlattensPaths(t *testing.T) {
	fs, err := NewOSFilesystem(t.TempDir())
	require.NoError(t, err)

	// Directory components are stripped; the store is a flat namespace.
	f, err := fs.Open("../escape/blob", ModeWrite)
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = fs.Stat("blob")
	require.NoError(t, err)
}

func TestOSFilesystemWriteTruncates(t *testing.T) {
	fs, err := NewOSFilesystem(t.TempDir())
	require.NoError(t, err)

	for _, content := range []string{"long content", "short"} {
		f, err := fs.Open("blob", ModeWrite)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	fi, err := fs.Stat("blob")
	require.NoError(t, err)
	assert.Equal(t, int64(len("short")), fi.Size)
}

func TestKVOverOSFilesystem(t *testing.T) {
	fs, err := NewOSFilesystem(t.TempDir())
	require.NoError(t, err)
	kv := NewKV(fs, zap.NewNop())

	require.NoError(t, kv.Put("k", []byte("on disk")))
	got, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), got)
}

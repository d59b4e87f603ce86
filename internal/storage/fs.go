package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Stat and read-mode Open for missing paths.
var ErrNotFound = errors.New("storage: not found")

// Mode selects how a file is opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
)

// FileInfo describes a stored blob.
type FileInfo struct {
	Size int64
}

// File is one open handle. Seek always seeks from the start of the file.
type File interface {
	io.Reader
	io.Writer
	Seek(offset int64) (int64, error)
	Close() error
}

// Filesystem is the storage collaborator contract: a flat namespace of named
// byte blobs. All calls are synchronous. The engine core never assumes
// atomicity across files; anything above single-file granularity is built on
// top (see KV).
type Filesystem interface {
	Stat(path string) (FileInfo, error)
	Open(path string, mode Mode) (File, error)
	Remove(path string) bool
}

// OSFilesystem adapts the local disk under a root directory. It is the one
// concrete adapter the embedding application selects; on an embedded target a
// flash-filesystem adapter takes its place behind the same interface.
type OSFilesystem struct {
	root string
}

// NewOSFilesystem creates the directory if needed and returns the adapter.
func NewOSFilesystem(root string) (*OSFilesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &OSFilesystem{root: root}, nil
}

func (f *OSFilesystem) path(p string) string {
	return filepath.Join(f.root, filepath.Base(p))
}

func (f *OSFilesystem) Stat(path string) (FileInfo, error) {
	fi, err := os.Stat(f.path(path))
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return FileInfo{Size: fi.Size()}, nil
}

func (f *OSFilesystem) Open(path string, mode Mode) (File, error) {
	var flags int
	switch mode {
	case ModeRead:
		flags = os.O_RDONLY
	case ModeWrite:
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case ModeAppend:
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, fmt.Errorf("storage: unknown open mode %d", mode)
	}

	h, err := os.OpenFile(f.path(path), flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &osFile{h: h}, nil
}

func (f *OSFilesystem) Remove(path string) bool {
	return os.Remove(f.path(path)) == nil
}

type osFile struct {
	h *os.File
}

func (f *osFile) Read(p []byte) (int, error)  { return f.h.Read(p) }
func (f *osFile) Write(p []byte) (int, error) { return f.h.Write(p) }

func (f *osFile) Seek(offset int64) (int64, error) {
	return f.h.Seek(offset, io.SeekStart)
}

func (f *osFile) Close() error {
	// Fsync before close so an acknowledged journal write survives power loss.
	if err := f.h.Sync(); err != nil {
		f.h.Close()
		return err
	}
	return f.h.Close()
}

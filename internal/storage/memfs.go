package storage

import (
	"fmt"
	"io"
	"sync"
)

// MemFilesystem is an in-memory Filesystem used by tests and the simulator.
// WriteErr, when set, makes every Write fail, for exercising journal-write
// failure paths.
type MemFilesystem struct {
	mu       sync.Mutex
	files    map[string][]byte
	WriteErr error
}

func NewMemFilesystem() *MemFilesystem {
	return &MemFilesystem{files: make(map[string][]byte)}
}

// Snapshot returns a copy of all stored blobs. Tests use it to simulate a
// restart: build a fresh MemFilesystem from the snapshot of the old one.
func (m *MemFilesystem) Snapshot() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.files))
	for k, v := range m.files {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Restore replaces the filesystem contents with a snapshot.
func (m *MemFilesystem) Restore(files map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string][]byte, len(files))
	for k, v := range files {
		m.files[k] = append([]byte(nil), v...)
	}
}

// Corrupt flips a byte in the named file, simulating flash corruption.
func (m *MemFilesystem) Corrupt(path string, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.files[path]; ok && offset < len(b) {
		b[offset] ^= 0xFF
	}
}

func (m *MemFilesystem) Stat(path string) (FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return FileInfo{}, ErrNotFound
	}
	return FileInfo{Size: int64(len(b))}, nil
}

func (m *MemFilesystem) Open(path string, mode Mode) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch mode {
	case ModeRead:
		b, ok := m.files[path]
		if !ok {
			return nil, ErrNotFound
		}
		return &memFile{fs: m, path: path, buf: append([]byte(nil), b...)}, nil
	case ModeWrite:
		return &memFile{fs: m, path: path, writable: true}, nil
	case ModeAppend:
		b := m.files[path]
		return &memFile{fs: m, path: path, buf: append([]byte(nil), b...), pos: int64(len(b)), writable: true}, nil
	default:
		return nil, fmt.Errorf("storage: unknown open mode %d", mode)
	}
}

func (m *MemFilesystem) Remove(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	delete(m.files, path)
	return ok
}

type memFile struct {
	fs       *MemFilesystem
	path     string
	buf      []byte
	pos      int64
	writable bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, fmt.Errorf("storage: %s opened read-only", f.path)
	}
	if f.fs.WriteErr != nil {
		return 0, f.fs.WriteErr
	}
	if grow := f.pos + int64(len(p)) - int64(len(f.buf)); grow > 0 {
		f.buf = append(f.buf, make([]byte, grow)...)
	}
	copy(f.buf[f.pos:], p)
	f.pos += int64(len(p))
	return len(p), nil
}

func (f *memFile) Seek(offset int64) (int64, error) {
	if offset < 0 {
		return f.pos, fmt.Errorf("storage: negative seek offset")
	}
	f.pos = offset
	return f.pos, nil
}

func (f *memFile) Close() error {
	if f.writable {
		f.fs.mu.Lock()
		f.fs.files[f.path] = append([]byte(nil), f.buf...)
		f.fs.mu.Unlock()
	}
	return nil
}

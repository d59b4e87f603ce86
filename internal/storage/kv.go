package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"go.uber.org/zap"
)

// KV is a durable key/value store on top of the Filesystem collaborator.
//
// The underlying filesystem only guarantees single-file operations, so each
// key is stored as two generation slots, <key>.a and <key>.b. A write goes to
// the slot not holding the newest valid record and carries a higher sequence
// number; a read returns the body of the newest slot whose CRC verifies.
// A crash mid-write therefore leaves at most one invalid slot and the
// previous value stays visible, which gives callers atomic overwrite
// semantics.
type KV struct {
	fs  Filesystem
	log *zap.Logger
}

const slotMagic = "VKV1"

// slot header: magic(4) seq(4) len(4) crc(4), big endian.
const slotHeaderSize = 16

func NewKV(fs Filesystem, log *zap.Logger) *KV {
	return &KV{fs: fs, log: log}
}

type slot struct {
	valid bool
	seq   uint32
	body  []byte
}

func (kv *KV) readSlot(path string) slot {
	f, err := kv.fs.Open(path, ModeRead)
	if err != nil {
		return slot{}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil || len(data) < slotHeaderSize {
		return slot{}
	}
	if string(data[:4]) != slotMagic {
		return slot{}
	}

	seq := binary.BigEndian.Uint32(data[4:8])
	length := binary.BigEndian.Uint32(data[8:12])
	sum := binary.BigEndian.Uint32(data[12:16])

	if int(length) != len(data)-slotHeaderSize {
		return slot{}
	}
	body := data[slotHeaderSize:]
	if crc32.ChecksumIEEE(body) != sum {
		return slot{}
	}
	return slot{valid: true, seq: seq, body: body}
}

func (kv *KV) writeSlot(path string, seq uint32, body []byte) error {
	f, err := kv.fs.Open(path, ModeWrite)
	if err != nil {
		return fmt.Errorf("storage: open slot %s: %w", path, err)
	}

	buf := make([]byte, slotHeaderSize+len(body))
	copy(buf, slotMagic)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(body))
	copy(buf[slotHeaderSize:], body)

	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("storage: write slot %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: close slot %s: %w", path, err)
	}
	return nil
}

// Put durably stores value under key, replacing any previous value.
func (kv *KV) Put(key string, value []byte) error {
	a := kv.readSlot(key + ".a")
	b := kv.readSlot(key + ".b")

	target := key + ".a"
	seq := uint32(1)
	switch {
	case a.valid && b.valid:
		if a.seq >= b.seq {
			target, seq = key+".b", a.seq+1
		} else {
			target, seq = key+".a", b.seq+1
		}
	case a.valid:
		target, seq = key+".b", a.seq+1
	case b.valid:
		target, seq = key+".a", b.seq+1
	}

	if err := kv.writeSlot(target, seq, value); err != nil {
		return err
	}
	kv.log.Debug("KV write committed",
		zap.String("key", key),
		zap.Uint32("seq", seq),
		zap.Int("bytes", len(value)),
	)
	return nil
}

// Get returns the newest durably stored value for key, or ErrNotFound.
func (kv *KV) Get(key string) ([]byte, error) {
	a := kv.readSlot(key + ".a")
	b := kv.readSlot(key + ".b")

	switch {
	case a.valid && b.valid:
		if a.seq >= b.seq {
			return a.body, nil
		}
		return b.body, nil
	case a.valid:
		return a.body, nil
	case b.valid:
		return b.body, nil
	default:
		return nil, ErrNotFound
	}
}

// Delete removes both slots for key. Missing keys are not an error.
func (kv *KV) Delete(key string) {
	kv.fs.Remove(key + ".a")
	kv.fs.Remove(key + ".b")
}

// Has reports whether a valid value exists for key.
func (kv *KV) Has(key string) bool {
	_, err := kv.Get(key)
	return !errors.Is(err, ErrNotFound)
}

// Package hashstore persists the set of files known to compress
// poorly, so later runs skip them without re-probing. Paths are never
// stored; only a keyed 128-bit hash of each normalised absolute path.
//
// On disk the store is an append-only sequence of self-framed
// packets: a little-endian u32 length followed by a zstd stream whose
// decompressed content is a run of 16-byte hashes. Each packet is
// written with a single append-mode write and kept small enough that
// concurrent writers from peer processes cannot interleave inside
// one. A torn or garbage tail is treated as truncation at the last
// good packet boundary.
package hashstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// maxPacketSize bounds a written packet (frame plus payload) so a
	// single append stays atomic on every platform we care about.
	maxPacketSize = 4096

	// hashesPerPacket keeps the raw payload comfortably under
	// maxPacketSize even if zstd fails to shrink it.
	hashesPerPacket = 128

	// autoFlushThreshold is how many pending hashes trigger an
	// implicit Flush on Record.
	autoFlushThreshold = 256

	// DefaultStaleAfter is how long a loaded snapshot is trusted
	// before Contains re-reads appends from peer processes.
	DefaultStaleAfter = time.Minute
)

// Keyed hashing keeps user paths out of the file and fixes the entry
// size at 16 bytes. The key is fixed: the store is a cache, not a
// secret.
var storeKey = []byte("woffle incompressible path key 1")

// Key is a 128-bit path hash.
type Key [16]byte

// KeyFor hashes the normalised absolute form of path.
func KeyFor(path string) Key {
	h, err := blake3.NewKeyed(storeKey)
	if err != nil {
		panic(fmt.Sprintf("hashstore: bad key: %v", err))
	}
	h.WriteString(normalize(path))

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func normalize(path string) string {
	path = filepath.Clean(path)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
	}
	return path
}

// Store is the persistent set. Safe for concurrent use within a
// process; concurrent appends from other processes are tolerated by
// the on-disk format.
type Store struct {
	mu         sync.Mutex
	path       string
	keys       map[Key]struct{}
	pending    []Key
	offset     int64 // end of the last fully parsed packet
	loadedAt   time.Time
	staleAfter time.Duration
	memOnly    bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open loads the store at path. A missing file is an empty store. On
// a read failure the returned Store is still usable but memory-only
// for the session, and the error says why.
func Open(path string) (*Store, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	s := &Store{
		path:       path,
		keys:       make(map[Key]struct{}),
		staleAfter: DefaultStaleAfter,
		enc:        enc,
		dec:        dec,
	}

	if err := s.reloadLocked(); err != nil {
		s.memOnly = true
		return s, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

// SetStaleAfter overrides how long Contains trusts the last load.
// Zero disables automatic reloads.
func (s *Store) SetStaleAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleAfter = d
}

// MemoryOnly reports whether the store has degraded to in-memory
// operation after an I/O failure.
func (s *Store) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memOnly
}

// Len reports the number of known hashes, pending included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Contains reports whether path is recorded. If the loaded snapshot
// has gone stale, appends from peer processes are picked up first.
func (s *Store) Contains(path string) bool {
	return s.ContainsKey(KeyFor(path))
}

// ContainsKey is Contains for a pre-computed key.
func (s *Store) ContainsKey(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.memOnly && s.staleAfter > 0 && time.Since(s.loadedAt) > s.staleAfter {
		// Best effort; a failed refresh does not invalidate what we
		// already know.
		_ = s.reloadLocked()
	}

	_, ok := s.keys[k]
	return ok
}

// Record adds path to the set. The write is buffered; it reaches disk
// on Flush, or automatically once enough records pile up.
func (s *Store) Record(path string) error {
	k := KeyFor(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[k]; ok {
		return nil
	}
	s.keys[k] = struct{}{}
	s.pending = append(s.pending, k)

	if len(s.pending) >= autoFlushThreshold {
		return s.flushLocked()
	}
	return nil
}

// Flush appends all pending hashes as packets and syncs the file.
// After a successful Flush a reopen observes every recorded path. In
// memory-only mode Flush writes nothing and returns nil.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if len(s.pending) == 0 || s.memOnly {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		s.memOnly = true
		return fmt.Errorf("append %s: %w", s.path, err)
	}
	defer f.Close()

	for len(s.pending) > 0 {
		n := len(s.pending)
		if n > hashesPerPacket {
			n = hashesPerPacket
		}

		packet, err := s.encodePacket(s.pending[:n])
		if err != nil {
			s.memOnly = true
			return err
		}
		if _, err := f.Write(packet); err != nil {
			s.memOnly = true
			return fmt.Errorf("append %s: %w", s.path, err)
		}
		s.pending = s.pending[n:]
	}

	if err := f.Sync(); err != nil {
		s.memOnly = true
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return nil
}

// encodePacket frames one batch: [u32 length][zstd(hashes)].
func (s *Store) encodePacket(keys []Key) ([]byte, error) {
	raw := make([]byte, 0, len(keys)*16)
	for _, k := range keys {
		raw = append(raw, k[:]...)
	}

	payload := s.enc.EncodeAll(raw, nil)
	if len(payload)+4 > maxPacketSize {
		return nil, fmt.Errorf("packet overflow: %d bytes", len(payload)+4)
	}

	packet := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(packet, uint32(len(payload)))
	copy(packet[4:], payload)
	return packet, nil
}

// Reload picks up packets appended since the last load.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loadedAt = time.Now()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	// Walk complete packets; stop at the first short, oversized or
	// undecodable one and treat the file as ending there.
	pos := 0
	for pos+4 <= len(data) {
		length := int(binary.LittleEndian.Uint32(data[pos:]))
		if length == 0 || length+4 > maxPacketSize || pos+4+length > len(data) {
			break
		}

		raw, err := s.dec.DecodeAll(data[pos+4:pos+4+length], nil)
		if err != nil || len(raw)%16 != 0 {
			break
		}

		for i := 0; i+16 <= len(raw); i += 16 {
			var k Key
			copy(k[:], raw[i:])
			s.keys[k] = struct{}{}
		}
		pos += 4 + length
	}

	s.offset += int64(pos)
	s.loadedAt = time.Now()
	return nil
}

// Close flushes pending records and releases the codecs.
func (s *Store) Close() error {
	err := s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Close()
	s.dec.Close()
	return err
}

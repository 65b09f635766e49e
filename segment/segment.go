// Package segment implements a single fixed-size, memory-mapped
// commit log file (component C1 in the storage-engine design).
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tysonmote/gommap"
)

// Status is the outcome of an append attempt.
type Status int

const (
	// PutOk means the record was written.
	PutOk Status = iota
	// EndOfFile means there was not enough remaining space; a padding
	// frame was written instead and the caller must rotate and retry.
	EndOfFile
	// UnknownError indicates an internal invariant violation.
	UnknownError
)

func (s Status) String() string {
	switch s {
	case PutOk:
		return "PutOk"
	case EndOfFile:
		return "EndOfFile"
	default:
		return "UnknownError"
	}
}

var (
	// ErrUnavailable is returned by operations on a segment that has
	// been marked for destruction.
	ErrUnavailable = errors.New("segment: unavailable")
	// ErrWrongSize is returned by Open when an existing file is not
	// exactly Size bytes.
	ErrWrongSize = errors.New("segment: file is not the configured segment size")
)

const pageSize = 4096

// AppendResult is returned by an AppendFunc and passed back from Append.
type AppendResult struct {
	Status         Status
	WroteOffset    int64 // physical offset the frame was written at
	WroteBytes     int32 // length of the frame written (record or padding)
	StoreTimestamp int64
	QueueOffset    uint64
}

// AppendFunc is invoked with the put-lock held by the caller. fileFrom
// is the absolute physical offset of the write cursor (base + wrote),
// dst is the mapped buffer positioned at that cursor, and remaining is
// the number of bytes left in the segment. The callback must not
// retain dst past its return.
type AppendFunc func(fileFrom int64, dst []byte, remaining int) AppendResult

// Segment is one on-disk, memory-mapped, fixed-size commit log file.
type Segment struct {
	base int64 // starting physical offset; also encodes the file name
	size int64
	path string

	file *os.File
	mm   gommap.MMap

	mu        sync.Mutex // serializes append/flush bookkeeping on this segment
	wrote     int64
	committed int64

	dirtyPagesSinceFlush int32

	refs      int32
	available int32 // atomic bool: 1 while usable, 0 once destroy() has begun
	destroyed chan struct{}
}

// FileName renders the 20-digit zero-padded file name for a segment
// based at baseOffset, matching the layout in spec §6.
func FileName(baseOffset int64) string {
	return fmt.Sprintf("%020d", baseOffset)
}

// Create makes a brand new, zero-filled, size-byte segment file at
// base and memory-maps it.
func Create(dir string, base, size int64) (*Segment, error) {
	path := filepath.Join(dir, FileName(base))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("segment: truncate %s: %w", path, err)
	}
	return mapOpened(f, path, base, size, 0, 0)
}

// Open memory-maps an existing segment file. wrote/committed are set
// to size per §4.2 load(); the recoverer corrects the tail segment
// afterwards.
func Open(dir string, base, size int64) (*Segment, error) {
	path := filepath.Join(dir, FileName(base))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if info.Size() != size {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrWrongSize, path, info.Size(), size)
	}
	return mapOpened(f, path, base, size, size, size)
}

func mapOpened(f *os.File, path string, base, size, wrote, committed int64) (*Segment, error) {
	mm, err := gommap.MapRegion(f, size, gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
	}
	return &Segment{
		base:      base,
		size:      size,
		path:      path,
		file:      f,
		mm:        mm,
		wrote:     wrote,
		committed: committed,
		available: 1,
		destroyed: make(chan struct{}),
	}, nil
}

// Base returns the segment's starting physical offset.
func (s *Segment) Base() int64 { return s.base }

// Size returns the configured (fixed) segment size.
func (s *Segment) Size() int64 { return s.size }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Wrote returns the number of bytes appended so far.
func (s *Segment) Wrote() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}

// Committed returns the number of bytes whose pages are known to be
// durable (flushed).
func (s *Segment) Committed() int64 {
	return atomic.LoadInt64(&s.committed)
}

// IsFull reports whether the segment has no remaining capacity.
func (s *Segment) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote >= s.size
}

// Remaining returns the number of unwritten bytes left in the segment.
func (s *Segment) Remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - s.wrote
}

func (s *Segment) isAvailable() bool {
	return atomic.LoadInt32(&s.available) == 1
}

// SetWroteCommitted forcibly sets wrote and committed. Used by the
// recoverer when correcting a segment after a scan, and by
// SegmentQueue.TruncateDirtyFiles.
func (s *Segment) SetWroteCommitted(wrote, committed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrote = wrote
	atomic.StoreInt64(&s.committed, committed)
}

// Append reserves space at the current write cursor and invokes fn to
// fill it, then advances the cursor by fn's reported WroteBytes. The
// caller (Appender) must hold the engine's put-lock; Append itself
// only serializes against concurrent flush/destroy bookkeeping on this
// segment, never against other appenders (single-writer is enforced
// one level up).
func (s *Segment) Append(fn AppendFunc) (AppendResult, error) {
	if !s.isAvailable() {
		return AppendResult{}, ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := int(s.size - s.wrote)
	if remaining <= 0 {
		return AppendResult{Status: EndOfFile, WroteBytes: 0}, nil
	}
	dst := s.mm[s.wrote:s.size]
	res := fn(s.base+s.wrote, dst, remaining)
	switch res.Status {
	case PutOk, EndOfFile:
		s.wrote += int64(res.WroteBytes)
		s.dirtyPagesSinceFlush += pagesSpanned(res.WroteBytes)
	}
	return res, nil
}

func pagesSpanned(n int32) int32 {
	if n <= 0 {
		return 0
	}
	return (n + pageSize - 1) / pageSize
}

// AppendRaw copies already-framed bytes verbatim, used for HA
// catch-up replay (§4.1 appendRaw). It reports false if there isn't
// room.
func (s *Segment) AppendRaw(data []byte) bool {
	if !s.isAvailable() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrote+int64(len(data)) > s.size {
		return false
	}
	n := copy(s.mm[s.wrote:], data)
	s.wrote += int64(n)
	s.dirtyPagesSinceFlush += pagesSpanned(int32(n))
	return true
}

// View is a reference-counted read-only window onto the segment's
// mapped bytes. Release must be called exactly once.
type View struct {
	Bytes   []byte
	release func()
}

// Release drops the reference this view holds, allowing destroy() to
// proceed once all views are released.
func (v *View) Release() {
	if v.release != nil {
		v.release()
		v.release = nil
	}
}

// RawFrom returns the mapped bytes from pos to the end of the file,
// ignoring the wrote cursor. It exists for the recoverer, which must
// scan past whatever wrote happens to hold after load() sets it to
// Size on every segment (§4.2 load()).
func (s *Segment) RawFrom(pos int64) []byte {
	return s.mm[pos:s.size]
}

// SelectView returns a bounded read view starting at pos, sized size
// bytes (or to the current write cursor if size <= 0). It returns
// false if pos is at or past the write cursor, or if a reference could
// not be acquired (segment is being destroyed).
func (s *Segment) SelectView(pos int64, size int64) (View, bool) {
	if !s.acquire() {
		return View{}, false
	}
	s.mu.Lock()
	wrote := s.wrote
	s.mu.Unlock()

	if pos < 0 || pos >= wrote {
		s.release()
		return View{}, false
	}
	end := wrote
	if size > 0 && pos+size < end {
		end = pos + size
	}
	view := View{
		Bytes:   s.mm[pos:end],
		release: s.release,
	}
	return view, true
}

func (s *Segment) acquire() bool {
	if !s.isAvailable() {
		return false
	}
	atomic.AddInt32(&s.refs, 1)
	if !s.isAvailable() {
		// Raced with destroy(); back out and let the destroyer proceed.
		s.release()
		return false
	}
	return true
}

func (s *Segment) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 && !s.isAvailable() {
		select {
		case <-s.destroyed:
		default:
			close(s.destroyed)
		}
	}
}

// Flush flushes dirty pages to disk per §4.1: unconditionally when the
// segment IsFull() or leastPages == 0, otherwise only once at least
// leastPages 4 KiB pages have accumulated since the last flush. It
// returns the new Committed() value.
func (s *Segment) Flush(leastPages int) (int64, error) {
	s.mu.Lock()
	wrote := s.wrote
	committed := atomic.LoadInt64(&s.committed)
	dirty := int32(wrote/pageSize - committed/pageSize)
	full := wrote >= s.size
	s.mu.Unlock()

	if wrote == committed {
		return committed, nil
	}
	if !full && leastPages > 0 && int(dirty) < leastPages {
		return committed, nil
	}

	if err := s.mm.Sync(gommap.MS_SYNC); err != nil {
		return committed, fmt.Errorf("segment: sync %s: %w", s.path, err)
	}

	s.mu.Lock()
	atomic.StoreInt64(&s.committed, s.wrote)
	newCommitted := s.wrote
	s.dirtyPagesSinceFlush = 0
	s.mu.Unlock()
	return newCommitted, nil
}

// Prefault writes a zero byte to every page to materialize the file's
// backing store ahead of time. This is an operator-invoked warm-up,
// never called from the put path. If flushEveryPages > 0, it syncs the
// mapping every flushEveryPages pages to keep dirty memory bounded; it
// yields periodically so it doesn't starve other goroutines on a
// single OS thread.
func (s *Segment) Prefault(flushEveryPages int) error {
	zero := []byte{0}
	for off := int64(0); off < s.size; off += pageSize {
		s.mm[off] = zero[0]
		if flushEveryPages > 0 && (off/pageSize)%int64(flushEveryPages) == 0 {
			if err := s.mm.Sync(gommap.MS_SYNC); err != nil {
				return fmt.Errorf("segment: prefault sync %s: %w", s.path, err)
			}
		}
		if off%(pageSize*64) == 0 {
			runtime.Gosched()
		}
	}
	return nil
}

// Mlock pins the mapping into RAM and advises the kernel the pages
// will be needed soon.
func (s *Segment) Mlock() error {
	if err := s.mm.Lock(); err != nil {
		return fmt.Errorf("segment: mlock %s: %w", s.path, err)
	}
	if err := s.mm.Advise(gommap.MADV_WILLNEED); err != nil {
		return fmt.Errorf("segment: madvise %s: %w", s.path, err)
	}
	return nil
}

// Munlock unpins the mapping.
func (s *Segment) Munlock() error {
	if err := s.mm.Unlock(); err != nil {
		return fmt.Errorf("segment: munlock %s: %w", s.path, err)
	}
	return nil
}

// Destroy marks the segment unavailable, waits up to forceAfter for
// existing views to be released (forcing release after that deadline
// regardless), then unmaps, closes and deletes the backing file.
func (s *Segment) Destroy(forceAfter time.Duration) error {
	if !atomic.CompareAndSwapInt32(&s.available, 1, 0) {
		return nil // already destroyed or destroying
	}
	if atomic.LoadInt32(&s.refs) > 0 {
		select {
		case <-s.destroyed:
		case <-time.After(forceAfter):
		}
	}

	if err := s.mm.UnsafeUnmap(); err != nil {
		return fmt.Errorf("segment: unmap %s: %w", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("segment: close %s: %w", s.path, err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: remove %s: %w", s.path, err)
	}
	return nil
}

// ModTime reports the backing file's last-modified time, used by
// SegmentQueue.deleteExpired.
func (s *Segment) ModTime() (time.Time, error) {
	info, err := s.file.Stat()
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

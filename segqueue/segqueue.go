// Package segqueue implements the ordered collection of segments that
// make up a commit log (component C2): creation on rotation, lookup
// by offset, bulk flush and expiry deletion.
package segqueue

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/brokerlabs/commitlog/segment"
)

// AllocateMappedFileService creates a new segment file of exactly
// size bytes based at base within dir. Implementations may pre-create
// one segment ahead of need to keep allocation off the put-lock
// critical section (§4.2 tail()).
type AllocateMappedFileService interface {
	Allocate(dir string, base, size int64) (*segment.Segment, error)
}

// directAllocator creates segments synchronously on request.
type directAllocator struct{}

func (directAllocator) Allocate(dir string, base, size int64) (*segment.Segment, error) {
	return segment.Create(dir, base, size)
}

// NewDirectAllocator returns an AllocateMappedFileService with no
// look-ahead; Tail() will block on file creation and mmap.
func NewDirectAllocator() AllocateMappedFileService { return directAllocator{} }

// lookAheadAllocator pre-creates the next segment's file on a
// background goroutine as soon as the current tail is known, so that
// the next rotation's Allocate call returns instantly. Mirrors the
// teacher's (hashicorp/raft-wal) background-rotation handoff:
// createNextSegment's postCommit runs off the write lock.
type lookAheadAllocator struct {
	mu      sync.Mutex
	pending map[int64]*pendingAlloc
}

type pendingAlloc struct {
	done chan struct{}
	seg  *segment.Segment
	err  error
}

// NewLookAheadAllocator returns an AllocateMappedFileService that
// starts allocating base+size as soon as PrepareNext is called,
// finishing the work before it is actually needed under the put-lock.
func NewLookAheadAllocator() *lookAheadAllocator {
	return &lookAheadAllocator{pending: make(map[int64]*pendingAlloc)}
}

// PrepareNext kicks off allocation of a segment at base in the
// background. It is safe to call redundantly; only the first call for
// a given base does work.
func (a *lookAheadAllocator) PrepareNext(dir string, base, size int64) {
	a.mu.Lock()
	if _, ok := a.pending[base]; ok {
		a.mu.Unlock()
		return
	}
	p := &pendingAlloc{done: make(chan struct{})}
	a.pending[base] = p
	a.mu.Unlock()

	go func() {
		p.seg, p.err = segment.Create(dir, base, size)
		close(p.done)
	}()
}

func (a *lookAheadAllocator) Allocate(dir string, base, size int64) (*segment.Segment, error) {
	a.mu.Lock()
	p, ok := a.pending[base]
	if ok {
		delete(a.pending, base)
	}
	a.mu.Unlock()

	if ok {
		<-p.done
		return p.seg, p.err
	}
	return segment.Create(dir, base, size)
}

// SegmentQueue is the ordered collection of segments backing a single
// commit log. Segments are held in an immutable sorted snapshot that
// is swapped atomically on rotation or expiry, the same pattern the
// teacher (hashicorp/raft-wal) uses for its segment state.
type SegmentQueue struct {
	dir  string
	size int64

	alloc  AllocateMappedFileService
	logger log.Logger

	mu   sync.Mutex // serializes rotation/expiry mutation of segs
	segs atomic.Value // *immutable.SortedMap[int64, *segment.Segment]

	committedWhere int64 // physical offset up to which flush() has confirmed durability
}

// Option configures a SegmentQueue.
type Option func(*SegmentQueue)

// WithAllocator overrides the default direct allocator.
func WithAllocator(a AllocateMappedFileService) Option {
	return func(q *SegmentQueue) { q.alloc = a }
}

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option {
	return func(q *SegmentQueue) { q.logger = l }
}

// New constructs an empty SegmentQueue. Call Load to populate it from
// an existing directory.
func New(dir string, size int64, opts ...Option) *SegmentQueue {
	q := &SegmentQueue{
		dir:    dir,
		size:   size,
		alloc:  directAllocator{},
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.segs.Store(&immutable.SortedMap[int64, *segment.Segment]{})
	return q
}

func (q *SegmentQueue) snapshot() *immutable.SortedMap[int64, *segment.Segment] {
	return q.segs.Load().(*immutable.SortedMap[int64, *segment.Segment])
}

// Load scans dir for existing segment files (per §4.2 load()), opens
// and memory-maps each one in base-offset order, verifies each is
// exactly Size bytes, and sets wrote=committed=Size on every segment
// (the recoverer corrects the tail afterwards).
func (q *SegmentQueue) Load() error {
	bases, err := listSegmentBases(q.dir)
	if err != nil {
		return err
	}
	m := &immutable.SortedMap[int64, *segment.Segment]{}
	for i, base := range bases {
		if i > 0 && base != bases[i-1]+q.size {
			return fmt.Errorf("segqueue: gap in segment sequence: %d does not follow %d by size %d", base, bases[i-1], q.size)
		}
		seg, err := segment.Open(q.dir, base, q.size)
		if err != nil {
			return err
		}
		m = m.Set(base, seg)
	}
	q.segs.Store(m)
	return nil
}

// Segments returns all segments in base-offset order.
func (q *SegmentQueue) Segments() []*segment.Segment {
	m := q.snapshot()
	out := make([]*segment.Segment, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		out = append(out, seg)
	}
	return out
}

// Tail returns the active (writable) segment, creating one if none
// exists or the current tail is full. startOffset, if non-zero, fixes
// the very first segment's base offset (used when the broker's
// lifetime does not start at physical offset 0); it is ignored once
// any segment exists.
func (q *SegmentQueue) Tail(startOffset int64) (*segment.Segment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.snapshot()
	if m.Len() > 0 {
		it := m.Iterator()
		it.Last()
		_, seg, _ := it.Next()
		if !seg.IsFull() {
			return seg, nil
		}
		return q.rotateLocked(seg.Base() + q.size)
	}

	base := startOffset
	return q.rotateLocked(base)
}

func (q *SegmentQueue) rotateLocked(base int64) (*segment.Segment, error) {
	seg, err := q.alloc.Allocate(q.dir, base, q.size)
	if err != nil {
		level.Error(q.logger).Log("msg", "segment allocation failed", "base", base, "err", err)
		return nil, err
	}
	m := q.snapshot().Set(base, seg)
	q.segs.Store(m)

	if la, ok := q.alloc.(*lookAheadAllocator); ok {
		la.PrepareNext(q.dir, base+q.size, q.size)
	}
	return seg, nil
}

// FindByOffset selects the segment i where base_i <= offset <
// base_i+Size. If offset is before the first segment or at/after the
// end of the last one, it returns the first segment when
// returnFirstOnMiss is true and offset == 0, else nil.
func (q *SegmentQueue) FindByOffset(offset int64, returnFirstOnMiss bool) *segment.Segment {
	m := q.snapshot()
	if m.Len() == 0 {
		return nil
	}
	it := m.Iterator()
	_, first, _ := it.First()
	it2 := m.Iterator()
	it2.Last()
	lastBase, last, _ := it2.Next()

	if offset < first.Base() || offset >= lastBase+q.size {
		if returnFirstOnMiss && offset == 0 {
			return first
		}
		return nil
	}
	_ = last
	// Binary search over the sorted bases.
	bases := make([]int64, 0, m.Len())
	segs := make([]*segment.Segment, 0, m.Len())
	it3 := m.Iterator()
	for !it3.Done() {
		b, seg, _ := it3.Next()
		bases = append(bases, b)
		segs = append(segs, seg)
	}
	idx := sort.Search(len(bases), func(i int) bool { return bases[i]+q.size > offset })
	if idx >= len(bases) {
		return nil
	}
	return segs[idx]
}

// Flush flushes the segment containing committedWhere, then advances
// committedWhere to that segment's committed position if progress was
// made. Returns whether progress was made.
func (q *SegmentQueue) Flush(leastPages int) (bool, error) {
	q.mu.Lock()
	where := q.committedWhere
	q.mu.Unlock()

	seg := q.FindByOffset(where, true)
	if seg == nil {
		return false, nil
	}
	before := seg.Committed()
	committed, err := seg.Flush(leastPages)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	q.committedWhere = seg.Base() + committed
	q.mu.Unlock()

	return committed > before, nil
}

// CommittedWhere returns the physical offset up to which the queue
// has confirmed durability.
func (q *SegmentQueue) CommittedWhere() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committedWhere
}

// SetCommittedWhere is used by the recoverer to seed the initial
// committed cursor after a scan.
func (q *SegmentQueue) SetCommittedWhere(where int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committedWhere = where
}

// TruncateDirtyFiles sets the segment containing committedWhere's
// wrote=committed=committedWhere-base and destroys (deletes) every
// later segment, per §4.2.
func (q *SegmentQueue) TruncateDirtyFiles(committedWhere int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.snapshot()
	it := m.Iterator()
	newM := &immutable.SortedMap[int64, *segment.Segment]{}
	var toDestroy []*segment.Segment

	for !it.Done() {
		base, seg, _ := it.Next()
		if base+q.size <= committedWhere {
			newM = newM.Set(base, seg)
			continue
		}
		if base <= committedWhere {
			seg.SetWroteCommitted(committedWhere-base, committedWhere-base)
			newM = newM.Set(base, seg)
			continue
		}
		toDestroy = append(toDestroy, seg)
	}
	q.segs.Store(newM)
	q.committedWhere = committedWhere

	for _, seg := range toDestroy {
		if err := seg.Destroy(5 * time.Second); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpired deletes segments whose file mtime is older than
// expireMillis, waiting interval between each deletion and never
// touching the active tail. If immediate is true, interval is skipped
// for the first deletion attempt. Returns the number of segments
// deleted.
func (q *SegmentQueue) DeleteExpired(expireMillis int64, interval time.Duration, forceAfter time.Duration, immediate bool) (int, error) {
	now := time.Now()
	deleted := 0
	first := true
	for {
		q.mu.Lock()
		m := q.snapshot()
		if m.Len() <= 1 {
			q.mu.Unlock()
			break
		}
		it := m.Iterator()
		base, seg, _ := it.Next() // oldest segment
		q.mu.Unlock()

		mt, err := seg.ModTime()
		if err != nil {
			return deleted, err
		}
		if now.Sub(mt) < time.Duration(expireMillis)*time.Millisecond {
			break
		}

		if !first || !immediate {
			time.Sleep(interval)
		}
		first = false

		q.mu.Lock()
		newM := q.snapshot().Delete(base)
		q.segs.Store(newM)
		q.mu.Unlock()

		if err := seg.Destroy(forceAfter); err != nil {
			return deleted, err
		}
		deleted++
		level.Info(q.logger).Log("msg", "deleted expired segment", "base", base)
	}
	return deleted, nil
}

// Close flushes nothing but releases in-memory state; callers are
// responsible for a final Flush before Close if durability of
// in-flight writes matters.
func (q *SegmentQueue) Close() error {
	for _, seg := range q.Segments() {
		if err := seg.Destroy(0); err != nil {
			return err
		}
	}
	return nil
}

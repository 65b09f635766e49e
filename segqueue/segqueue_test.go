package segqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTailRotatesOnFull(t *testing.T) {
	dir := t.TempDir()
	q := New(dir, 16)

	seg, err := q.Tail(0)
	require.NoError(t, err)
	require.Equal(t, int64(0), seg.Base())

	ok := seg.AppendRaw(make([]byte, 16))
	require.True(t, ok)
	require.True(t, seg.IsFull())

	seg2, err := q.Tail(0)
	require.NoError(t, err)
	require.Equal(t, int64(16), seg2.Base())
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	q := New(dir, 16)
	seg, err := q.Tail(0)
	require.NoError(t, err)
	require.True(t, seg.AppendRaw([]byte("0123456789abcdef")))
	require.NoError(t, q.Close())

	q2 := New(dir, 16)
	require.NoError(t, q2.Load())
	require.Len(t, q2.Segments(), 1)
	require.Equal(t, int64(0), q2.Segments()[0].Base())
}

func TestFindByOffset(t *testing.T) {
	dir := t.TempDir()
	q := New(dir, 16)
	s0, err := q.Tail(0)
	require.NoError(t, err)
	require.True(t, s0.AppendRaw(make([]byte, 16)))
	s1, err := q.Tail(0)
	require.NoError(t, err)
	require.True(t, s1.AppendRaw(make([]byte, 8)))

	require.Equal(t, s0.Base(), q.FindByOffset(5, false).Base())
	require.Equal(t, s1.Base(), q.FindByOffset(16, false).Base())
	require.Equal(t, s1.Base(), q.FindByOffset(20, false).Base())
	require.Nil(t, q.FindByOffset(1000, false))
}

func TestFlushAdvancesCommittedWhere(t *testing.T) {
	dir := t.TempDir()
	q := New(dir, 64)
	seg, err := q.Tail(0)
	require.NoError(t, err)
	require.True(t, seg.AppendRaw([]byte("hello")))

	progressed, err := q.Flush(0)
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, int64(5), q.CommittedWhere())
}

func TestTruncateDirtyFilesTrimsContainingSegment(t *testing.T) {
	dir := t.TempDir()
	q := New(dir, 16)
	s0, err := q.Tail(0)
	require.NoError(t, err)
	require.True(t, s0.AppendRaw(make([]byte, 16)))
	s1, err := q.Tail(0)
	require.NoError(t, err)
	require.True(t, s1.AppendRaw(make([]byte, 8)))

	require.NoError(t, q.TruncateDirtyFiles(20))
	require.Len(t, q.Segments(), 2)
	require.Equal(t, int64(4), q.Segments()[1].Wrote())
}

func TestDeleteExpiredNeverDeletesLastSegment(t *testing.T) {
	dir := t.TempDir()
	q := New(dir, 16)
	_, err := q.Tail(0)
	require.NoError(t, err)

	n, err := q.DeleteExpired(0, time.Millisecond, time.Second, true)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, q.Segments(), 1)
}

func TestLookAheadAllocatorPreparesNext(t *testing.T) {
	dir := t.TempDir()
	la := NewLookAheadAllocator()
	q := New(dir, 16, WithAllocator(la))

	s0, err := q.Tail(0)
	require.NoError(t, err)
	la.PrepareNext(dir, s0.Base()+16, 16)
	require.True(t, s0.AppendRaw(make([]byte, 16)))

	s1, err := q.Tail(0)
	require.NoError(t, err)
	require.Equal(t, int64(16), s1.Base())
}

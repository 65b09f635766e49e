package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAppendFlush(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, 1024)
	require.NoError(t, err)
	defer seg.Destroy(time.Second)

	payload := []byte("hello")
	res, err := seg.Append(func(fileFrom int64, dst []byte, remaining int) AppendResult {
		require.Equal(t, int64(0), fileFrom)
		require.GreaterOrEqual(t, remaining, len(payload))
		copy(dst, payload)
		return AppendResult{Status: PutOk, WroteOffset: fileFrom, WroteBytes: int32(len(payload))}
	})
	require.NoError(t, err)
	require.Equal(t, PutOk, res.Status)
	require.Equal(t, int64(len(payload)), seg.Wrote())

	committed, err := seg.Flush(0)
	require.NoError(t, err)
	require.Equal(t, seg.Wrote(), committed)
}

func TestAppendEndOfFile(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, 16)
	require.NoError(t, err)
	defer seg.Destroy(time.Second)

	res, err := seg.Append(func(fileFrom int64, dst []byte, remaining int) AppendResult {
		if remaining < 32 {
			return AppendResult{Status: EndOfFile, WroteBytes: int32(remaining)}
		}
		return AppendResult{Status: PutOk}
	})
	require.NoError(t, err)
	require.Equal(t, EndOfFile, res.Status)
	require.True(t, seg.IsFull())
}

func TestSelectViewBoundedByWrote(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, 1024)
	require.NoError(t, err)
	defer seg.Destroy(time.Second)

	_, err = seg.Append(func(fileFrom int64, dst []byte, remaining int) AppendResult {
		copy(dst, []byte("abcdef"))
		return AppendResult{Status: PutOk, WroteBytes: 6}
	})
	require.NoError(t, err)

	view, ok := seg.SelectView(0, 0)
	require.True(t, ok)
	require.Equal(t, []byte("abcdef"), view.Bytes)
	view.Release()

	_, ok = seg.SelectView(6, 0)
	require.False(t, ok, "selecting at the write cursor must fail")
}

func TestDestroyWaitsForViews(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, 1024)
	require.NoError(t, err)

	_, err = seg.Append(func(fileFrom int64, dst []byte, remaining int) AppendResult {
		copy(dst, []byte("x"))
		return AppendResult{Status: PutOk, WroteBytes: 1}
	})
	require.NoError(t, err)

	view, ok := seg.SelectView(0, 0)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- seg.Destroy(200 * time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	view.Release()

	require.NoError(t, <-done)
}

func TestOpenRejectsWrongSize(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, 1024)
	require.NoError(t, err)
	require.NoError(t, seg.Destroy(0))

	seg2, err := Create(dir, 0, 512)
	require.NoError(t, err)
	require.NoError(t, seg2.file.Close())

	_, err = Open(dir, 0, 1024)
	require.ErrorIs(t, err, ErrWrongSize)
}

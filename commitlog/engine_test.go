package commitlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brokerlabs/commitlog/appender"
	"github.com/brokerlabs/commitlog/dispatch"
	"github.com/brokerlabs/commitlog/record"
)

func openTestEngine(t *testing.T, opts ...Option) (*Engine, *dispatch.RecordingSink) {
	t.Helper()
	dir := t.TempDir()
	sink := dispatch.NewRecordingSink()
	storeHost := record.Host{IP: []byte{127, 0, 0, 1}, Port: 10911}

	base := []Option{
		WithStorePath(dir),
		WithMappedFileSize(4096),
		WithMaxMessageSize(1024),
	}
	e, err := Open(storeHost, filepath.Join(dir, "checkpoint.bolt"), []dispatch.Sink{sink}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, sink
}

func TestPutOkDispatchesAndAssignsOffsets(t *testing.T) {
	e, sink := openTestEngine(t)

	msg := appender.PutMessage{
		Topic:         "orders",
		BornHost:      record.Host{IP: []byte{10, 0, 0, 1}, Port: 1},
		Body:          []byte("hello"),
		BornTimestamp: time.Now().UnixMilli(),
	}

	res := e.Put(context.Background(), msg)
	require.Equal(t, PutOk, res.Status)
	require.Len(t, sink.Requests, 1)
	require.Equal(t, uint64(0), res.QueueOffset)
}

func TestPutRejectsOversizeMessage(t *testing.T) {
	e, _ := openTestEngine(t)

	msg := appender.PutMessage{
		Topic:    "orders",
		BornHost: record.Host{IP: []byte{10, 0, 0, 1}, Port: 1},
		Body:     make([]byte, 4096),
	}
	res := e.Put(context.Background(), msg)
	require.Equal(t, MessageIllegal, res.Status)
}

func TestSyncFlushReturnsPutOkOnSuccess(t *testing.T) {
	e, _ := openTestEngine(t,
		WithFlushDiskType(Sync),
		WithSyncFlushTimeout(time.Second),
	)

	msg := appender.PutMessage{
		Topic:    "orders",
		BornHost: record.Host{IP: []byte{10, 0, 0, 1}, Port: 1},
		Body:     []byte("hello"),
	}
	res := e.Put(context.Background(), msg)
	require.Equal(t, PutOk, res.Status)
	require.GreaterOrEqual(t, e.CommittedWhere(), res.PhysicalOffset)
}

func TestReopenRecoversPriorPuts(t *testing.T) {
	dir := t.TempDir()
	sink := dispatch.NewRecordingSink()
	storeHost := record.Host{IP: []byte{127, 0, 0, 1}, Port: 10911}
	checkpointPath := filepath.Join(dir, "checkpoint.bolt")

	e, err := Open(storeHost, checkpointPath, []dispatch.Sink{sink},
		WithStorePath(dir), WithMappedFileSize(4096), WithMaxMessageSize(1024))
	require.NoError(t, err)

	msg := appender.PutMessage{
		Topic:    "orders",
		BornHost: record.Host{IP: []byte{10, 0, 0, 1}, Port: 1},
		Body:     []byte("hello"),
	}
	res := e.Put(context.Background(), msg)
	require.Equal(t, PutOk, res.Status)
	require.NoError(t, e.Close())

	sink2 := dispatch.NewRecordingSink()
	e2, err := Open(storeHost, checkpointPath, []dispatch.Sink{sink2},
		WithStorePath(dir), WithMappedFileSize(4096), WithMaxMessageSize(1024))
	require.NoError(t, err)
	defer e2.Close()

	require.Len(t, sink2.Requests, 1)
	require.Equal(t, res.PhysicalOffset, sink2.Requests[0].PhysicalOffset)
}

package appender

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brokerlabs/commitlog/record"
	"github.com/brokerlabs/commitlog/segqueue"
)

type fakeSink struct {
	reqs []DispatchRequest
}

func (f *fakeSink) Dispatch(req DispatchRequest) error {
	f.reqs = append(f.reqs, req)
	return nil
}

func newTestAppender(t *testing.T, segSize int64) (*Appender, *fakeSink) {
	t.Helper()
	dir := t.TempDir()
	q := segqueue.New(dir, segSize)
	sink := &fakeSink{}
	storeHost := record.Host{IP: []byte{127, 0, 0, 1}, Port: 10911}
	a := New(q, NewTopicQueueTable(), sink, storeHost, 4096)
	return a, sink
}

func basicMsg() PutMessage {
	return PutMessage{
		Topic:           "orders",
		QueueID:         0,
		BornTimestamp:   1,
		BornHost:        record.Host{IP: []byte{10, 0, 0, 1}, Port: 9000},
		Body:            []byte("hello"),
		Properties:      map[string]string{},
		PropertiesOrder: nil,
	}
}

func TestPutAssignsIncreasingOffsets(t *testing.T) {
	a, sink := newTestAppender(t, 4096)

	r1 := a.Put(basicMsg())
	require.Equal(t, PutOk, r1.Status)
	require.Equal(t, uint64(0), r1.QueueOffset)

	r2 := a.Put(basicMsg())
	require.Equal(t, PutOk, r2.Status)
	require.Equal(t, uint64(1), r2.QueueOffset)
	require.Greater(t, r2.PhysicalOffset, r1.PhysicalOffset)

	require.Len(t, sink.reqs, 2)
	require.Equal(t, "orders", sink.reqs[0].Topic)
}

func TestPutRejectsOversizeMessage(t *testing.T) {
	a, _ := newTestAppender(t, 4096)
	msg := basicMsg()
	msg.Body = make([]byte, 8192)
	res := a.Put(msg)
	require.Equal(t, MessageIllegal, res.Status)
}

func TestPutRotatesOnEndOfFile(t *testing.T) {
	a, _ := newTestAppender(t, 256)

	for i := 0; i < 3; i++ {
		res := a.Put(basicMsg())
		require.Equal(t, PutOk, res.Status)
	}
	require.GreaterOrEqual(t, len(a.queue.Segments()), 2)
}

func TestPutPreparedTransactionKeepsQueueOffsetZero(t *testing.T) {
	a, sink := newTestAppender(t, 4096)
	msg := basicMsg()
	msg.SysFlag = record.TransactionPreparedType

	res := a.Put(msg)
	require.Equal(t, PutOk, res.Status)
	require.Equal(t, uint64(0), res.QueueOffset)
	require.Equal(t, uint64(0), a.tqt.Get("orders", 0))
	require.Len(t, sink.reqs, 1)
}

func TestPutDelayRewrite(t *testing.T) {
	a, sink := newTestAppender(t, 4096)
	msg := basicMsg()
	msg.QueueID = 7
	msg.DelayLevel = 3

	res := a.Put(msg)
	require.Equal(t, PutOk, res.Status)
	require.Equal(t, ScheduleTopic, sink.reqs[0].Topic)
	require.Equal(t, DelayLevelToQueueID(3), sink.reqs[0].QueueID)
}

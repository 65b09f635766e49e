// Package commitlog wires the segment, segqueue, record, appender,
// flusher, recoverer and dispatch packages into the top-level engine
// described by the storage-engine design: producers hand it messages,
// it durably persists each one to a sequence of fixed-size
// memory-mapped segment files and returns a globally monotonic
// physical offset.
package commitlog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/brokerlabs/commitlog/appender"
	"github.com/brokerlabs/commitlog/checkpoint"
	"github.com/brokerlabs/commitlog/dispatch"
	"github.com/brokerlabs/commitlog/flusher"
	"github.com/brokerlabs/commitlog/ha"
	"github.com/brokerlabs/commitlog/metrics"
	"github.com/brokerlabs/commitlog/recoverer"
	"github.com/brokerlabs/commitlog/record"
	"github.com/brokerlabs/commitlog/segqueue"
)

// Status is the outcome of a Put call, per §6.
type Status int

const (
	PutOk Status = iota
	FlushDiskTimeout
	FlushSlaveTimeout
	SlaveNotAvailable
	MessageIllegal
	CreateSegmentFailed
	UnknownError
)

func (s Status) String() string {
	switch s {
	case PutOk:
		return "PutOk"
	case FlushDiskTimeout:
		return "FlushDiskTimeout"
	case FlushSlaveTimeout:
		return "FlushSlaveTimeout"
	case SlaveNotAvailable:
		return "SlaveNotAvailable"
	case MessageIllegal:
		return "MessageIllegal"
	case CreateSegmentFailed:
		return "CreateSegmentFailed"
	default:
		return "UnknownError"
	}
}

// PutResult is returned to the engine's caller.
type PutResult struct {
	Status         Status
	MsgID          string
	QueueOffset    uint64
	PhysicalOffset int64
}

// Engine is the top-level CommitLog storage engine.
type Engine struct {
	cfg Config

	queue   *segqueue.SegmentQueue
	tqt     *appender.TopicQueueTable
	sink    *dispatch.FanOut
	app     *appender.Appender
	metrics *metrics.Metrics
	checkpt *checkpoint.Store

	asyncFlusher *flusher.AsyncFlusher
	syncFlusher  *flusher.SyncGroupFlusher

	cancel context.CancelFunc
}

// Open opens (and if needed, recovers) the commit log at
// cfg.StorePathCommitLog, starts its flusher, and returns a ready
// Engine. storeHost is this broker's own address, and checkpointPath
// is the path to the StoreCheckpoint's backing bbolt file.
func Open(storeHost record.Host, checkpointPath string, sinks []dispatch.Sink, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StorePathCommitLog == "" {
		return nil, fmt.Errorf("commitlog: StorePathCommitLog is required")
	}

	m := metrics.New(cfg.Registerer)

	checkpt, err := checkpoint.Open(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open checkpoint: %w", err)
	}

	queue := segqueue.New(cfg.StorePathCommitLog, cfg.MappedFileSize,
		segqueue.WithAllocator(segqueue.NewLookAheadAllocator()),
		segqueue.WithLogger(cfg.Logger),
	)
	if err := queue.Load(); err != nil {
		checkpt.Close()
		return nil, fmt.Errorf("commitlog: load segments: %w", err)
	}

	fanout := dispatch.NewFanOut(sinks...)

	rec := recoverer.New(queue, recoverer.WithLogger(cfg.Logger), recoverer.WithCRCCheck(cfg.CheckCRCOnRecover))
	if len(queue.Segments()) > 0 {
		if _, err := rec.RecoverAbnormally(checkpt.GetMinTimestamp(), fanout); err != nil {
			checkpt.Close()
			return nil, fmt.Errorf("commitlog: recovery: %w", err)
		}
	}

	tqt := appender.NewTopicQueueTable()
	app := appender.New(queue, tqt, fanout, storeHost, cfg.MaxMessageSize,
		appender.WithLogger(cfg.Logger),
		appender.WithSpinLock(cfg.UseSpinLockWhenPutMessage),
	)

	e := &Engine{
		cfg:     cfg,
		queue:   queue,
		tqt:     tqt,
		sink:    fanout,
		app:     app,
		metrics: m,
		checkpt: checkpt,
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	switch cfg.FlushDiskType {
	case Sync:
		e.syncFlusher = flusher.NewSyncGroupFlusher(queue, flusher.WithSyncLogger(cfg.Logger))
		e.syncFlusher.Start(ctx)
	default:
		e.asyncFlusher = flusher.NewAsyncFlusher(queue,
			flusher.WithInterval(time.Duration(cfg.FlushIntervalMillis)*time.Millisecond),
			flusher.WithLeastPages(cfg.FlushCommitLogLeastPages),
			flusher.WithThoroughInterval(cfg.FlushCommitLogThoroughInterval),
			flusher.WithAsyncLogger(cfg.Logger),
		)
		e.asyncFlusher.Start(ctx)
	}

	return e, nil
}

// Close stops background flushers and releases all segment mappings.
func (e *Engine) Close() error {
	e.cancel()
	if e.asyncFlusher != nil {
		e.asyncFlusher.Wait()
	}
	if e.syncFlusher != nil {
		e.syncFlusher.Wait()
	}
	if err := e.checkpt.Close(); err != nil {
		return err
	}
	return e.queue.Close()
}

// Put implements §4.4/§4.5/§6: it persists msg, waits for the
// requested durability fidelity outside the put-lock, and coordinates
// with HAService when the broker role requires replication
// acknowledgement.
func (e *Engine) Put(ctx context.Context, msg appender.PutMessage) PutResult {
	appRes := e.app.Put(msg)
	e.recordPutMetric(appRes.Status)

	switch appRes.Status {
	case appender.MessageIllegal:
		return PutResult{Status: MessageIllegal}
	case appender.CreateSegmentFailed:
		return PutResult{Status: CreateSegmentFailed}
	case appender.UnknownError:
		return PutResult{Status: UnknownError}
	}

	result := PutResult{
		Status:         PutOk,
		MsgID:          appRes.MsgID,
		QueueOffset:    appRes.QueueOffset,
		PhysicalOffset: appRes.PhysicalOffset,
	}

	if e.cfg.FlushDiskType == Sync && e.syncFlusher != nil {
		nextOffset := appRes.PhysicalOffset + int64(appRes.AppendResult.WroteBytes)
		if !e.syncFlusher.Await(nextOffset, e.cfg.SyncFlushTimeout) {
			result.Status = FlushDiskTimeout
			return result
		}
		if err := e.checkpt.SetPhysicMsgTimestamp(time.Now().UnixMilli()); err != nil {
			level.Error(e.cfg.Logger).Log("msg", "checkpoint update failed", "err", err)
		}
	}

	if e.cfg.BrokerRole == SyncMaster {
		if !e.cfg.HAService.IsSlaveOK(appRes.PhysicalOffset) {
			result.Status = SlaveNotAvailable
			return result
		}
		haCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncFlushTimeout)
		acked := e.cfg.HAService.PutRequest(haCtx, ha.GroupCommitRequest{Offset: appRes.PhysicalOffset})
		cancel()
		if !acked {
			result.Status = FlushSlaveTimeout
			return result
		}
		e.cfg.HAService.WakeUp()
	}

	return result
}

func (e *Engine) recordPutMetric(status appender.Status) {
	e.metrics.PutsTotal.WithLabelValues(status.String()).Inc()
}

// Flush forces an immediate flush regardless of the configured
// durability fidelity, for operator-triggered or shutdown use.
func (e *Engine) Flush() (bool, error) {
	return e.queue.Flush(0)
}

// DeleteExpiredSegments reclaims segments older than expireMillis,
// never touching the active tail.
func (e *Engine) DeleteExpiredSegments(expireMillis int64, interval, forceAfter time.Duration) (int, error) {
	n, err := e.queue.DeleteExpired(expireMillis, interval, forceAfter, false)
	if err == nil {
		e.metrics.SegmentsExpired.Add(float64(n))
	}
	return n, err
}

// Prefault warms every segment's page cache; it is an operator-invoked
// warm-up, never called automatically on the put path (§4.1).
func (e *Engine) Prefault(flushEveryPages int) error {
	for _, seg := range e.queue.Segments() {
		if err := seg.Prefault(flushEveryPages); err != nil {
			return err
		}
	}
	return nil
}

// CommittedWhere returns the most recent durable physical offset.
func (e *Engine) CommittedWhere() int64 {
	return e.queue.CommittedWhere()
}

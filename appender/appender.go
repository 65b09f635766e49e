// Package appender implements the single-writer critical section that
// reserves space in the active segment, delegates to the record codec,
// updates the per-(topic, queue) logical offset, and hands the result
// off to a dispatch sink (component C4).
package appender

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/brokerlabs/commitlog/record"
	"github.com/brokerlabs/commitlog/segment"
	"github.com/brokerlabs/commitlog/segqueue"
)

// Status mirrors the PutResult statuses in §6.
type Status int

const (
	PutOk Status = iota
	MessageIllegal
	CreateSegmentFailed
	UnknownError
)

func (s Status) String() string {
	switch s {
	case PutOk:
		return "PutOk"
	case MessageIllegal:
		return "MessageIllegal"
	case CreateSegmentFailed:
		return "CreateSegmentFailed"
	case UnknownError:
		return "UnknownError"
	default:
		return "Unknown"
	}
}

// ScheduleTopic is the topic a delayed message is rewritten onto, per
// §4.4 step 1 and §8 boundary scenario 6.
const ScheduleTopic = "SCHEDULE_TOPIC"

const (
	propRealTopic = "REAL_TOPIC"
	propRealQID   = "REAL_QID"
	propDelayLvl  = "DELAY"
)

// DelayLevelToQueueID maps a clamped delay level to the logical queue
// id the scheduled-delivery rewrite rule uses. The delay queue itself
// is out of scope (§1); only the rewrite is implemented here.
func DelayLevelToQueueID(level int32) uint32 {
	if level < 0 {
		level = 0
	}
	return uint32(level - 1)
}

// DispatchRequest is the metadata handed to a DispatchSink for each
// persisted data record, per §3.
type DispatchRequest struct {
	Topic             string
	QueueID           uint32
	PhysicalOffset    int64
	Size              int32
	TagsCode          int64
	StoreTimestamp    int64
	QueueOffset       uint64
	Keys              string
	SysFlag           uint32
	PreparedTxnOffset uint64
}

// DispatchSink is consumed by the Appender and the Recoverer (C7).
type DispatchSink interface {
	Dispatch(req DispatchRequest) error
}

// TopicQueueTable maps (topic, queueId) to the next logical
// QueueOffset to assign. Mutated only inside the put-lock.
type TopicQueueTable struct {
	mu sync.Mutex
	m  map[string]uint64
}

// NewTopicQueueTable returns an empty table.
func NewTopicQueueTable() *TopicQueueTable {
	return &TopicQueueTable{m: make(map[string]uint64)}
}

func tqKey(topic string, queueID uint32) string {
	return fmt.Sprintf("%s/%d", topic, queueID)
}

// next returns the next offset to assign without advancing the table.
func (t *TopicQueueTable) next(topic string, queueID uint32) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[tqKey(topic, queueID)]
}

// advance increments the stored offset by one.
func (t *TopicQueueTable) advance(topic string, queueID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tqKey(topic, queueID)
	t.m[k] = t.m[k] + 1
}

// Get returns the current next-offset for (topic, queueId), for
// inspection by tests and the Recoverer when rebuilding state.
func (t *TopicQueueTable) Get(topic string, queueID uint32) uint64 {
	return t.next(topic, queueID)
}

// Set seeds the table, used by the Recoverer after a rebuild scan.
func (t *TopicQueueTable) Set(topic string, queueID uint32, next uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[tqKey(topic, queueID)] = next
}

// PutMessage is the producer-supplied message; its body CRC is
// computed by record.Encode.
type PutMessage struct {
	Topic             string
	QueueID           uint32
	Flag              uint32
	SysFlag           uint32
	BornTimestamp     int64
	BornHost          record.Host
	ReconsumeTimes    uint32
	PreparedTxnOffset uint64
	Body              []byte
	Properties        map[string]string
	PropertiesOrder   []string
	DelayLevel        int32 // > 0 triggers the scheduled-delivery rewrite
}

// PutResult is returned to the caller of Put.
type PutResult struct {
	Status         Status
	AppendResult   segment.AppendResult
	MsgID          string
	QueueOffset    uint64
	PhysicalOffset int64
}

// Appender serializes puts through a configurable lock, reserving
// space in the active segment and delegating encoding to record.
type Appender struct {
	queue     *segqueue.SegmentQueue
	tqt       *TopicQueueTable
	sink      DispatchSink
	storeHost record.Host

	maxMessageSize int
	logger         log.Logger

	lockMu   sync.Mutex // the put-lock; spin-lock mode busy-waits on top of this
	spinLock bool

	staging sync.Pool // *[]byte staging buffers, one per writer goroutine in practice
}

// Option configures an Appender.
type Option func(*Appender)

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option { return func(a *Appender) { a.logger = l } }

// WithSpinLock selects a spin-lock discipline (useReentrantLockWhenPutMessage=false
// in the original engine's terms) instead of a plain mutex.
func WithSpinLock(spin bool) Option { return func(a *Appender) { a.spinLock = spin } }

// New constructs an Appender. storeHost is this broker's own address,
// stamped into every record's StoreHost field.
func New(queue *segqueue.SegmentQueue, tqt *TopicQueueTable, sink DispatchSink, storeHost record.Host, maxMessageSize int, opts ...Option) *Appender {
	a := &Appender{
		queue:          queue,
		tqt:            tqt,
		sink:           sink,
		storeHost:      storeHost,
		maxMessageSize: maxMessageSize,
		logger:         log.NewNopLogger(),
	}
	a.staging.New = func() any {
		buf := make([]byte, 0, maxMessageSize+record.MinPadding)
		return &buf
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Appender) lock() {
	if !a.spinLock {
		a.lockMu.Lock()
		return
	}
	for !a.lockMu.TryLock() {
		// adaptive spin: yield rather than busy-spin the CPU raw
		runtime.Gosched()
	}
}

func (a *Appender) unlock() { a.lockMu.Unlock() }

// rewriteForDelay applies §4.4 step 1: transactional-not or
// transactional-commit records with DelayLevel > 0 are rewritten onto
// ScheduleTopic with the real topic/queue stashed in properties.
func rewriteForDelay(msg *PutMessage) {
	txnType := record.TransactionType(msg.SysFlag)
	if msg.DelayLevel <= 0 {
		return
	}
	if txnType != record.TransactionNotType && txnType != record.TransactionCommitType {
		return
	}
	if msg.Properties == nil {
		msg.Properties = make(map[string]string)
	}
	msg.Properties[propRealTopic] = msg.Topic
	msg.Properties[propRealQID] = fmt.Sprintf("%d", msg.QueueID)
	msg.Properties[propDelayLvl] = fmt.Sprintf("%d", msg.DelayLevel)
	msg.PropertiesOrder = append(append([]string{}, msg.PropertiesOrder...), propRealTopic, propRealQID, propDelayLvl)
	msg.Topic = ScheduleTopic
	msg.QueueID = DelayLevelToQueueID(msg.DelayLevel)
}

// Put runs the full algorithm of §4.4 inside the put-lock (steps
// 3-6), then emits the DispatchRequest and releases the lock (step
// 7-8). Durability waits (§4.5) and HA hand-off (§6) are the caller's
// responsibility, performed outside this call as the spec requires.
func (a *Appender) Put(msg PutMessage) PutResult {
	rewriteForDelay(&msg)

	rec := &record.Record{
		QueueID:           msg.QueueID,
		Flag:              msg.Flag,
		SysFlag:           msg.SysFlag,
		BornTimestamp:     msg.BornTimestamp,
		BornHost:          msg.BornHost,
		StoreHost:         a.storeHost,
		ReconsumeTimes:    msg.ReconsumeTimes,
		PreparedTxnOffset: msg.PreparedTxnOffset,
		Body:              msg.Body,
		Topic:             msg.Topic,
		Properties:        record.BuildProperties(msg.Properties, msg.PropertiesOrder),
	}

	total, err := record.ComputeLength(rec)
	if err != nil || total > a.maxMessageSize {
		return PutResult{Status: MessageIllegal}
	}

	bufPtr := a.staging.Get().(*[]byte)
	defer a.staging.Put(bufPtr)
	encoded, err := record.Encode(rec, (*bufPtr)[:0])
	if err != nil {
		return PutResult{Status: MessageIllegal}
	}
	*bufPtr = encoded

	a.lock()
	start := time.Now()
	defer func() {
		a.unlock()
		if held := time.Since(start); held > time.Second {
			level.Warn(a.logger).Log("msg", "put-lock held too long", "duration", held)
		}
	}()

	res, queueOffset, physicalOffset, storeTimestamp, err := a.putLocked(rec, encoded)
	if err != nil {
		level.Error(a.logger).Log("msg", "put failed", "err", err)
		return PutResult{Status: CreateSegmentFailed}
	}
	if res.Status == segment.UnknownError {
		level.Error(a.logger).Log("msg", "[BUG] second EndOfFile after rotation")
		return PutResult{Status: UnknownError, AppendResult: res}
	}

	advanceTxn := record.TransactionType(rec.SysFlag) == record.TransactionNotType ||
		record.TransactionType(rec.SysFlag) == record.TransactionCommitType
	if advanceTxn {
		a.tqt.advance(rec.Topic, rec.QueueID)
	}

	msgID := record.CreateMessageID(a.storeHost, uint64(physicalOffset))

	if a.sink != nil {
		if err := a.sink.Dispatch(DispatchRequest{
			Topic:             rec.Topic,
			QueueID:           rec.QueueID,
			PhysicalOffset:    physicalOffset,
			Size:              res.WroteBytes,
			StoreTimestamp:    storeTimestamp,
			QueueOffset:       queueOffset,
			SysFlag:           rec.SysFlag,
			PreparedTxnOffset: rec.PreparedTxnOffset,
		}); err != nil {
			// DispatchSink failures are fatal and propagate, per §4.7/§7.
			panic(fmt.Errorf("appender: dispatch sink failed: %w", err))
		}
	}

	return PutResult{
		Status:         PutOk,
		AppendResult:   res,
		MsgID:          msgID,
		QueueOffset:    queueOffset,
		PhysicalOffset: physicalOffset,
	}
}

// putLocked implements §4.4 steps 3-6: acquire the tail, append with
// retry-once on EndOfFile, and return the reserved offsets.
func (a *Appender) putLocked(rec *record.Record, encoded []byte) (segment.AppendResult, uint64, int64, int64, error) {
	seg, err := a.queue.Tail(0)
	if err != nil || seg == nil {
		return segment.AppendResult{}, 0, 0, 0, fmt.Errorf("appender: no tail segment: %w", err)
	}

	res, queueOffset, physicalOffset, storeTimestamp, retry := a.tryAppend(seg, rec, encoded)
	if !retry {
		return res, queueOffset, physicalOffset, storeTimestamp, nil
	}

	seg, err = a.queue.Tail(0)
	if err != nil || seg == nil {
		return segment.AppendResult{}, 0, 0, 0, fmt.Errorf("appender: rotation failed: %w", err)
	}
	res, queueOffset, physicalOffset, storeTimestamp, retry = a.tryAppend(seg, rec, encoded)
	if retry {
		// A second EndOfFile immediately after rotation is a bug: a
		// freshly rotated segment must have room for any legal message.
		res.Status = segment.UnknownError
	}
	return res, queueOffset, physicalOffset, storeTimestamp, nil
}

// tryAppend appends encoded into seg, patching QueueOffset,
// PhysicalOffset and StoreTimestamp in place once the write position
// is known. It returns retry=true on EndOfFile, meaning the caller
// must rotate and retry exactly once.
func (a *Appender) tryAppend(seg *segment.Segment, rec *record.Record, encoded []byte) (res segment.AppendResult, queueOffset uint64, physicalOffset int64, storeTimestamp int64, retry bool) {
	txnType := record.TransactionType(rec.SysFlag)
	fixZeroOffset := txnType == record.TransactionPreparedType || txnType == record.TransactionRollbackType

	res, err := seg.Append(func(fileFrom int64, dst []byte, remaining int) segment.AppendResult {
		total := len(encoded)
		if total+record.MinPadding > remaining {
			padded := record.EncodePadding(nil, remaining)
			copy(dst, padded)
			return segment.AppendResult{Status: segment.EndOfFile, WroteBytes: int32(remaining)}
		}

		if fixZeroOffset {
			queueOffset = 0
		} else {
			queueOffset = a.tqt.next(rec.Topic, rec.QueueID)
		}
		physicalOffset = fileFrom
		storeTimestamp = time.Now().UnixMilli()

		record.PatchOffsets(encoded, queueOffset, uint64(physicalOffset), storeTimestamp, rec.BornHost.EncodedLen())
		copy(dst, encoded)
		return segment.AppendResult{Status: segment.PutOk, WroteOffset: fileFrom, WroteBytes: int32(total)}
	})
	if err != nil {
		res.Status = segment.UnknownError
		return res, 0, 0, 0, false
	}
	return res, queueOffset, physicalOffset, storeTimestamp, res.Status == segment.EndOfFile
}

// Package recoverer implements the normal and abnormal recovery scans
// that run once at startup to locate the true end of a commit log and
// truncate anything beyond it (component C6).
package recoverer

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/brokerlabs/commitlog/appender"
	"github.com/brokerlabs/commitlog/record"
	"github.com/brokerlabs/commitlog/segment"
	"github.com/brokerlabs/commitlog/segqueue"
)

// DispatchSink is consumed during abnormal recovery to rebuild
// downstream indices, and to discard index data beyond the recovered
// committedWhere.
type DispatchSink interface {
	appender.DispatchSink
	TruncateAbove(offset int64) error
}

// Recoverer scans a SegmentQueue's segments forward from a starting
// point, classifying every frame, and truncates everything after the
// last valid record.
type Recoverer struct {
	queue    *segqueue.SegmentQueue
	checkCRC bool
	logger   log.Logger
}

// Option configures a Recoverer.
type Option func(*Recoverer)

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option { return func(r *Recoverer) { r.logger = l } }

// WithCRCCheck toggles checkCRCOnRecover (§6 configuration).
func WithCRCCheck(check bool) Option { return func(r *Recoverer) { r.checkCRC = check } }

// New constructs a Recoverer over queue.
func New(queue *segqueue.SegmentQueue, opts ...Option) *Recoverer {
	r := &Recoverer{queue: queue, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result summarizes a recovery scan.
type Result struct {
	CommittedWhere int64
	ValidRecords   int64
	PaddingFrames  int64
}

// RecoverNormally implements §4.6 normal recovery: clean shutdown,
// start scanning from max(0, N-3) segments and trust everything before
// that point, per the "retain as MUST" Open Question decision.
func (r *Recoverer) RecoverNormally() (Result, error) {
	segs := r.queue.Segments()
	if len(segs) == 0 {
		return Result{}, nil
	}
	start := len(segs) - 3
	if start < 0 {
		start = 0
	}
	return r.scanFrom(segs, start, nil)
}

// RecoverAbnormally implements §4.6 abnormal recovery: locate the
// latest segment whose first record has a valid magic and whose
// StoreTimestamp is at or before checkpointTimestamp, scan forward
// from there dispatching every valid record to sink to rebuild
// downstream indices, then truncate as usual plus instruct sink to
// discard index data beyond the recovered committedWhere.
func (r *Recoverer) RecoverAbnormally(checkpointTimestamp int64, sink DispatchSink) (Result, error) {
	segs := r.queue.Segments()
	if len(segs) == 0 {
		return Result{}, nil
	}

	start := 0
	for i := len(segs) - 1; i >= 0; i-- {
		ts, ok := firstRecordStoreTimestamp(segs[i])
		if ok && ts <= checkpointTimestamp {
			start = i
			break
		}
	}

	res, err := r.scanFrom(segs, start, sink)
	if err != nil {
		return res, err
	}
	if sink != nil {
		if err := sink.TruncateAbove(res.CommittedWhere); err != nil {
			return res, err
		}
	}
	return res, nil
}

// firstRecordStoreTimestamp decodes the first frame of seg, returning
// its StoreTimestamp. ok is false if the first frame is padding,
// unparseable, or the segment is empty.
func firstRecordStoreTimestamp(seg *segment.Segment) (int64, bool) {
	buf := seg.RawFrom(0)
	rec, _, err := record.Decode(buf, false)
	if err != nil || rec == nil {
		return 0, false
	}
	return rec.StoreTimestamp, true
}

// scanFrom forward-scans every segment from index start to the end of
// the queue, classifying frames via checkReturnSize, optionally
// dispatching valid records to sink, and truncates everything after
// the point recovery stopped at.
func (r *Recoverer) scanFrom(segs []*segment.Segment, start int, sink DispatchSink) (Result, error) {
	var res Result
	var committedWhere int64
	if start > 0 {
		committedWhere = segs[start].Base()
	}

	for i := start; i < len(segs); i++ {
		seg := segs[i]
		offset := int64(0)
		stopped := false

		for {
			buf := seg.RawFrom(offset)
			if len(buf) < 8 {
				break
			}
			rec, size, err := r.checkReturnSize(buf)
			switch {
			case size == -1 || err != nil:
				stopped = true
			case size == 0:
				// Padding frame: this segment is done; move to the next.
				res.PaddingFrames++
				offset = seg.Size()
			default:
				offset += int64(size)
				res.ValidRecords++
				if rec != nil && sink != nil {
					if derr := sink.Dispatch(appender.DispatchRequest{
						Topic:             rec.Topic,
						QueueID:           rec.QueueID,
						PhysicalOffset:    seg.Base() + offset - int64(size),
						Size:              int32(size),
						StoreTimestamp:    rec.StoreTimestamp,
						QueueOffset:       rec.QueueOffset,
						SysFlag:           rec.SysFlag,
						PreparedTxnOffset: rec.PreparedTxnOffset,
					}); derr != nil {
						return res, derr
					}
				}
			}
			if stopped || offset >= seg.Size() {
				break
			}
		}

		committedWhere = seg.Base() + offset
		seg.SetWroteCommitted(offset, offset)
		r.queue.SetCommittedWhere(committedWhere)

		if stopped {
			break
		}
	}

	res.CommittedWhere = committedWhere
	if err := r.queue.TruncateDirtyFiles(committedWhere); err != nil {
		return res, err
	}
	level.Info(r.logger).Log("msg", "recovery complete", "committedWhere", committedWhere, "validRecords", res.ValidRecords)
	return res, nil
}

// checkReturnSize classifies one frame per §4.6: size > 0 is a valid
// data record to advance past, size == 0 is a padding frame (segment
// exhausted), size == -1 is a truncation point where the scan must
// stop.
func (r *Recoverer) checkReturnSize(buf []byte) (*record.Record, int, error) {
	rec, n, err := record.Decode(buf, r.checkCRC)
	if err != nil {
		return nil, -1, nil
	}
	if rec == nil {
		return nil, 0, nil // padding
	}
	return rec, n, nil
}

// Package dispatch implements the one-directional hand-off of each
// persisted record's metadata to downstream index builders (component
// C7). The engine makes no guarantees beyond calling Dispatch once per
// persisted data record in physical-offset order; a sink's failure is
// fatal and is never retried here.
package dispatch

import (
	"github.com/brokerlabs/commitlog/appender"
)

// Sink receives dispatched records and truncation notices. It
// satisfies appender.DispatchSink.
type Sink interface {
	appender.DispatchSink
	TruncateAbove(offset int64) error
}

// FanOut dispatches to every child Sink in order, in the order they
// were added, stopping at the first error.
type FanOut struct {
	sinks []Sink
}

// NewFanOut constructs a FanOut over the given sinks.
func NewFanOut(sinks ...Sink) *FanOut {
	return &FanOut{sinks: sinks}
}

// Dispatch satisfies appender.DispatchSink.
func (f *FanOut) Dispatch(req appender.DispatchRequest) error {
	for _, s := range f.sinks {
		if err := s.Dispatch(req); err != nil {
			return err
		}
	}
	return nil
}

// TruncateAbove discards index data at or beyond offset in every
// child sink, used by the Recoverer after an abnormal-recovery scan.
func (f *FanOut) TruncateAbove(offset int64) error {
	for _, s := range f.sinks {
		if err := s.TruncateAbove(offset); err != nil {
			return err
		}
	}
	return nil
}

// RecordingSink is a simple in-memory Sink, useful as the consume-queue
// and key-hash-index stand-in referenced but left out of scope by the
// engine (§1): it exists so tests and small deployments have a working
// DispatchSink without wiring a real index builder.
type RecordingSink struct {
	Requests []appender.DispatchRequest
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Dispatch appends req to Requests.
func (r *RecordingSink) Dispatch(req appender.DispatchRequest) error {
	r.Requests = append(r.Requests, req)
	return nil
}

// TruncateAbove drops every recorded request at or beyond offset.
func (r *RecordingSink) TruncateAbove(offset int64) error {
	kept := r.Requests[:0]
	for _, req := range r.Requests {
		if req.PhysicalOffset < offset {
			kept = append(kept, req)
		}
	}
	r.Requests = kept
	return nil
}

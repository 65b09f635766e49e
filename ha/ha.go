// Package ha declares the HAService collaborator interface the engine
// consumes for synchronous replication acknowledgement. The
// replication transport itself is out of scope (§1 Non-goals); this
// package carries only the interface and a no-op implementation
// suitable for a single-node (AsyncMaster) broker.
package ha

import "context"

// GroupCommitRequest asks HAService to wait for at least one slave to
// acknowledge durability up to Offset.
type GroupCommitRequest struct {
	Offset int64
}

// Service is the collaborator interface consumed by the engine (§6).
type Service interface {
	// IsSlaveOK reports whether at least one slave is caught up close
	// enough to offset to accept a synchronous-durability request.
	IsSlaveOK(offset int64) bool
	// PutRequest enqueues a group-commit acknowledgement request.
	PutRequest(ctx context.Context, req GroupCommitRequest) (acked bool)
	// WakeUp notifies the replication loop that new data is available.
	WakeUp()
}

// NoopService is used when brokerRole is AsyncMaster (no slaves
// configured): every slave is considered unavailable since none
// exists, and acknowledgement requests have nothing to wait for.
type NoopService struct{}

// IsSlaveOK always reports false: there are no slaves to be OK.
func (NoopService) IsSlaveOK(int64) bool { return false }

// PutRequest is a no-op; callers of a NoopService must not route
// synchronous-replication puts to it (see commitlog.Engine's
// brokerRole handling).
func (NoopService) PutRequest(context.Context, GroupCommitRequest) bool { return false }

// WakeUp is a no-op.
func (NoopService) WakeUp() {}

package replication

import "errors"

// Error taxonomy for a single replication round. Dispatch errors are logged and counted on
// the metrics probe and are not passed on as follower replies; only append failure,
// truncation and shutdown are surfaced to the caller of WaitForMajority.
var (
	ErrLeaderAppendFailed       = errors.New("replication: leader append failed")
	ErrLeaderFlushFailed        = errors.New("replication: leader flush failed")
	ErrDispatchFailed           = errors.New("replication: dispatch to follower failed")
	ErrReplicatedEntryTruncated = errors.New("replication: replicated entry truncated by a newer term")
	ErrShuttingDown             = errors.New("replication: shutting down")
	ErrBatchReleased            = errors.New("replication: batch already released")
)

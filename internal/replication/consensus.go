package replication

import (
	"context"

	"raftreplicate/internal/raftpb"
)

// Consensus is the set of capabilities the replication state machine consumes from the
// surrounding Raft implementation. Leader election, log compaction, snapshot transfer,
// follower recovery, on-disk log format and membership-change safety live behind this
// interface and are out of scope for this package.
type Consensus interface {
	// Self returns this node's own identity.
	Self() raftpb.VNode
	// Group returns the replication group (partition) id.
	Group() int64
	// Term returns the current term.
	Term() uint64
	// CommittedOffset returns the leader's current committed offset.
	CommittedOffset() uint64
	// Config returns the current voter/learner configuration.
	Config() raftpb.GroupConfiguration

	// DiskAppend appends entries to the local log, returning the resulting tail.
	// updateQuorumIndex controls whether this append is eligible to advance the leader's
	// quorum-replicated-index watermark.
	DiskAppend(ctx context.Context, entries []raftpb.LogEntry, updateQuorumIndex bool) (raftpb.AppendResult, error)
	// FlushLog is the leader-side durability barrier.
	FlushLog(ctx context.Context) error

	// SuppressHeartbeats prevents heartbeat RPCs to id until the returned guard is released.
	SuppressHeartbeats(id raftpb.VNode) HeartbeatGuard

	// ClientProtocol is used to send AppendEntries RPCs to followers.
	ClientProtocol() ClientProtocol
	// ValidateReplyTarget checks that a reply actually originated from expected.
	ValidateReplyTarget(reply raftpb.AppendEntriesReply, expected raftpb.VNode) error
	// ProcessAppendEntriesReply hands a reply to the long-lived follower-stats/commit-index
	// machinery. The RSM calls it for every follower reply that came back from the expected
	// target and for the leader's own flush (a ReplyFailure reply when the flush failed). A
	// follower dispatch that fails locally (no permit, transport error, mismatched reply
	// source) is counted on the metrics probe and is not passed here.
	ProcessAppendEntriesReply(id raftpb.VNode, reply raftpb.AppendEntriesReply, seq uint64, dirtyOffset uint64)

	// CommitIndexUpdated returns a waiter blocking until the commit index advances or the
	// collaborator is shutting down.
	CommitIndexUpdated() CommitWaiter
	// TermAt returns the term of the entry at offset, used to detect truncation.
	TermAt(offset uint64) (uint64, error)

	// FindFollower looks up existing bookkeeping for id without creating it.
	FindFollower(id raftpb.VNode) (*FollowerStat, bool)
	// RegisterFollowerRequest records that a request was just sent to id, creating its
	// bookkeeping record on first contact.
	RegisterFollowerRequest(id raftpb.VNode, isLearner bool, meta raftpb.ProtocolMeta, expectedLogEndOffset uint64) *FollowerStat

	// AcquireAppendEntriesUnit serializes concurrent replication rounds targeting the same
	// follower; the returned func releases the permit.
	AcquireAppendEntriesUnit(ctx context.Context, id raftpb.VNode) (func(), error)

	// Metrics exposes the error-counting probe.
	Metrics() MetricsProbe
}

// MetricsProbe is the narrow metrics surface the replication state machine writes to.
type MetricsProbe interface {
	ReplicateRequestError()
}

// HeartbeatGuard is a scoped resource: while held, heartbeats to its follower are
// suppressed. Release is idempotent from the RSM's point of view (the RSM itself only ever
// calls it once per follower, enforced with sync.Once) but implementations should tolerate
// being asked to release more than once.
type HeartbeatGuard interface {
	Release()
}

// CommitWaiter blocks until the commit index covers offset, the round is known truncated by
// a newer term (ErrReplicatedEntryTruncated), the context is cancelled, or the collaborator
// starts shutting down (ErrShuttingDown). initialCommittedOffset and appendedTerm are the
// values observed by the caller at append time; the waiter re-checks the three-way
// truncation predicate (term advanced, commit advanced past initialCommittedOffset, and the
// log entry at offset no longer carries appendedTerm) on every wakeup, so a commit index
// that never reaches offset - because a newer leader truncated the entry - still returns
// promptly instead of blocking forever.
type CommitWaiter interface {
	Wait(ctx context.Context, offset, initialCommittedOffset, appendedTerm uint64) error
}

// ClientProtocol sends an AppendEntries RPC to a single peer.
type ClientProtocol interface {
	AppendEntries(ctx context.Context, target raftpb.VNode, req raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error)
}

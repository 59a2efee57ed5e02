package replication

import (
	"sync"
	"time"

	"raftreplicate/internal/raftpb"
)

// FollowerStat is the long-lived bookkeeping the consensus collaborator keeps per follower,
// consulted and updated across many replication rounds.
type FollowerStat struct {
	mu sync.RWMutex

	isLearner                 bool
	requests                  uint64
	lastReceivedReplyTimestamp time.Time
	expectedLogEndOffset      uint64
	lastSentProtocolMeta      raftpb.ProtocolMeta
}

// NewFollowerStat creates a fresh, never-contacted follower record.
func NewFollowerStat(isLearner bool) *FollowerStat {
	return &FollowerStat{isLearner: isLearner}
}

func (f *FollowerStat) IsLearner() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isLearner
}

func (f *FollowerStat) Requests() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.requests
}

func (f *FollowerStat) LastReceivedReplyTimestamp() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastReceivedReplyTimestamp
}

func (f *FollowerStat) ExpectedLogEndOffset() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.expectedLogEndOffset
}

func (f *FollowerStat) LastSentProtocolMeta() raftpb.ProtocolMeta {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastSentProtocolMeta
}

// MarkRequestSent records that a request was just dispatched to this follower, expecting its
// log to end at expectedLogEndOffset afterwards.
func (f *FollowerStat) MarkRequestSent(meta raftpb.ProtocolMeta, expectedLogEndOffset uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.lastSentProtocolMeta = meta
	f.expectedLogEndOffset = expectedLogEndOffset
}

// MarkReplyReceived records that a reply (successful or not) arrived just now.
func (f *FollowerStat) MarkReplyReceived(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReceivedReplyTimestamp = at
}

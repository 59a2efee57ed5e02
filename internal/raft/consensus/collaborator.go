// Package consensus provides the default implementation of replication.Consensus: the
// long-lived term/configuration/log state a Raft leader keeps around a single replication
// state machine round. Leader election, log compaction, snapshot transfer, follower
// recovery and membership-change safety are not implemented here; this is the minimal
// collaborator needed to exercise and test the replication state machine end to end.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"raftreplicate/internal/pubsub"
	"raftreplicate/internal/raft/metrics"
	"raftreplicate/internal/raft/storage"
	"raftreplicate/internal/raftpb"
	"raftreplicate/internal/replication"
)

// ShutdownEvent is published on a Collaborator's PubSubClient when it begins shutting
// down; NewCollaborator subscribes to it and, on receipt, marks the collaborator as
// shutting down and wakes every blocked CommitWaiter.Wait.
const ShutdownEvent pubsub.EventType = 1

// Collaborator is the default replication.Consensus implementation.
type Collaborator struct {
	self  raftpb.VNode
	group int64

	mu              sync.Mutex
	cond            *sync.Cond
	term            uint64
	committedOffset uint64
	shuttingDown    bool

	// lastQuorumReplicatedIndex and visibilityUpperBoundIndex track the leader's optimistic
	// read-visibility watermark, mirroring append_to_self's _last_quorum_replicated_index and
	// _visibility_upper_bound_index: once the commit index has already caught up with the
	// last append that was eligible to count toward quorum, a further self-append can raise
	// the visibility bound immediately, without waiting on another round of follower replies.
	lastQuorumReplicatedIndex uint64
	visibilityUpperBoundIndex uint64

	configMu sync.RWMutex
	config   raftpb.GroupConfiguration

	log     *storage.BboltStorage
	client  replication.ClientProtocol
	metrics *metrics.Metrics

	followersMu sync.Mutex
	followers   map[raftpb.VNode]*replication.FollowerStat

	heartbeatMu         sync.Mutex
	heartbeatSuppressed map[raftpb.VNode]int

	unitsMu sync.Mutex
	units   map[raftpb.VNode]*semaphore.Weighted

	matchMu    sync.Mutex
	matchIndex map[raftpb.VNode]uint64

	pubSub *pubsub.PubSubClient
}

// NewCollaborator builds a Collaborator for self, starting from cfg, persisting through
// log, dialing peers through client and recording errors to m. It subscribes to its own
// ShutdownEvent on pubSub so Shutdown can break any in-progress commit-wait.
func NewCollaborator(self raftpb.VNode, group int64, cfg raftpb.GroupConfiguration, log *storage.BboltStorage, client replication.ClientProtocol, m *metrics.Metrics, pubSub *pubsub.PubSubClient) *Collaborator {
	c := &Collaborator{
		self:                self,
		group:               group,
		config:              cfg,
		log:                 log,
		client:              client,
		metrics:             m,
		followers:           map[raftpb.VNode]*replication.FollowerStat{},
		heartbeatSuppressed: map[raftpb.VNode]int{},
		units:               map[raftpb.VNode]*semaphore.Weighted{},
		matchIndex:          map[raftpb.VNode]uint64{},
		pubSub:              pubSub,
	}
	c.cond = sync.NewCond(&c.mu)

	if term, err := log.GetCurrentTerm(); err == nil {
		c.term = term
	}
	if offset, err := log.GetCommittedOffset(); err == nil {
		c.committedOffset = offset
	}

	shutdownCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(pubSub, ShutdownEvent, shutdownCh, pubsub.SubscriptionOptions{IsBlocking: true})
	go func() {
		<-shutdownCh
		c.mu.Lock()
		c.shuttingDown = true
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	return c
}

// Shutdown marks the collaborator as shutting down, breaking any blocked commit-wait.
func (c *Collaborator) Shutdown() {
	pubsub.Publish(c.pubSub, pubsub.NewEvent(ShutdownEvent, struct{}{}))
}

// SetConfig installs a new voter/learner membership. Membership-change safety (joint
// consensus) is out of scope; this is a direct swap used by the demo/tests to stand up an
// initial cluster.
func (c *Collaborator) SetConfig(cfg raftpb.GroupConfiguration) {
	c.configMu.Lock()
	c.config = cfg
	c.configMu.Unlock()
}

func (c *Collaborator) Self() raftpb.VNode { return c.self }
func (c *Collaborator) Group() int64       { return c.group }

func (c *Collaborator) Term() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

func (c *Collaborator) CommittedOffset() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committedOffset
}

func (c *Collaborator) Config() raftpb.GroupConfiguration {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.config
}

// DiskAppend persists entries to the local log. bumpMatchIndex folds the leader's own tail
// into the matchIndex table unconditionally, so a single-voter group already advances the
// commit index on every append regardless of updateQuorumIndex. What updateQuorumIndex
// actually gates is the visibility-upper-bound watermark below: only an append the caller
// marked eligible (updateQuorumIndex) is allowed to raise lastQuorumReplicatedIndex, and only
// once the commit index has already caught up with that watermark does the append get to
// optimistically raise visibilityUpperBoundIndex to its own tail, ahead of the next quorum
// check.
func (c *Collaborator) DiskAppend(ctx context.Context, entries []raftpb.LogEntry, updateQuorumIndex bool) (raftpb.AppendResult, error) {
	if len(entries) == 0 {
		return raftpb.AppendResult{}, fmt.Errorf("disk append: empty batch")
	}
	if err := c.log.AppendEntries(entries); err != nil {
		return raftpb.AppendResult{}, err
	}
	last := entries[len(entries)-1]

	c.bumpMatchIndex(c.self, last.Index)

	c.mu.Lock()
	caughtUp := c.committedOffset >= c.lastQuorumReplicatedIndex
	if updateQuorumIndex && last.Index > c.lastQuorumReplicatedIndex {
		c.lastQuorumReplicatedIndex = last.Index
	}
	if caughtUp && last.Index > c.visibilityUpperBoundIndex {
		c.visibilityUpperBoundIndex = last.Index
	}
	c.mu.Unlock()

	if caughtUp {
		c.maybeUpdateMajorityReplicatedIndex()
	}

	return raftpb.AppendResult{LastOffset: last.Index, LastTerm: last.Term}, nil
}

// maybeUpdateMajorityReplicatedIndex re-derives the committed offset from the current
// matchIndex snapshot, nudging it forward if the leader's own catch-up already satisfies a
// quorum that a prior round left unclaimed.
func (c *Collaborator) maybeUpdateMajorityReplicatedIndex() {
	c.matchMu.Lock()
	snapshot := make(map[raftpb.VNode]uint64, len(c.matchIndex))
	for k, v := range c.matchIndex {
		snapshot[k] = v
	}
	c.matchMu.Unlock()

	c.bumpCommittedOffset(c.quorumMatchIndex(snapshot))
}

// VisibilityUpperBound returns the leader's optimistic read-visibility watermark, which may
// lead the committed offset by one self-append when the leader was already caught up with
// the last quorum-eligible append.
func (c *Collaborator) VisibilityUpperBound() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibilityUpperBoundIndex
}

// FlushLog is a no-op: bbolt commits (and fsyncs) each transaction synchronously inside
// AppendEntries, so there is nothing left to flush by the time DiskAppend returns.
func (c *Collaborator) FlushLog(ctx context.Context) error {
	return nil
}

type heartbeatGuard struct {
	c  *Collaborator
	id raftpb.VNode
}

func (g *heartbeatGuard) Release() { g.c.resumeHeartbeats(g.id) }

// SuppressHeartbeats increments a per-follower suppression counter; HeartbeatsSuppressed
// reports whether a would-be heartbeat sender should currently skip id.
func (c *Collaborator) SuppressHeartbeats(id raftpb.VNode) replication.HeartbeatGuard {
	c.heartbeatMu.Lock()
	c.heartbeatSuppressed[id]++
	c.heartbeatMu.Unlock()
	return &heartbeatGuard{c: c, id: id}
}

func (c *Collaborator) resumeHeartbeats(id raftpb.VNode) {
	c.heartbeatMu.Lock()
	if n := c.heartbeatSuppressed[id]; n > 0 {
		c.heartbeatSuppressed[id] = n - 1
	}
	c.heartbeatMu.Unlock()
}

// HeartbeatsSuppressed reports whether id currently has at least one outstanding
// suppression guard.
func (c *Collaborator) HeartbeatsSuppressed(id raftpb.VNode) bool {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	return c.heartbeatSuppressed[id] > 0
}

func (c *Collaborator) ClientProtocol() replication.ClientProtocol { return c.client }

func (c *Collaborator) ValidateReplyTarget(reply raftpb.AppendEntriesReply, expected raftpb.VNode) error {
	if reply.Source != expected {
		return fmt.Errorf("reply source %s does not match requested target %s", reply.Source, expected)
	}
	return nil
}

// ProcessAppendEntriesReply folds a follower's (or the leader's own) reply into the
// matchIndex table and advances the commit index if a new quorum has formed.
func (c *Collaborator) ProcessAppendEntriesReply(id raftpb.VNode, reply raftpb.AppendEntriesReply, seq uint64, dirtyOffset uint64) {
	if stat, ok := c.FindFollower(id); ok {
		stat.MarkReplyReceived(time.Now())
	}
	if reply.Result != raftpb.ReplySuccess {
		return
	}
	c.bumpMatchIndex(id, reply.LastFlushedLogIndex)
}

func (c *Collaborator) bumpMatchIndex(id raftpb.VNode, idx uint64) {
	c.matchMu.Lock()
	if idx > c.matchIndex[id] {
		c.matchIndex[id] = idx
	}
	snapshot := make(map[raftpb.VNode]uint64, len(c.matchIndex))
	for k, v := range c.matchIndex {
		snapshot[k] = v
	}
	c.matchMu.Unlock()

	c.bumpCommittedOffset(c.quorumMatchIndex(snapshot))
}

// quorumMatchIndex returns the highest offset known to be present on a majority of voters,
// mirroring the teacher's quorumSizeForConfig (voters/2 + 1).
func (c *Collaborator) quorumMatchIndex(snapshot map[raftpb.VNode]uint64) uint64 {
	voters := c.Config().Voters
	indices := make([]uint64, len(voters))
	for i, v := range voters {
		indices[i] = snapshot[v]
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })

	quorumSize := len(voters)/2 + 1
	if quorumSize <= 0 || quorumSize > len(indices) {
		return 0
	}
	return indices[quorumSize-1]
}

func (c *Collaborator) bumpCommittedOffset(offset uint64) {
	c.mu.Lock()
	if offset > c.committedOffset {
		c.committedOffset = offset
		_ = c.log.SetCommittedOffset(offset)
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// TermAt returns the term of the entry persisted at offset.
func (c *Collaborator) TermAt(offset uint64) (uint64, error) {
	return c.log.TermAt(offset)
}

func (c *Collaborator) FindFollower(id raftpb.VNode) (*replication.FollowerStat, bool) {
	c.followersMu.Lock()
	defer c.followersMu.Unlock()
	stat, ok := c.followers[id]
	return stat, ok
}

func (c *Collaborator) RegisterFollowerRequest(id raftpb.VNode, isLearner bool, meta raftpb.ProtocolMeta, expectedLogEndOffset uint64) *replication.FollowerStat {
	c.followersMu.Lock()
	stat, ok := c.followers[id]
	if !ok {
		stat = replication.NewFollowerStat(isLearner)
		c.followers[id] = stat
	}
	c.followersMu.Unlock()
	stat.MarkRequestSent(meta, expectedLogEndOffset)
	return stat
}

// AcquireAppendEntriesUnit serializes concurrent replication rounds targeting the same
// follower with a per-follower binary semaphore.
func (c *Collaborator) AcquireAppendEntriesUnit(ctx context.Context, id raftpb.VNode) (func(), error) {
	c.unitsMu.Lock()
	sem, ok := c.units[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		c.units[id] = sem
	}
	c.unitsMu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

func (c *Collaborator) Metrics() replication.MetricsProbe { return c.metrics }

type commitWaiter struct{ c *Collaborator }

func (c *Collaborator) CommitIndexUpdated() replication.CommitWaiter {
	return &commitWaiter{c: c}
}

// Wait blocks until the commit index covers offset, the round is found truncated by a newer
// term, ctx is cancelled, or Shutdown is called. sync.Cond has no native context support, so
// a helper goroutine rebroadcasts on ctx cancellation to wake the waiting goroutine up for a
// final check. A term change also broadcasts (see AppendEntries below), since truncation can
// leave the commit index permanently short of offset: the loop must be able to exit on a
// term bump alone, not just on committedOffset catching up.
func (w *commitWaiter) Wait(ctx context.Context, offset, initialCommittedOffset, appendedTerm uint64) error {
	c := w.c
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.shuttingDown {
			return replication.ErrShuttingDown
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.committedOffset >= offset {
			return nil
		}
		if c.term != appendedTerm && c.committedOffset > initialCommittedOffset {
			termAt, err := c.log.TermAt(offset)
			if err == nil && termAt != appendedTerm {
				return replication.ErrReplicatedEntryTruncated
			}
		}
		c.cond.Wait()
	}
}

// AppendEntries implements transport.AppendEntriesServer: the handler a follower runs to
// accept the leader's RPC, whether it arrives over gRPC or through
// transport.LoopbackClientProtocol.
func (c *Collaborator) AppendEntries(ctx context.Context, req raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error) {
	c.mu.Lock()
	if req.Meta.Term > c.term {
		c.term = req.Meta.Term
		_ = c.log.SetCurrentTerm(c.term)
		c.cond.Broadcast()
	}
	currentTerm := c.term
	c.mu.Unlock()

	last := req.Meta.PrevLogIndex
	if len(req.Entries) > 0 {
		if err := c.log.AppendEntries(req.Entries); err != nil {
			return raftpb.AppendEntriesReply{
				Source: c.self, Target: req.Target, Group: c.group, Term: currentTerm,
				Result: raftpb.ReplyFailure,
			}, nil
		}
		last = req.Entries[len(req.Entries)-1].Index
	}

	if req.Meta.CommitIndex < last {
		c.bumpCommittedOffset(req.Meta.CommitIndex)
	} else {
		c.bumpCommittedOffset(last)
	}

	return raftpb.AppendEntriesReply{
		Source:              c.self,
		Target:              req.Target,
		Group:               c.group,
		Term:                currentTerm,
		LastDirtyLogIndex:   last,
		LastFlushedLogIndex: last,
		Result:              raftpb.ReplySuccess,
	}, nil
}

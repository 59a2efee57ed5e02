// Package replication implements the single-round state machine that drives one
// AppendEntries fan-out inside a Raft leader: append the batch to the leader's own log,
// dispatch AppendEntries to every other member of the configuration concurrently,
// coordinate an optional leader-side flush, and let the caller block separately until the
// entries commit, are known truncated, or the leader shuts down.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"raftreplicate/internal/raftpb"
)

// ReplicateAppendTimeout bounds both one AppendEntries call to a follower (including any
// retries the ClientProtocol makes inside that call) and the staleness window used by the
// skip predicate: a follower that hasn't replied within this long is
// presumed down and is not sent more requests until heartbeats recover it.
const ReplicateAppendTimeout = 3 * time.Second

type guardEntry struct {
	guard HeartbeatGuard
	once  sync.Once
}

// RSM is a single-use replication round. Construct one with New, call Apply once, then
// WaitForMajority, then WaitForShutdown before discarding it.
type RSM struct {
	consensus     Consensus
	meta          raftpb.ProtocolMeta
	flushRequired bool
	batch         *Batch
	followersSeq  map[raftpb.VNode]uint64

	guardsMu sync.Mutex
	guards   map[raftpb.VNode]*guardEntry

	group *errgroup.Group

	dirtyOffset            uint64
	appendedTerm            uint64
	initialCommittedOffset uint64
	appendErr              error
	requestsCount          int
}

// New constructs an RSM for one replication round. followersSeq supplies the
// caller-assigned request-sequence number for each follower (and, optionally, the leader
// itself); followers absent from the map are treated as sequence 0.
func New(consensus Consensus, meta raftpb.ProtocolMeta, flushRequired bool, entries []raftpb.LogEntry, followersSeq map[raftpb.VNode]uint64) *RSM {
	if followersSeq == nil {
		followersSeq = map[raftpb.VNode]uint64{}
	}
	return &RSM{
		consensus:     consensus,
		meta:          meta,
		flushRequired: flushRequired,
		batch:         NewBatch(entries),
		followersSeq:  followersSeq,
		guards:        map[raftpb.VNode]*guardEntry{},
	}
}

// Apply runs the append + fan-out phase. unitsRelease, if non-nil, is invoked exactly once
// after every dispatched RPC has settled and the batch has been released; it is the
// caller's hook for dropping whatever resource quota it reserved for this round. Apply
// itself never blocks on the fan-out completing — only on the local append.
func (r *RSM) Apply(ctx context.Context, unitsRelease func()) (raftpb.ReplicateResult, error) {
	self := r.consensus.Self()
	cfg := r.consensus.Config()

	cfg.ForEachBrokerID(func(id raftpb.VNode, isLearner bool) {
		if id == self {
			return
		}
		r.guardsMu.Lock()
		r.guards[id] = &guardEntry{guard: r.consensus.SuppressHeartbeats(id)}
		r.guardsMu.Unlock()
	})

	appendResult, err := r.appendToSelf(ctx)
	if err != nil {
		r.releaseAllGuards()
		r.appendErr = fmt.Errorf("%w: %v", ErrLeaderAppendFailed, err)
		return raftpb.ReplicateResult{}, r.appendErr
	}
	r.dirtyOffset = appendResult.LastOffset
	r.appendedTerm = appendResult.LastTerm
	r.initialCommittedOffset = r.consensus.CommittedOffset()

	type target struct {
		id        raftpb.VNode
		isLearner bool
	}
	var dispatched []target
	dispatched = append(dispatched, target{id: self})

	cfg.ForEachBrokerID(func(id raftpb.VNode, isLearner bool) {
		if id == self {
			return
		}
		if r.shouldSkipFollowerRequest(id, isLearner) {
			r.releaseGuard(id)
			return
		}
		r.consensus.RegisterFollowerRequest(id, isLearner, r.meta, r.dirtyOffset)
		dispatched = append(dispatched, target{id: id, isLearner: isLearner})
	})
	r.requestsCount = len(dispatched)

	g, gctx := errgroup.WithContext(context.Background())
	r.group = g
	for _, t := range dispatched {
		id := t.id
		g.Go(func() error {
			r.dispatchOne(gctx, id)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		r.batch.Release()
		if unitsRelease != nil {
			unitsRelease()
		}
	}()

	return raftpb.ReplicateResult{LastOffset: r.dirtyOffset}, nil
}

// WaitForMajority blocks until the entries appended by Apply are committed, known
// truncated, or the leader is shutting down.
func (r *RSM) WaitForMajority(ctx context.Context) (raftpb.ReplicateResult, error) {
	if r.appendErr != nil {
		return raftpb.ReplicateResult{}, r.appendErr
	}
	waiter := r.consensus.CommitIndexUpdated()
	if err := waiter.Wait(ctx, r.dirtyOffset, r.initialCommittedOffset, r.appendedTerm); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return raftpb.ReplicateResult{}, ErrShuttingDown
		}
		return raftpb.ReplicateResult{}, err
	}
	return r.processResult()
}

// WaitForShutdown drains the background dispatch tasks spawned by Apply. Idempotent; safe
// to call even when Apply failed before spawning any tasks.
func (r *RSM) WaitForShutdown() {
	if r.group != nil {
		_ = r.group.Wait()
	}
}

func (r *RSM) processResult() (raftpb.ReplicateResult, error) {
	currentTerm := r.consensus.Term()
	if currentTerm != r.appendedTerm {
		termAt, err := r.consensus.TermAt(r.dirtyOffset)
		if err == nil && termAt != r.appendedTerm {
			return raftpb.ReplicateResult{}, ErrReplicatedEntryTruncated
		}
	}
	committed := r.consensus.CommittedOffset()
	if committed < r.dirtyOffset {
		panic("replication: commit index observed below a successfully awaited offset")
	}
	return raftpb.ReplicateResult{LastOffset: r.dirtyOffset}, nil
}

func (r *RSM) appendToSelf(ctx context.Context) (raftpb.AppendResult, error) {
	reader, err := r.batch.Share()
	if err != nil {
		return raftpb.AppendResult{}, err
	}
	return r.consensus.DiskAppend(ctx, reader.Entries(), r.flushRequired)
}

// shouldSkipFollowerRequest implements §4.4a: never skip learners or first-ever requests;
// otherwise skip a follower presumed down, or whose tail doesn't match this round's
// expectation — recovery, not another redundant append, will reconcile it.
func (r *RSM) shouldSkipFollowerRequest(id raftpb.VNode, isLearner bool) bool {
	stat, ok := r.consensus.FindFollower(id)
	if !ok {
		return false
	}
	if isLearner || stat.Requests() == 0 {
		return false
	}
	if time.Since(stat.LastReceivedReplyTimestamp()) > ReplicateAppendTimeout {
		return true
	}
	return stat.ExpectedLogEndOffset() != r.meta.PrevLogIndex
}

func (r *RSM) dispatchOne(ctx context.Context, id raftpb.VNode) {
	if id == r.consensus.Self() {
		r.flushLog(ctx)
		return
	}
	r.dispatchSingleRetry(ctx, id)
}

// flushLog is the leader's own entry in the fan-out: it never leaves the process, so there
// is no RPC, just an optional local flush synthesized into the same reply shape a follower
// would have produced.
func (r *RSM) flushLog(ctx context.Context) {
	self := r.consensus.Self()
	var reply raftpb.AppendEntriesReply
	var flushErr error
	if r.flushRequired {
		if err := r.consensus.FlushLog(ctx); err != nil {
			flushErr = fmt.Errorf("%w: %v", ErrLeaderFlushFailed, err)
		}
	}
	if flushErr == nil {
		reply = raftpb.AppendEntriesReply{
			Source:              self,
			Target:              self,
			Group:               r.consensus.Group(),
			Term:                r.appendedTerm,
			LastDirtyLogIndex:   r.dirtyOffset,
			LastFlushedLogIndex: r.dirtyOffset,
			Result:              raftpb.ReplySuccess,
		}
	} else {
		log.Printf("[REPLICATE] leader flush failed: %v", flushErr)
		r.consensus.Metrics().ReplicateRequestError()
		reply = raftpb.AppendEntriesReply{
			Source: self,
			Target: self,
			Group:  r.consensus.Group(),
			Term:   r.appendedTerm,
			Result: raftpb.ReplyFailure,
		}
	}
	seq := r.followersSeq[self]
	r.consensus.ProcessAppendEntriesReply(self, reply, seq, r.dirtyOffset)
}

func (r *RSM) dispatchSingleRetry(ctx context.Context, id raftpb.VNode) {
	defer r.releaseGuard(id)

	release, err := r.consensus.AcquireAppendEntriesUnit(ctx, id)
	if err != nil {
		log.Printf("[REPLICATE] could not acquire append-entries unit for %s: %v", id, err)
		r.consensus.Metrics().ReplicateRequestError()
		return
	}
	defer release()

	reader, err := r.batch.Share()
	if err != nil {
		log.Printf("[REPLICATE] batch already released dispatching to %s: %v", id, err)
		r.consensus.Metrics().ReplicateRequestError()
		return
	}

	req := raftpb.AppendEntriesRequest{
		Meta:          r.meta,
		Entries:       reader.Entries(),
		Target:        id,
		FlushRequired: r.flushRequired,
	}

	reqCtx, cancel := context.WithTimeout(ctx, ReplicateAppendTimeout)
	defer cancel()

	reply, err := r.consensus.ClientProtocol().AppendEntries(reqCtx, id, req)
	if err != nil {
		log.Printf("[REPLICATE] append-entries to %s failed: %v", id, err)
		r.consensus.Metrics().ReplicateRequestError()
		return
	}
	if err := r.consensus.ValidateReplyTarget(reply, id); err != nil {
		log.Printf("[REPLICATE] append-entries reply mismatch from %s: %v", id, err)
		r.consensus.Metrics().ReplicateRequestError()
		return
	}

	if stat, ok := r.consensus.FindFollower(id); ok {
		stat.MarkReplyReceived(time.Now())
	}
	seq := r.followersSeq[id]
	r.consensus.ProcessAppendEntriesReply(id, reply, seq, r.dirtyOffset)
}

func (r *RSM) releaseGuard(id raftpb.VNode) {
	r.guardsMu.Lock()
	entry, ok := r.guards[id]
	r.guardsMu.Unlock()
	if !ok {
		return
	}
	entry.once.Do(entry.guard.Release)
}

func (r *RSM) releaseAllGuards() {
	r.guardsMu.Lock()
	ids := make([]raftpb.VNode, 0, len(r.guards))
	for id := range r.guards {
		ids = append(ids, id)
	}
	r.guardsMu.Unlock()
	for _, id := range ids {
		r.releaseGuard(id)
	}
}

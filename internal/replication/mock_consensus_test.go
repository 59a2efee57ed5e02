package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"raftreplicate/internal/raftpb"
)

// mockClientProtocol is a hand-written test double in the pack's established idiom: a
// struct with per-target injectable behavior and a mutex, no code generation.
type mockClientProtocol struct {
	mu       sync.Mutex
	handlers map[raftpb.VNode]func(context.Context, raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error)
	calls    map[raftpb.VNode]int
}

func newMockClientProtocol() *mockClientProtocol {
	return &mockClientProtocol{
		handlers: map[raftpb.VNode]func(context.Context, raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error){},
		calls:    map[raftpb.VNode]int{},
	}
}

func (m *mockClientProtocol) set(id raftpb.VNode, h func(context.Context, raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = h
}

func (m *mockClientProtocol) AppendEntries(ctx context.Context, target raftpb.VNode, req raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error) {
	m.mu.Lock()
	m.calls[target]++
	h := m.handlers[target]
	m.mu.Unlock()

	if h != nil {
		return h(ctx, req)
	}
	last := uint64(0)
	if len(req.Entries) > 0 {
		last = req.Entries[len(req.Entries)-1].Index
	}
	return raftpb.AppendEntriesReply{
		Source: target, Target: req.Target, Result: raftpb.ReplySuccess,
		LastDirtyLogIndex: last, LastFlushedLogIndex: last,
	}, nil
}

func (m *mockClientProtocol) callCount(id raftpb.VNode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

type mockGuardHandle struct {
	c  *mockConsensus
	id raftpb.VNode
}

func (g *mockGuardHandle) Release() {
	g.c.guardsMu.Lock()
	g.c.guardsReleased[g.id] = true
	g.c.guardsMu.Unlock()
}

type mockMetrics struct{ c *mockConsensus }

func (p *mockMetrics) ReplicateRequestError() {
	p.c.metricsMu.Lock()
	p.c.metricsErrs++
	p.c.metricsMu.Unlock()
}

type mockWaiter struct{ c *mockConsensus }

func (w *mockWaiter) Wait(ctx context.Context, offset, initialCommittedOffset, appendedTerm uint64) error {
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
			return ErrShuttingDown
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.committedOffset >= offset {
			return nil
		}
		if c.term != appendedTerm && c.committedOffset > initialCommittedOffset {
			if e, ok := c.log[offset]; ok && e.Term != appendedTerm {
				return ErrReplicatedEntryTruncated
			}
		}
		c.cond.Wait()
	}
}

// mockConsensus is a hand-written Consensus test double, following the pack's mock
// convention: plain struct, sync-guarded fields, injectable error fields, no mockery/gomock.
type mockConsensus struct {
	self  raftpb.VNode
	group int64
	cfg   raftpb.GroupConfiguration

	mu              sync.Mutex
	cond            *sync.Cond
	term            uint64
	committedOffset uint64
	shuttingDown    bool
	log             map[uint64]raftpb.LogEntry
	matchIndex      map[raftpb.VNode]uint64

	appendErr error
	flushErr  error
	unitErr   error

	guardsMu       sync.Mutex
	guardsReleased map[raftpb.VNode]bool

	client ClientProtocol

	followersMu sync.Mutex
	followers   map[raftpb.VNode]*FollowerStat

	metricsMu   sync.Mutex
	metricsErrs int
}

func newMockConsensus(self raftpb.VNode, cfg raftpb.GroupConfiguration, client ClientProtocol) *mockConsensus {
	c := &mockConsensus{
		self:           self,
		cfg:            cfg,
		log:            map[uint64]raftpb.LogEntry{},
		matchIndex:     map[raftpb.VNode]uint64{},
		client:         client,
		guardsReleased: map[raftpb.VNode]bool{},
		followers:      map[raftpb.VNode]*FollowerStat{},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (m *mockConsensus) Self() raftpb.VNode                    { return m.self }
func (m *mockConsensus) Group() int64                          { return m.group }
func (m *mockConsensus) Config() raftpb.GroupConfiguration     { return m.cfg }
func (m *mockConsensus) ClientProtocol() ClientProtocol        { return m.client }
func (m *mockConsensus) Metrics() MetricsProbe                 { return &mockMetrics{c: m} }
func (m *mockConsensus) CommitIndexUpdated() CommitWaiter      { return &mockWaiter{c: m} }

func (m *mockConsensus) Term() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term
}

func (m *mockConsensus) CommittedOffset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committedOffset
}

func (m *mockConsensus) DiskAppend(ctx context.Context, entries []raftpb.LogEntry, updateQuorumIndex bool) (raftpb.AppendResult, error) {
	if m.appendErr != nil {
		return raftpb.AppendResult{}, m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var last raftpb.LogEntry
	for _, e := range entries {
		m.log[e.Index] = e
		last = e
	}
	return raftpb.AppendResult{LastOffset: last.Index, LastTerm: last.Term}, nil
}

func (m *mockConsensus) FlushLog(ctx context.Context) error { return m.flushErr }

func (m *mockConsensus) SuppressHeartbeats(id raftpb.VNode) HeartbeatGuard {
	m.guardsMu.Lock()
	m.guardsReleased[id] = false
	m.guardsMu.Unlock()
	return &mockGuardHandle{c: m, id: id}
}

func (m *mockConsensus) isGuardReleased(id raftpb.VNode) bool {
	m.guardsMu.Lock()
	defer m.guardsMu.Unlock()
	return m.guardsReleased[id]
}

func (m *mockConsensus) ValidateReplyTarget(reply raftpb.AppendEntriesReply, expected raftpb.VNode) error {
	if reply.Source != expected {
		return fmt.Errorf("reply source %s does not match target %s", reply.Source, expected)
	}
	return nil
}

func (m *mockConsensus) ProcessAppendEntriesReply(id raftpb.VNode, reply raftpb.AppendEntriesReply, seq uint64, dirtyOffset uint64) {
	if stat, ok := m.FindFollower(id); ok {
		stat.MarkReplyReceived(time.Now())
	}
	if reply.Result != raftpb.ReplySuccess {
		return
	}

	m.mu.Lock()
	if reply.LastFlushedLogIndex > m.matchIndex[id] {
		m.matchIndex[id] = reply.LastFlushedLogIndex
	}
	voters := m.cfg.Voters
	indices := make([]uint64, len(voters))
	for i, v := range voters {
		indices[i] = m.matchIndex[v]
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })
	quorum := len(voters)/2 + 1
	var newCommit uint64
	if quorum > 0 && quorum <= len(indices) {
		newCommit = indices[quorum-1]
	}
	if newCommit > m.committedOffset {
		m.committedOffset = newCommit
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

func (m *mockConsensus) TermAt(offset uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.log[offset]
	if !ok {
		return 0, fmt.Errorf("no entry at offset %d", offset)
	}
	return e.Term, nil
}

func (m *mockConsensus) FindFollower(id raftpb.VNode) (*FollowerStat, bool) {
	m.followersMu.Lock()
	defer m.followersMu.Unlock()
	s, ok := m.followers[id]
	return s, ok
}

func (m *mockConsensus) RegisterFollowerRequest(id raftpb.VNode, isLearner bool, meta raftpb.ProtocolMeta, expectedLogEndOffset uint64) *FollowerStat {
	m.followersMu.Lock()
	s, ok := m.followers[id]
	if !ok {
		s = NewFollowerStat(isLearner)
		m.followers[id] = s
	}
	m.followersMu.Unlock()
	s.MarkRequestSent(meta, expectedLogEndOffset)
	return s
}

func (m *mockConsensus) AcquireAppendEntriesUnit(ctx context.Context, id raftpb.VNode) (func(), error) {
	if m.unitErr != nil {
		return nil, m.unitErr
	}
	return func() {}, nil
}

func (m *mockConsensus) errCount() int {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.metricsErrs
}

func (m *mockConsensus) shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mockConsensus) setTermAndEntry(term uint64, offset uint64, entryTerm uint64) {
	m.mu.Lock()
	m.term = term
	m.log[offset] = raftpb.LogEntry{Term: entryTerm, Index: offset}
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mockConsensus) forceCommittedOffset(offset uint64) {
	m.mu.Lock()
	m.committedOffset = offset
	m.cond.Broadcast()
	m.mu.Unlock()
}

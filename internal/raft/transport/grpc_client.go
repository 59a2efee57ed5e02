package transport

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftreplicate/internal/raft/metrics"
	"raftreplicate/internal/raftpb"
)

const (
	// RPCTimeout bounds a single AppendEntries attempt.
	RPCTimeout = 3 * time.Second
	// MaxAppendEntriesRetries bounds the total number of attempts (the first one included)
	// a single AppendEntries call makes to a follower before giving up; recovery (out of
	// scope here) is what actually catches a follower up.
	MaxAppendEntriesRetries = 3
	// RetryBackoffBase and MaxRetryBackoff bound the exponential backoff between retries.
	RetryBackoffBase = 10 * time.Millisecond
	MaxRetryBackoff  = 200 * time.Millisecond
)

// GRPCClientProtocol is the default replication.ClientProtocol: it pools one
// *grpc.ClientConn per peer (dialed lazily through the "raft" resolver scheme, see
// resolver.go) and retries an AppendEntries RPC with exponential backoff before giving up.
type GRPCClientProtocol struct {
	clientsConnPool sync.Map // raftpb.VNode -> *grpc.ClientConn
	metrics         *metrics.Metrics
}

// NewGRPCClientProtocol constructs a client protocol reporting RPC counts to m.
func NewGRPCClientProtocol(m *metrics.Metrics) *GRPCClientProtocol {
	return &GRPCClientProtocol{metrics: m}
}

func (t *GRPCClientProtocol) getClientConn(id raftpb.VNode) (*grpc.ClientConn, error) {
	if conn, ok := t.clientsConnPool.Load(id); ok {
		return conn.(*grpc.ClientConn), nil
	}

	target := fmt.Sprintf("%s:///%s", raftScheme, id.ID)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", id, err)
	}

	actual, loaded := t.clientsConnPool.LoadOrStore(id, conn)
	if loaded {
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// AppendEntries sends req to target, retrying with exponential backoff until it succeeds,
// the context is cancelled, or the retry budget is exhausted.
func (t *GRPCClientProtocol) AppendEntries(ctx context.Context, target raftpb.VNode, req raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error) {
	conn, err := t.getClientConn(target)
	if err != nil {
		return raftpb.AppendEntriesReply{}, err
	}

	var lastErr error
	backoff := RetryBackoffBase
	for attempt := 0; attempt < MaxAppendEntriesRetries; attempt++ {
		if ctx.Err() != nil {
			return raftpb.AppendEntriesReply{}, ctx.Err()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		reply, err := callAppendEntries(attemptCtx, conn, &req)
		cancel()
		if t.metrics != nil {
			t.metrics.RecordAppendEntries()
		}
		if err == nil {
			return *reply, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return raftpb.AppendEntriesReply{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(MaxRetryBackoff)))
	}
	return raftpb.AppendEntriesReply{}, fmt.Errorf("append entries to %s: %w", target, lastErr)
}

// AddPeer registers addr for id with the "raft" resolver scheme, so future dials to
// "raft:///id" route there.
func (t *GRPCClientProtocol) AddPeer(id raftpb.VNode, addr string) {
	RegisterPeer(id.ID, addr)
}

// RemovePeer forgets a previously registered peer and closes its pooled connection.
func (t *GRPCClientProtocol) RemovePeer(id raftpb.VNode) {
	RemovePeer(id.ID)
	if conn, ok := t.clientsConnPool.LoadAndDelete(id); ok {
		conn.(*grpc.ClientConn).Close()
	}
}

// CloseAllClients tears down every pooled connection, used on shutdown.
func (t *GRPCClientProtocol) CloseAllClients() {
	t.clientsConnPool.Range(func(key, value any) bool {
		value.(*grpc.ClientConn).Close()
		t.clientsConnPool.Delete(key)
		return true
	})
}

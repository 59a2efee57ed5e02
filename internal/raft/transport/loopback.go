package transport

import (
	"context"
	"fmt"
	"sync"

	"raftreplicate/internal/raftpb"
)

// LoopbackClientProtocol dispatches AppendEntries directly to in-process peer handlers,
// without a network hop. Used by the demo CLI's default mode and by replication tests that
// exercise a full multi-node round without standing up real gRPC servers.
type LoopbackClientProtocol struct {
	mu       sync.RWMutex
	handlers map[raftpb.VNode]AppendEntriesServer
}

// NewLoopbackClientProtocol constructs an empty registry; peers are added with Register.
func NewLoopbackClientProtocol() *LoopbackClientProtocol {
	return &LoopbackClientProtocol{handlers: map[raftpb.VNode]AppendEntriesServer{}}
}

// Register makes srv reachable as target.
func (l *LoopbackClientProtocol) Register(target raftpb.VNode, srv AppendEntriesServer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[target] = srv
}

// AppendEntries delivers req to target's registered handler.
func (l *LoopbackClientProtocol) AppendEntries(ctx context.Context, target raftpb.VNode, req raftpb.AppendEntriesRequest) (raftpb.AppendEntriesReply, error) {
	l.mu.RLock()
	srv, ok := l.handlers[target]
	l.mu.RUnlock()
	if !ok {
		return raftpb.AppendEntriesReply{}, fmt.Errorf("loopback transport: no peer registered for %s", target)
	}
	return srv.AppendEntries(ctx, req)
}

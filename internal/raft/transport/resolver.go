package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"
)

// raftScheme is the gRPC target scheme this package registers: dialing "raft:///<id>"
// resolves to whatever address was last registered for that node id via RegisterPeer.
const raftScheme = "raft"

type idRegistry struct {
	mu       sync.RWMutex
	records  map[string]string
	watchers map[string]map[*raftResolver]struct{}
}

var globalIDRegistry = &idRegistry{
	records:  make(map[string]string),
	watchers: make(map[string]map[*raftResolver]struct{}),
}

// RegisterPeer sets/updates the address for a node id and notifies any active resolvers.
func RegisterPeer(id string, addr string) {
	globalIDRegistry.mu.Lock()
	globalIDRegistry.records[id] = addr
	watchers := globalIDRegistry.watchers[id]
	globalIDRegistry.mu.Unlock()

	for w := range watchers {
		w.pushCurrent()
	}
}

// RemovePeer forgets a previously registered address.
func RemovePeer(id string) {
	globalIDRegistry.mu.Lock()
	delete(globalIDRegistry.records, id)
	globalIDRegistry.mu.Unlock()
}

type raftBuilder struct{}

func (raftBuilder) Scheme() string { return raftScheme }

func (raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := target.Endpoint()
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = p
		}
	}
	if id == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %+v", target)
	}

	r := &raftResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type raftResolver struct {
	id string
	cc resolver.ClientConn
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	if set, ok := globalIDRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalIDRegistry.watchers, r.id)
		}
	}
}

func (r *raftResolver) subscribe() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	set := globalIDRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*raftResolver]struct{})
		globalIDRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *raftResolver) pushCurrent() {
	globalIDRegistry.mu.RLock()
	addr, ok := globalIDRegistry.records[r.id]
	globalIDRegistry.mu.RUnlock()

	if !ok || addr == "" {
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: addr}}})
}

func init() {
	resolver.Register(raftBuilder{})
}

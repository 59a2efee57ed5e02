// Command raftreplicate stands up a small in-process Raft group and drives one replication
// round through it: append a batch to the leader's log, fan it out to the rest of the
// group, and wait for it to commit. It exists to exercise internal/replication end to end
// and to print the resulting metrics report, not as a production server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"raftreplicate/internal"
	"raftreplicate/internal/pubsub"
	"raftreplicate/internal/raft/consensus"
	"raftreplicate/internal/raft/metrics"
	"raftreplicate/internal/raft/storage"
	"raftreplicate/internal/raft/transport"
	"raftreplicate/internal/raftpb"
	"raftreplicate/internal/replication"
)

var roundIDKey = internal.NewCtxKey[string]("replication-round-id")

func main() {
	nodes := flag.Int("nodes", 3, "number of voters in the demo replication group")
	dataDir := flag.String("data", "./data", "directory for each node's bbolt log file")
	useNetwork := flag.Bool("network", false, "dispatch AppendEntries over real gRPC instead of in-process loopback")
	payload := flag.String("payload", "hello-raft", "record data appended in the demo round")
	flag.Parse()

	if *nodes < 1 {
		log.Fatalf("-nodes must be >= 1")
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	ids := make([]raftpb.VNode, *nodes)
	for i := range ids {
		ids[i] = raftpb.VNode{ID: fmt.Sprintf("node-%d", i)}
	}
	cfg := raftpb.GroupConfiguration{Voters: ids}

	m := metrics.NewMetrics()

	var client replication.ClientProtocol
	var netSrv *networkServers
	if *useNetwork {
		gc, ns := newNetworkServers(ids, m)
		client = gc
		netSrv = ns
		defer netSrv.stop()
	} else {
		client = transport.NewLoopbackClientProtocol()
	}

	collaborators := make(map[raftpb.VNode]*consensus.Collaborator, len(ids))
	for _, id := range ids {
		dbPath := filepath.Join(*dataDir, id.String()+".db")
		db, err := storage.NewBboltStorage(dbPath)
		if err != nil {
			log.Fatalf("failed to open storage for %s: %v", id, err)
		}
		defer db.Close()

		c := consensus.NewCollaborator(id, 1, cfg, db, client, m, pubsub.NewPubSub())
		collaborators[id] = c

		if lb, ok := client.(*transport.LoopbackClientProtocol); ok {
			lb.Register(id, c)
		}
	}

	if netSrv != nil {
		netSrv.serve(ids, collaborators)
	}

	leader := collaborators[ids[0]]
	entries := []raftpb.LogEntry{{Term: leader.Term() + 1, Index: 1, Data: []byte(*payload)}}
	meta := raftpb.ProtocolMeta{Group: leader.Group(), Term: entries[0].Term}

	ctx := internal.SetCtxKey(context.Background(), roundIDKey, uuid.NewString())
	log.Printf("[raftreplicate] starting round %s across %d voters", mustCtxValue(ctx), len(ids))

	rsm := replication.New(leader, meta, true, entries, nil)

	roundCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	submitted := time.Now()
	applied, err := rsm.Apply(roundCtx, nil)
	if err != nil {
		log.Fatalf("apply failed: %v", err)
	}
	m.RecordReplicateRound()

	result, err := rsm.WaitForMajority(roundCtx)
	if err != nil {
		if errors.Is(err, replication.ErrReplicatedEntryTruncated) {
			m.RecordReplicateTruncated()
		}
		log.Fatalf("round %s did not commit: %v", mustCtxValue(ctx), err)
	}
	m.RecordCommandLatency(time.Since(submitted))
	m.RecordCommandCommitted()
	rsm.WaitForShutdown()

	log.Printf("[raftreplicate] round %s committed offset %d (appended %d, visible %d)",
		mustCtxValue(ctx), result.LastOffset, applied.LastOffset, leader.VisibilityUpperBound())

	report := m.GetReport(len(ids))
	report.PrintReport()
}

func mustCtxValue(ctx context.Context) string {
	v, _ := internal.GetCtxKey(ctx, roundIDKey)
	return v
}

// networkServers holds the per-node gRPC listeners and servers started by
// newNetworkServers; serve registers the real AppendEntriesServer handlers once the
// collaborators exist, and stop tears everything down.
type networkServers struct {
	ids       []raftpb.VNode
	listeners []net.Listener
	servers   []*grpc.Server
}

// newNetworkServers opens one localhost listener per node and registers its address with
// the "raft" resolver scheme, returning a GRPCClientProtocol that dials through it. The
// grpc.Server for each node is created but not yet serving: serve starts it once the
// AppendEntriesServer implementation (the node's Collaborator) exists.
func newNetworkServers(ids []raftpb.VNode, m *metrics.Metrics) (*transport.GRPCClientProtocol, *networkServers) {
	client := transport.NewGRPCClientProtocol(m)
	ns := &networkServers{ids: ids}

	for _, id := range ids {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			log.Fatalf("failed to listen for %s: %v", id, err)
		}
		client.AddPeer(id, lis.Addr().String())
		ns.listeners = append(ns.listeners, lis)
		ns.servers = append(ns.servers, grpc.NewServer())
	}
	return client, ns
}

func (ns *networkServers) serve(ids []raftpb.VNode, collaborators map[raftpb.VNode]*consensus.Collaborator) {
	for i, id := range ids {
		transport.RegisterAppendEntriesServer(ns.servers[i], collaborators[id])
		go func(s *grpc.Server, lis net.Listener, id raftpb.VNode) {
			if err := s.Serve(lis); err != nil {
				log.Printf("[raftreplicate] grpc server for %s stopped: %v", id, err)
			}
		}(ns.servers[i], ns.listeners[i], id)
	}
}

func (ns *networkServers) stop() {
	for i, s := range ns.servers {
		s.GracefulStop()
		ns.listeners[i].Close()
	}
}

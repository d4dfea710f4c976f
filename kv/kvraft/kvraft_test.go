package kvraft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oopDaniel/raftnode/raft"
	"github.com/pkg/errors"
)

// fakeRaft commits every proposal immediately.
type fakeRaft struct {
	mu      sync.Mutex
	leader  bool
	term    uint64
	index   uint64
	applyCh chan raft.ApplyMsg

	// appliedTerm, when set, is stamped on applied entries instead of term,
	// as if a new leader overwrote the proposal.
	appliedTerm uint64
}

func newFakeRaft() *fakeRaft {
	return &fakeRaft{leader: true, term: 1, applyCh: make(chan raft.ApplyMsg, 64)}
}

func (f *fakeRaft) Start(command []byte) (uint64, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leader {
		return 0, f.term, false
	}
	f.index++
	term := f.term
	if f.appliedTerm != 0 {
		term = f.appliedTerm
	}
	f.applyCh <- raft.ApplyMsg{CommandValid: true, Command: command, CommandIndex: f.index, CommandTerm: term}
	return f.index, f.term, true
}

func (f *fakeRaft) GetState() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.term, f.leader
}

func startFake(t *testing.T) (*fakeRaft, *KVServer) {
	t.Helper()
	rf := newFakeRaft()
	kv := StartKVServer(rf, rf.applyCh)
	t.Cleanup(kv.Kill)
	return rf, kv
}

func put(t *testing.T, kv *KVServer, op, key, value string) PutAppendReply {
	t.Helper()
	var reply PutAppendReply
	if err := kv.PutAppend(context.Background(), &PutAppendArgs{Key: key, Value: value, Op: op}, &reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func get(t *testing.T, kv *KVServer, key string) GetReply {
	t.Helper()
	var reply GetReply
	if err := kv.Get(context.Background(), &GetArgs{Key: key}, &reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestPutAppendGet(t *testing.T) {
	_, kv := startFake(t)

	if r := get(t, kv, "a"); r.WrongLeader || r.Res != ErrNoKey || r.Value != "" {
		t.Fatalf("missing key: %+v", r)
	}
	if r := put(t, kv, "Put", "a", "x"); r.WrongLeader || r.Res != OK {
		t.Fatalf("put: %+v", r)
	}
	put(t, kv, "Append", "a", "y")
	put(t, kv, "Append", "b", "z")

	if r := get(t, kv, "a"); r.Res != OK || r.Value != "xy" {
		t.Fatalf("a = %+v", r)
	}
	if r := get(t, kv, "b"); r.Res != OK || r.Value != "z" {
		t.Fatalf("b = %+v", r)
	}

	data, applied := kv.Snapshot()
	if applied != 6 || len(data) != 2 {
		t.Fatalf("snapshot at %d: %v", applied, data)
	}
}

func TestNotLeaderRejects(t *testing.T) {
	rf, kv := startFake(t)
	rf.leader = false

	if r := put(t, kv, "Put", "a", "x"); !r.WrongLeader {
		t.Fatalf("follower accepted put: %+v", r)
	}
	if r := get(t, kv, "a"); !r.WrongLeader {
		t.Fatalf("follower answered get: %+v", r)
	}
	if _, err := kv.submit(context.Background(), Op{OpName: GET, Key: "a"}); errors.Cause(err) != raft.ErrNotLeader {
		t.Fatalf("err = %v, want ErrNotLeader", err)
	}
}

func TestOverwrittenProposalFails(t *testing.T) {
	rf, kv := startFake(t)
	rf.appliedTerm = 2

	if r := put(t, kv, "Put", "a", "x"); !r.WrongLeader {
		t.Fatalf("reply = %+v, want a retry hint", r)
	}
	if _, err := kv.submit(context.Background(), Op{OpName: PUT, Key: "a", Value: "y"}); errors.Cause(err) != raft.ErrNotLeader {
		t.Fatalf("err = %v, want ErrNotLeader", err)
	}
}

func TestReplayIsIgnored(t *testing.T) {
	rf, kv := startFake(t)
	put(t, kv, "Put", "a", "x")
	put(t, kv, "Append", "a", "y")

	// A restarted raft delivers the log again from the start.
	for i, op := range []Op{{Key: "a", Value: "x", OpName: PUT}, {Key: "a", Value: "y", OpName: APPEND}} {
		cmd, err := encodeOp(op)
		if err != nil {
			t.Fatal(err)
		}
		rf.applyCh <- raft.ApplyMsg{CommandValid: true, Command: cmd, CommandIndex: uint64(i + 1), CommandTerm: 1}
	}

	if r := get(t, kv, "a"); r.Value != "xy" {
		t.Fatalf("a = %q after replay", r.Value)
	}
}

func TestSubmitHonoursContext(t *testing.T) {
	rf := &fakeRaft{leader: true, term: 1, applyCh: make(chan raft.ApplyMsg, 64)}
	// nothing consumes what fakeRaft sends, so the proposal never applies
	kv := StartKVServer(rf, make(chan raft.ApplyMsg))
	defer kv.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	var reply PutAppendReply
	if err := kv.PutAppend(ctx, &PutAppendArgs{Key: "a", Value: "x", Op: "Put"}, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.WrongLeader {
		t.Fatalf("reply = %+v", reply)
	}
	if time.Since(start) >= ApplyTimeout {
		t.Fatal("waited for the apply timeout instead of the context")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := kv.submit(ctx2, Op{OpName: GET, Key: "a"}); errors.Cause(err) != context.DeadlineExceeded {
		t.Fatalf("err = %v, want the context's error", err)
	}
}

type node struct {
	rf  *raft.Raft
	kv  *KVServer
	srv *raft.RPCServer
}

func (n *node) stop() {
	n.srv.Close()
	n.rf.Kill()
	n.kv.Kill()
}

// startCluster runs n raft+kv nodes over loopback RPC.
func startCluster(t *testing.T, n int) ([]*node, []raft.ClientEnd) {
	t.Helper()
	servers := make([]*raft.RPCServer, n)
	addrs := make([]string, n)
	for i := range servers {
		servers[i] = raft.MakeRPCServer()
		if err := servers[i].Serve("127.0.0.1:0", 0); err != nil {
			t.Fatal(err)
		}
		addrs[i] = servers[i].Addr().String()
	}

	var ends []*raft.RPCEnd
	nodes := make([]*node, n)
	for i := range nodes {
		peers := make(map[raft.NodeID]raft.ClientEnd)
		for j, addr := range addrs {
			if j != i {
				end := raft.MakeRPCEnd(addr)
				ends = append(ends, end)
				peers[raft.NodeID(fmt.Sprintf("n%d", j))] = end
			}
		}
		applyCh := make(chan raft.ApplyMsg)
		rf, err := raft.Make(raft.NodeID(fmt.Sprintf("n%d", i)), peers, raft.MakeMemoryPersister(), applyCh, raft.DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		kv := StartKVServer(rf, applyCh)
		if err := servers[i].Register("Raft", rf); err != nil {
			t.Fatal(err)
		}
		if err := servers[i].Register("KVServer", kv); err != nil {
			t.Fatal(err)
		}
		nodes[i] = &node{rf: rf, kv: kv, srv: servers[i]}
	}

	clients := make([]raft.ClientEnd, n)
	for i, addr := range addrs {
		end := raft.MakeRPCEnd(addr)
		ends = append(ends, end)
		clients[i] = end
	}

	t.Cleanup(func() {
		for _, nd := range nodes {
			nd.stop()
		}
		for _, end := range ends {
			end.Close()
		}
	})
	return nodes, clients
}

func TestClerkAgainstCluster(t *testing.T) {
	nodes, clients := startCluster(t, 3)
	ck := MakeClerk(clients)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := ck.Put(ctx, "k", "a"); err != nil {
		t.Fatal(err)
	}
	if err := ck.Append(ctx, "k", "b"); err != nil {
		t.Fatal(err)
	}
	if v, err := ck.Get(ctx, "k"); err != nil || v != "ab" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if v, err := ck.Get(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("Get(missing) = %q, %v", v, err)
	}

	// take the leader away; the other two carry on
	for _, nd := range nodes {
		if _, isLeader := nd.rf.GetState(); isLeader {
			nd.stop()
			break
		}
	}
	if err := ck.Append(ctx, "k", "c"); err != nil {
		t.Fatal(err)
	}
	if v, err := ck.Get(ctx, "k"); err != nil || v != "abc" {
		t.Fatalf("Get after failover = %q, %v", v, err)
	}
}

func TestClerkGivesUpWithContext(t *testing.T) {
	rf := newFakeRaft()
	rf.leader = false
	kv := StartKVServer(rf, rf.applyCh)
	defer kv.Kill()

	srv := raft.MakeRPCServer()
	if err := srv.Register("KVServer", kv); err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve("127.0.0.1:0", 0); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	end := raft.MakeRPCEnd(srv.Addr().String())
	defer end.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := MakeClerk([]raft.ClientEnd{end}).Put(ctx, "k", "v"); err == nil {
		t.Fatal("Put succeeded without a leader")
	}
}

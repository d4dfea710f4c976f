package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var errUnreachable = errors.New("unreachable")

//
// network is an in-process stand-in for the RPC transport. Members can be
// disconnected, and messages can be dropped or delayed, which is what the
// cluster tests need to exercise elections under partial failure.
//
type network struct {
	mu         sync.Mutex
	servers    map[NodeID]*Raft
	connected  map[NodeID]bool
	unreliable bool
	rng        *rand.Rand
}

func makeNetwork() *network {
	return &network{
		servers:   make(map[NodeID]*Raft),
		connected: make(map[NodeID]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type localEnd struct {
	net      *network
	from, to NodeID
}

func (e *localEnd) Call(ctx context.Context, serviceMethod string, args interface{}, reply interface{}) error {
	n := e.net
	n.mu.Lock()
	rf := n.servers[e.to]
	ok := rf != nil && n.connected[e.from] && n.connected[e.to]
	unreliable := n.unreliable
	var drop bool
	var delay time.Duration
	if unreliable {
		drop = n.rng.Intn(10) == 0
		delay = time.Duration(n.rng.Intn(5)) * time.Millisecond
	}
	n.mu.Unlock()

	if !ok || drop {
		return errUnreachable
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	switch serviceMethod {
	case "Raft.RequestVote":
		err = rf.RequestVote(ctx, args.(*RequestVoteArgs), reply.(*RequestVoteReply))
	case "Raft.AppendEntries":
		err = rf.AppendEntries(ctx, args.(*AppendEntriesArgs), reply.(*AppendEntriesReply))
	default:
		return errors.Errorf("unknown method %s", serviceMethod)
	}
	if err != nil {
		return err
	}

	// the reply can be lost too
	n.mu.Lock()
	ok = n.connected[e.from] && n.connected[e.to]
	n.mu.Unlock()
	if !ok {
		return errUnreachable
	}
	return nil
}

func testOptions() Options {
	return Options{
		ElectionTimeoutMin: 100 * time.Millisecond,
		ElectionTimeoutMax: 200 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
	}
}

type cluster struct {
	t          *testing.T
	net        *network
	ids        []NodeID
	rafts      map[NodeID]*Raft
	persisters map[NodeID]*MemoryPersister

	mu      sync.Mutex
	applied map[NodeID][]ApplyMsg
	errs    []string
}

func makeCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{
		t:          t,
		net:        makeNetwork(),
		rafts:      make(map[NodeID]*Raft),
		persisters: make(map[NodeID]*MemoryPersister),
		applied:    make(map[NodeID][]ApplyMsg),
	}
	for i := 0; i < n; i++ {
		id := NodeID(fmt.Sprintf("n%d", i+1))
		c.ids = append(c.ids, id)
		c.persisters[id] = MakeMemoryPersister()
	}
	for _, id := range c.ids {
		c.start(id)
	}
	t.Cleanup(c.cleanup)
	return c
}

// start (re)boots id from its persister and connects it.
func (c *cluster) start(id NodeID) {
	c.t.Helper()
	peers := make(map[NodeID]ClientEnd)
	for _, other := range c.ids {
		if other != id {
			peers[other] = &localEnd{net: c.net, from: id, to: other}
		}
	}

	applyCh := make(chan ApplyMsg)
	rf, err := Make(id, peers, c.persisters[id], applyCh, testOptions())
	if err != nil {
		c.t.Fatalf("Make(%s): %v", id, err)
	}

	c.mu.Lock()
	c.applied[id] = nil
	c.mu.Unlock()
	go c.collect(id, rf, applyCh)

	c.net.mu.Lock()
	c.net.servers[id] = rf
	c.net.connected[id] = true
	c.net.mu.Unlock()
	c.rafts[id] = rf
}

func (c *cluster) collect(id NodeID, rf *Raft, applyCh <-chan ApplyMsg) {
	for {
		select {
		case msg := <-applyCh:
			c.mu.Lock()
			msgs := c.applied[id]
			if want := uint64(len(msgs) + 1); msg.CommandIndex != want {
				c.errs = append(c.errs, fmt.Sprintf("%s applied index %d, want %d", id, msg.CommandIndex, want))
			}
			c.applied[id] = append(msgs, msg)
			c.mu.Unlock()
		case <-rf.Halted():
			return
		}
	}
}

func (c *cluster) crash(id NodeID) {
	c.disconnect(id)
	c.rafts[id].Kill()
}

func (c *cluster) disconnect(id NodeID) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.connected[id] = false
}

func (c *cluster) connect(id NodeID) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.connected[id] = true
}

func (c *cluster) setUnreliable(on bool) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.unreliable = on
}

func (c *cluster) isConnected(id NodeID) bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.connected[id]
}

func (c *cluster) cleanup() {
	for _, rf := range c.rafts {
		rf.Kill()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.errs {
		c.t.Error(e)
	}
}

// checkOneLeader waits until exactly one connected node leads the highest term.
func (c *cluster) checkOneLeader() NodeID {
	c.t.Helper()
	for iters := 0; iters < 20; iters++ {
		time.Sleep(100 * time.Millisecond)

		leaders := make(map[uint64][]NodeID)
		for _, id := range c.ids {
			if !c.isConnected(id) {
				continue
			}
			if term, isLeader := c.rafts[id].GetState(); isLeader {
				leaders[term] = append(leaders[term], id)
			}
		}

		var lastTerm uint64
		for term, ids := range leaders {
			if len(ids) > 1 {
				c.t.Fatalf("term %d has %d leaders: %v", term, len(ids), ids)
			}
			if term > lastTerm {
				lastTerm = term
			}
		}
		if len(leaders) > 0 {
			return leaders[lastTerm][0]
		}
	}
	c.t.Fatalf("expected one leader, got none")
	return ""
}

func (c *cluster) checkNoLeader() {
	c.t.Helper()
	for _, id := range c.ids {
		if !c.isConnected(id) {
			continue
		}
		if _, isLeader := c.rafts[id].GetState(); isLeader {
			c.t.Fatalf("expected no leader, but %s claims to be leader", id)
		}
	}
}

// nCommitted returns how many nodes applied index, failing on disagreement.
func (c *cluster) nCommitted(index uint64) (int, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	var cmd []byte
	for _, id := range c.ids {
		msgs := c.applied[id]
		if uint64(len(msgs)) < index {
			continue
		}
		got := msgs[index-1].Command
		if count > 0 && string(got) != string(cmd) {
			c.t.Fatalf("committed values at index %d differ: %q vs %q", index, cmd, got)
		}
		count++
		cmd = got
	}
	return count, cmd
}

//
// one submits cmd to whichever node is leader and waits until at least
// expected nodes applied it. Retries on leader changes for up to 10 seconds.
//
func (c *cluster) one(cmd string, expected int) uint64 {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var index uint64
		found := false
		for _, id := range c.ids {
			if !c.isConnected(id) {
				continue
			}
			if idx, _, ok := c.rafts[id].Start([]byte(cmd)); ok {
				index, found = idx, true
				break
			}
		}
		if found {
			until := time.Now().Add(2 * time.Second)
			for time.Now().Before(until) {
				if n, got := c.nCommitted(index); n >= expected && string(got) == cmd {
					return index
				}
				time.Sleep(20 * time.Millisecond)
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
	c.t.Fatalf("one(%q) failed to reach agreement", cmd)
	return 0
}

package kvraft

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oopDaniel/raftnode/raft"
	"github.com/pkg/errors"
)

const ApplyTimeout = 2 * time.Second

// Proposer is the slice of *raft.Raft the service needs.
type Proposer interface {
	Start(command []byte) (uint64, uint64, bool)
	GetState() (uint64, bool)
}

type appliedOp struct {
	term  uint64
	value string
	found bool
}

//
// KVServer is the state machine on top of raft. Every operation, reads
// included, goes through the log so that answers are linearizable.
//
type KVServer struct {
	mu      sync.Mutex
	rf      Proposer
	applyCh <-chan raft.ApplyMsg

	data           map[string]string         // Key/value pairs to store in the KV service
	lastApplied    uint64                    // highest log index reflected in data
	requestHandler map[uint64]chan appliedOp // Channel to notice client that request has been processed

	done chan struct{}
}

//
// StartKVServer consumes applyCh, which must be the channel handed to
// raft.Make for rf. It returns quickly; Kill stops the apply loop.
//
func StartKVServer(rf Proposer, applyCh <-chan raft.ApplyMsg) *KVServer {
	kv := &KVServer{
		rf:             rf,
		applyCh:        applyCh,
		data:           make(map[string]string),
		requestHandler: make(map[uint64]chan appliedOp),
		done:           make(chan struct{}),
	}
	go kv.applyStateDaemon()
	return kv
}

func (kv *KVServer) Kill() {
	select {
	case <-kv.done:
	default:
		close(kv.done)
	}
}

// RPC handler for Get
func (kv *KVServer) Get(ctx context.Context, args *GetArgs, reply *GetReply) error {
	res, err := kv.submit(ctx, Op{OpName: GET, Key: args.Key})
	if err != nil {
		raft.DPrintf("kvraft: get %q: %v", args.Key, err)
		reply.WrongLeader = true
		return nil
	}
	if res.found {
		reply.Value = res.value
		reply.Res = OK
	} else {
		reply.Res = ErrNoKey
	}
	return nil
}

// RPC handler for Put/Append
func (kv *KVServer) PutAppend(ctx context.Context, args *PutAppendArgs, reply *PutAppendReply) error {
	op := Op{
		Key:   args.Key,
		Value: args.Value,
	}
	if args.Op == "Put" {
		op.OpName = PUT
	} else {
		op.OpName = APPEND
	}

	if _, err := kv.submit(ctx, op); err != nil {
		raft.DPrintf("kvraft: %s %q: %v", args.Op, args.Key, err)
		reply.WrongLeader = true
		return nil
	}
	reply.Res = OK
	return nil
}

// Snapshot returns a copy of the applied key/value pairs and the index they reflect.
func (kv *KVServer) Snapshot() (map[string]string, uint64) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	out := make(map[string]string, len(kv.data))
	for k, v := range kv.data {
		out[k] = v
	}
	return out, kv.lastApplied
}

// submit proposes op and waits until raft committed it and it was applied
// here under the same term. Errors caused by leadership carry
// raft.ErrNotLeader as their cause.
func (kv *KVServer) submit(ctx context.Context, op Op) (appliedOp, error) {
	cmd, err := encodeOp(op)
	if err != nil {
		log.Printf("kvraft: %v", err)
		return appliedOp{}, err
	}

	// Register before the entry can possibly be applied.
	kv.mu.Lock()
	index, term, isLeader := kv.rf.Start(cmd)
	if !isLeader {
		kv.mu.Unlock()
		return appliedOp{}, raft.ErrNotLeader
	}
	resCh := make(chan appliedOp, 1)
	kv.requestHandler[index] = resCh
	kv.mu.Unlock()

	// Block until the request processed, or timeout
	timer := time.NewTimer(ApplyTimeout)
	defer timer.Stop()
	select {
	case res := <-resCh:
		// Another leader's entry landed at our index.
		if res.term != term {
			return appliedOp{}, errors.Wrapf(raft.ErrNotLeader, "index %d taken over in term %d", index, res.term)
		}
		return res, nil
	case <-timer.C:
		err = errors.Errorf("index %d not applied within %v", index, ApplyTimeout)
	case <-ctx.Done():
		err = errors.Wrapf(ctx.Err(), "waiting for index %d", index)
	case <-kv.done:
		err = errors.Wrap(raft.ErrHalted, "kv server stopped")
	}

	kv.mu.Lock()
	if kv.requestHandler[index] == resCh {
		delete(kv.requestHandler, index)
	}
	kv.mu.Unlock()
	return appliedOp{}, err
}

func (kv *KVServer) applyStateDaemon() {
	for {
		select {
		case <-kv.done:
			return
		case msg := <-kv.applyCh:
			if msg.CommandValid {
				kv.apply(msg)
			}
		}
	}
}

func (kv *KVServer) apply(msg raft.ApplyMsg) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	// A restarted raft replays from index 1.
	if msg.CommandIndex <= kv.lastApplied {
		return
	}
	kv.lastApplied = msg.CommandIndex

	res := appliedOp{term: msg.CommandTerm}
	op, err := decodeOp(msg.Command)
	if err != nil {
		log.Printf("kvraft: skipping entry %d: %v", msg.CommandIndex, err)
	} else {
		switch op.OpName {
		case PUT:
			kv.data[op.Key] = op.Value
		case APPEND:
			kv.data[op.Key] += op.Value
		}
		res.value, res.found = kv.data[op.Key]
	}

	// Notify through the channel to reply to the client
	if notifyCh, ok := kv.requestHandler[msg.CommandIndex]; ok {
		notifyCh <- res
		delete(kv.requestHandler, msg.CommandIndex)
	}
}

package kvraft

import (
	"context"
	"time"

	"github.com/oopDaniel/raftnode/raft"
	"github.com/pkg/errors"
)

type Clerk struct {
	servers []raft.ClientEnd

	lastLeader int // last known leader
}

const RequestTimeout = time.Duration(150 * time.Millisecond)

func MakeClerk(servers []raft.ClientEnd) *Clerk {
	ck := new(Clerk)
	ck.servers = servers
	ck.lastLeader = 0
	return ck
}

//
// fetch the current value for a key.
// returns "" if the key does not exist.
// keeps trying in the face of all other errors until ctx is done.
//
func (ck *Clerk) Get(ctx context.Context, key string) (string, error) {
	args := GetArgs{Key: key}

	for {
		var reply GetReply
		err := ck.call(ctx, "KVServer.Get", &args, &reply)
		if err == nil && !reply.WrongLeader {
			if reply.Res == OK {
				return reply.Value, nil
			}
			return "", nil
		}
		if err := ck.next(ctx); err != nil {
			return "", err
		}
	}
}

//
// shared by Put and Append.
//
// There is no duplicate detection: a retried Append that already committed
// under a lost reply is applied twice.
//
func (ck *Clerk) PutAppend(ctx context.Context, key string, value string, op string) error {
	args := PutAppendArgs{
		Key:   key,
		Value: value,
		Op:    op,
	}

	for {
		var reply PutAppendReply
		err := ck.call(ctx, "KVServer.PutAppend", &args, &reply)
		if err == nil && !reply.WrongLeader && reply.Res == OK {
			return nil
		}
		if err := ck.next(ctx); err != nil {
			return err
		}
	}
}

func (ck *Clerk) Put(ctx context.Context, key string, value string) error {
	return ck.PutAppend(ctx, key, value, "Put")
}
func (ck *Clerk) Append(ctx context.Context, key string, value string) error {
	return ck.PutAppend(ctx, key, value, "Append")
}

func (ck *Clerk) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	// Leave the server room to wait out an apply.
	callCtx, cancel := context.WithTimeout(ctx, ApplyTimeout+RequestTimeout)
	defer cancel()
	return ck.servers[ck.lastLeader].Call(callCtx, method, args, reply)
}

// next moves on to the following server after a pause.
func (ck *Clerk) next(ctx context.Context) error {
	ck.lastLeader = (ck.lastLeader + 1) % len(ck.servers)
	select {
	case <-time.After(RequestTimeout):
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "kvraft: no leader answered")
	}
}

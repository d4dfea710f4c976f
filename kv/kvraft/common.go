package kvraft

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

const (
	OK       = "OK"
	ErrNoKey = "ErrNoKey"
)

type Res string

type Operation int

const (
	GET Operation = iota
	PUT
	APPEND
)

// Op is the command replicated through the raft log.
type Op struct {
	Key    string
	Value  string
	OpName Operation // GET, PUT or APPEND
}

func encodeOp(op Op) ([]byte, error) {
	w := new(bytes.Buffer)
	if err := gob.NewEncoder(w).Encode(op); err != nil {
		return nil, errors.Wrap(err, "encode op")
	}
	return w.Bytes(), nil
}

func decodeOp(data []byte) (Op, error) {
	var op Op
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&op)
	return op, errors.Wrap(err, "decode op")
}

// Put or Append
type PutAppendArgs struct {
	Key   string
	Value string
	Op    string // "Put" or "Append"
}

type PutAppendReply struct {
	WrongLeader bool
	Res         Res
}

type GetArgs struct {
	Key string
}

type GetReply struct {
	WrongLeader bool
	Res         Res
	Value       string
}

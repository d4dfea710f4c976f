package raft

import (
	"time"

	"github.com/google/uuid"
)

// NodeID identifies a cluster member. It is opaque to the protocol.
type NodeID string

// NewNodeID returns a random node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.New().String())
}

type ServerState int

const (
	Follower ServerState = iota
	Candidate
	Leader
)

func (s ServerState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

type LogEntry struct {
	Index   uint64 // identify its position in the log
	Term    uint64
	Command []byte
}

//
// ApplyMsg is sent on the apply channel once per committed index, in order.
//
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex uint64
	CommandTerm  uint64
}

type RequestVoteArgs struct {
	Term         uint64 // candidate’s term
	CandidateId  NodeID // candidate requesting vote
	LastLogIndex uint64 // index of candidate’s last log entry
	LastLogTerm  uint64 // term of candidate’s last log entry
}

type RequestVoteReply struct {
	Term        uint64 // currentTerm, for candidate to update itself
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term         uint64     // leader’s term
	LeaderId     NodeID     // so follower can redirect clients
	PrevLogIndex uint64     // index of log entry immediately preceding new ones
	PrevLogTerm  uint64     // term of prevLogIndex entry
	Entries      []LogEntry // log entries to store (empty for heartbeat)
	LeaderCommit uint64     // leader’s commitIndex
}

type AppendEntriesReply struct {
	Term    uint64 // currentTerm, for leader to update itself
	Success bool   // true if follower contained entry matching prevLogIndex and prevLogTerm

	// Hints for the leader to skip back a whole term instead of one entry at a time.
	// ConflictTerm is 0 when the follower has no entry at prevLogIndex.
	ConflictTerm  uint64
	ConflictIndex uint64
}

// Rejection names why a request was refused. It never leaves the node.
type Rejection int

const (
	Accepted Rejection = iota
	StaleTerm
	LogInconsistency
	VoteDenied
	InvalidState
)

func (r Rejection) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case StaleTerm:
		return "stale term"
	case LogInconsistency:
		return "log inconsistency"
	case VoteDenied:
		return "vote denied"
	case InvalidState:
		return "invalid state"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a node for operators.
type Status struct {
	ID            NodeID    `json:"id"`
	State         string    `json:"state"`
	Term          uint64    `json:"term"`
	VotedFor      NodeID    `json:"voted_for,omitempty"`
	Leader        NodeID    `json:"leader,omitempty"`
	CommitIndex   uint64    `json:"commit_index"`
	LastApplied   uint64    `json:"last_applied"`
	LastLogIndex  uint64    `json:"last_log_index"`
	LastLogTerm   uint64    `json:"last_log_term"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Halted        bool      `json:"halted"`
}

package raft

import "github.com/pkg/errors"

var (
	// ErrNotLeader is returned to callers that need a leader.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrHalted is returned once the node stopped participating in consensus,
	// either through Kill or after a durable storage failure.
	ErrHalted = errors.New("raft: node halted")

	ErrInvalidOptions = errors.New("raft: invalid options")

	// ErrCorruptState means the persisted state could not be decoded or
	// violates the log layout.
	ErrCorruptState = errors.New("raft: corrupt persisted state")
)

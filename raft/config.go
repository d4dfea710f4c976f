package raft

import (
	"time"

	"github.com/pkg/errors"
)

// Options holds the timing knobs of a node.
type Options struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is also the cadence of the timeout check.
	HeartbeatInterval time.Duration

	// RPCTimeout bounds every outgoing peer call.
	RPCTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
	}
}

func (o Options) Validate() error {
	switch {
	case o.ElectionTimeoutMin <= 0:
		return errors.Wrap(ErrInvalidOptions, "election timeout must be positive")
	case o.ElectionTimeoutMax < o.ElectionTimeoutMin:
		return errors.Wrapf(ErrInvalidOptions, "election timeout range [%v, %v] is empty",
			o.ElectionTimeoutMin, o.ElectionTimeoutMax)
	case o.HeartbeatInterval <= 0:
		return errors.Wrap(ErrInvalidOptions, "heartbeat interval must be positive")
	case o.HeartbeatInterval >= o.ElectionTimeoutMin:
		return errors.Wrapf(ErrInvalidOptions, "heartbeat interval %v must be shorter than election timeout %v",
			o.HeartbeatInterval, o.ElectionTimeoutMin)
	case o.RPCTimeout <= 0:
		return errors.Wrap(ErrInvalidOptions, "rpc timeout must be positive")
	}
	return nil
}

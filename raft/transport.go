package raft

import (
	"context"
	"net"
	"sync"

	"github.com/keegancsmith/rpc"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

//
// ClientEnd is one peer as seen by the caller. Call sends the request named
// by serviceMethod ("Raft.RequestVote", "Raft.AppendEntries", ...) and fills
// in reply. A non-nil error means the peer did not answer: it was unreachable,
// the call timed out, or the peer refused to serve. Callers treat that as an
// ordinary lost message.
//
type ClientEnd interface {
	Call(ctx context.Context, serviceMethod string, args interface{}, reply interface{}) error
}

// RPCEnd reaches a peer over TCP. The connection is dialed on first use and
// re-dialed after it breaks.
type RPCEnd struct {
	addr string

	mu     sync.Mutex
	client *rpc.Client
}

func MakeRPCEnd(addr string) *RPCEnd {
	return &RPCEnd{addr: addr}
}

func (e *RPCEnd) Addr() string {
	return e.addr
}

func (e *RPCEnd) Call(ctx context.Context, serviceMethod string, args interface{}, reply interface{}) error {
	client, err := e.dial(ctx)
	if err != nil {
		return err
	}

	err = client.Call(ctx, serviceMethod, args, reply)
	if err == nil {
		return nil
	}
	// Server-side errors arrive as rpc.ServerError and leave the connection
	// usable; anything else means the connection is gone.
	if _, ok := err.(rpc.ServerError); !ok && ctx.Err() == nil {
		e.drop(client)
	}
	return errors.Wrapf(err, "%s on %s", serviceMethod, e.addr)
}

func (e *RPCEnd) dial(ctx context.Context) (*rpc.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", e.addr)
	}
	e.client = rpc.NewClient(conn)
	return e.client, nil
}

func (e *RPCEnd) drop(client *rpc.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == client {
		e.client.Close()
		e.client = nil
	}
}

func (e *RPCEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// RPCServer accepts peer and client connections for registered receivers.
type RPCServer struct {
	server   *rpc.Server
	listener net.Listener
	done     chan struct{}
}

func MakeRPCServer() *RPCServer {
	return &RPCServer{server: rpc.NewServer()}
}

// Register publishes the suitable methods of rcvr under name, e.g.
// Register("Raft", rf) exposes Raft.RequestVote and Raft.AppendEntries.
func (s *RPCServer) Register(name string, rcvr interface{}) error {
	return errors.Wrapf(s.server.RegisterName(name, rcvr), "register %s", name)
}

// Serve listens on addr and serves in the background. At most maxConns
// connections are open at once; 0 means unlimited.
func (s *RPCServer) Serve(addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	s.listener = ln
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.server.Accept(ln)
	}()
	return nil
}

func (s *RPCServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections. Established connections end when their
// peers hang up.
func (s *RPCServer) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	<-s.done
	return errors.Wrap(err, "close listener")
}

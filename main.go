package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/oopDaniel/raftnode/kv/kvraft"
	"github.com/oopDaniel/raftnode/raft"
	"github.com/pkg/errors"
	deadlock "github.com/sasha-s/go-deadlock"
)

type config struct {
	id         raft.NodeID
	rpcAddr    string
	httpAddr   string
	peers      map[raft.NodeID]string
	dataDir    string
	maxConns   int
	opts       raft.Options
	verbose    bool
	debugLocks bool
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (config, error) {
	defaults := raft.DefaultOptions()
	var (
		id          = fs.String("id", "", "node id (random if empty)")
		rpcAddr     = fs.String("rpc", ":9000", "address for peer and client RPC")
		httpAddr    = fs.String("http", ":8080", "address for the HTTP API")
		peers       = fs.String("peers", "", "comma-separated id=addr list of the other members")
		dataDir     = fs.String("data-dir", "raft-data", "directory for durable raft state")
		electionMin = fs.Duration("election-min", defaults.ElectionTimeoutMin, "lower bound of the election timeout")
		electionMax = fs.Duration("election-max", defaults.ElectionTimeoutMax, "upper bound of the election timeout")
		heartbeat   = fs.Duration("heartbeat", defaults.HeartbeatInterval, "leader heartbeat interval")
		maxConns    = fs.Int("max-conns", 64, "maximum concurrent RPC connections, 0 for no limit")
		verbose     = fs.Bool("v", false, "log raft internals")
		debugLocks  = fs.Bool("debug-locks", false, "enable lock-order and deadlock detection")
	)
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{
		id:         raft.NodeID(*id),
		rpcAddr:    *rpcAddr,
		httpAddr:   *httpAddr,
		dataDir:    *dataDir,
		maxConns:   *maxConns,
		verbose:    *verbose,
		debugLocks: *debugLocks,
	}
	if cfg.id == "" {
		cfg.id = raft.NewNodeID()
	}

	cfg.opts = defaults
	cfg.opts.ElectionTimeoutMin = *electionMin
	cfg.opts.ElectionTimeoutMax = *electionMax
	cfg.opts.HeartbeatInterval = *heartbeat
	if err := cfg.opts.Validate(); err != nil {
		return config{}, err
	}

	var err error
	if cfg.peers, err = parsePeers(*peers, cfg.id); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// parsePeers reads "n2=host:9000,n3=host:9001".
func parsePeers(s string, self raft.NodeID) (map[raft.NodeID]string, error) {
	peers := make(map[raft.NodeID]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, item := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || id == "" || addr == "" {
			return nil, errors.Errorf("bad peer %q, want id=addr", item)
		}
		if raft.NodeID(id) == self {
			return nil, errors.Errorf("peer list contains this node (%s)", id)
		}
		if _, dup := peers[raft.NodeID(id)]; dup {
			return nil, errors.Errorf("peer %s listed twice", id)
		}
		peers[raft.NodeID(id)] = addr
	}
	return peers, nil
}

func run(cfg config) error {
	raft.Debug = cfg.verbose
	deadlock.Opts.Disable = !cfg.debugLocks

	persister, err := raft.MakeFilePersister(cfg.dataDir)
	if err != nil {
		return err
	}

	ends := make(map[raft.NodeID]*raft.RPCEnd, len(cfg.peers))
	peerEnds := make(map[raft.NodeID]raft.ClientEnd, len(cfg.peers))
	for id, addr := range cfg.peers {
		ends[id] = raft.MakeRPCEnd(addr)
		peerEnds[id] = ends[id]
		raft.DPrintf("peer %s at %s", id, ends[id].Addr())
	}
	defer func() {
		for _, end := range ends {
			end.Close()
		}
	}()

	applyCh := make(chan raft.ApplyMsg)
	rf, err := raft.Make(cfg.id, peerEnds, persister, applyCh, cfg.opts)
	if err != nil {
		return err
	}
	defer rf.Kill()
	kv := kvraft.StartKVServer(rf, applyCh)
	defer kv.Kill()

	rpcServer := raft.MakeRPCServer()
	if err := rpcServer.Register("Raft", rf); err != nil {
		return err
	}
	if err := rpcServer.Register("KVServer", kv); err != nil {
		return err
	}
	if err := rpcServer.Serve(cfg.rpcAddr, cfg.maxConns); err != nil {
		return err
	}
	defer rpcServer.Close()

	// The HTTP API talks to the cluster like any other client, starting with
	// this node.
	self := raft.MakeRPCEnd(loopback(rpcServer.Addr().String()))
	defer self.Close()
	members := []peerInfo{{ID: cfg.id, Addr: cfg.rpcAddr}}
	clerkEnds := []raft.ClientEnd{self}
	for _, id := range sortedIds(cfg.peers) {
		members = append(members, peerInfo{ID: id, Addr: cfg.peers[id]})
		clerkEnds = append(clerkEnds, ends[id])
	}

	sv := newServer(rf, kvraft.MakeClerk(clerkEnds), members)
	httpServer := &http.Server{Addr: cfg.httpAddr, Handler: sv.handler()}
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.ListenAndServe()
	}()

	log.Printf("raft node %s: rpc on %s, http on %s, %d peers", cfg.id, rpcServer.Addr(), cfg.httpAddr, len(cfg.peers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case <-rf.Halted():
		runErr = errors.Wrap(rf.Err(), "raft node halted")
	case err := <-httpErr:
		runErr = errors.Wrap(err, "http server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	return runErr
}

// loopback turns a wildcard listen address into one we can dial.
func loopback(addr string) string {
	if strings.HasPrefix(addr, "[::]:") {
		return "127.0.0.1:" + strings.TrimPrefix(addr, "[::]:")
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return addr
}

func sortedIds(peers map[raft.NodeID]string) []raft.NodeID {
	ids := make([]raft.NodeID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

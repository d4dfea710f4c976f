package raft

//
// this is an outline of the API that raft exposes to the service.
//
// rf, err = Make(...)
//   create a new Raft server.
// rf.Start(command []byte) (index, term, isleader)
//   start agreement on a new log entry
// rf.GetState() (term, isLeader)
//   ask a Raft for its current term, and whether it thinks it is leader
// ApplyMsg
//   each time a new entry is committed to the log, each Raft peer
//   sends an ApplyMsg to the service on the applyCh passed to Make().
//

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	deadlock "github.com/sasha-s/go-deadlock"
)

//
// A Go object implementing a single Raft peer.
//
type Raft struct {
	mu        deadlock.Mutex       // Lock to protect shared access to this peer's state
	peers     map[NodeID]ClientEnd // RPC end points of the other members
	peerIds   []NodeID
	persister Persister // Object to hold this peer's persisted state
	me        NodeID
	opts      Options
	rng       *rand.Rand

	role Role // all consensus state, replaced on every transition

	leaderId        NodeID
	electionTimeout time.Duration // re-rolled on every entry into Follower or Candidate
	lastContact     time.Time     // start of the current election timeout window
	lastHeartbeat   time.Time     // last valid contact from a current leader; zero if never

	applyCh       chan<- ApplyMsg // channel to notify the service that log has been committed
	notifyApplyCh chan struct{}   // wakes the apply daemon

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	haltOnce sync.Once
	err      error
}

//
// Make creates a Raft server. peers holds the RPC end points of every other
// member, keyed by their id. persister holds the state saved before a crash,
// if any. Committed entries are delivered on applyCh. Make returns quickly;
// the long-running work happens in goroutines stopped by Kill.
//
func Make(me NodeID, peers map[NodeID]ClientEnd, persister Persister, applyCh chan<- ApplyMsg, opts Options) (*Raft, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if _, ok := peers[me]; ok {
		return nil, errors.Wrapf(ErrInvalidOptions, "peer set contains self (%s)", me)
	}

	// initialize from state persisted before a crash
	data, err := persister.ReadRaftState()
	if err != nil {
		return nil, errors.Wrap(err, "read raft state")
	}
	ps, err := decodeState(data)
	if err != nil {
		return nil, err
	}

	rf := &Raft{
		peers:         peers,
		persister:     persister,
		me:            me,
		opts:          opts,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		role:          newFollower(ps),
		applyCh:       applyCh,
		notifyApplyCh: make(chan struct{}, 1),
	}
	for id := range peers {
		rf.peerIds = append(rf.peerIds, id)
	}
	sort.Slice(rf.peerIds, func(i, j int) bool { return rf.peerIds[i] < rf.peerIds[j] })

	rf.electionTimeout = rf.randElectionTimeout()
	rf.lastContact = time.Now()
	rf.ctx, rf.cancel = context.WithCancel(context.Background())

	DPrintf("[%s] started at term %d with %d log entries, %d peers",
		me, ps.CurrentTerm, len(ps.Log)-1, len(peers))

	rf.wg.Add(2)
	go rf.tickerDaemon()
	go rf.applyLogToStateDaemon()
	return rf, nil
}

func (rf *Raft) Me() NodeID {
	return rf.me
}

// return currentTerm and whether this server
// believes it is the leader.
func (rf *Raft) GetState() (uint64, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.role.CurrentTerm, rf.role.State == Leader
}

func (rf *Raft) Status() Status {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	st := Status{
		ID:            rf.me,
		State:         rf.role.State.String(),
		Term:          rf.role.CurrentTerm,
		VotedFor:      rf.role.VotedFor,
		Leader:        rf.leaderId,
		CommitIndex:   rf.role.CommitIndex,
		LastApplied:   rf.role.LastApplied,
		LastLogIndex:  rf.role.lastLogIndex(),
		LastLogTerm:   rf.role.lastLogTerm(),
		LastHeartbeat: rf.lastHeartbeat,
		Halted:        rf.halted(),
	}
	if rf.role.State == Leader {
		st.Leader = rf.me
	}
	return st
}

//
// Start begins agreement on a new log entry. If this server isn't the leader
// it returns false. Otherwise the entry is persisted and replication starts;
// there is no guarantee the entry will ever be committed, since the leader may
// lose its position before a quorum stores it.
//
// the first return value is the index that the command will appear at
// if it's ever committed. the second return value is the current
// term. the third return value is true if this server believes it is
// the leader.
//
func (rf *Raft) Start(command []byte) (uint64, uint64, bool) {
	rf.mu.Lock()
	if rf.halted() || rf.role.State != Leader {
		term := rf.role.CurrentTerm
		rf.mu.Unlock()
		return 0, term, false
	}

	next, entry := rf.role.appendCommand(command)
	next = next.advanceCommit(len(rf.peers) + 1)
	if err := rf.setRole(next, true); err != nil {
		rf.mu.Unlock()
		return 0, entry.Term, false
	}
	reqs := rf.appendEntriesArgsLocked()
	rf.mu.Unlock()

	rf.replicate(reqs)
	return entry.Index, entry.Term, true
}

//
// Kill stops the daemons and waits for them. RPCs arriving afterwards fail
// with ErrHalted.
//
func (rf *Raft) Kill() {
	rf.halt(nil)
	rf.wg.Wait()
}

// Halted is closed once the node stopped participating in consensus.
func (rf *Raft) Halted() <-chan struct{} {
	return rf.ctx.Done()
}

// Err reports the storage failure that halted the node, if any.
func (rf *Raft) Err() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.err
}

func (rf *Raft) halt(cause error) {
	rf.haltOnce.Do(func() {
		if cause != nil {
			log.Printf("[%s] halting: %v", rf.me, cause)
			rf.err = cause
		}
		rf.cancel()
	})
}

// Should be called when holding lock.
func (rf *Raft) halted() bool {
	return rf.ctx.Err() != nil
}

//
// setRole installs next as the current role. Persistent state is written
// first whenever it changed; a failed write halts the node and leaves the
// old role in place. Should be called when holding lock.
//
func (rf *Raft) setRole(next Role, logChanged bool) error {
	prev := rf.role
	if logChanged || prev.CurrentTerm != next.CurrentTerm || prev.VotedFor != next.VotedFor {
		if err := rf.persist(next.PersistentState); err != nil {
			// halt takes no lock, safe to call here
			rf.halt(err)
			return ErrHalted
		}
	}

	rf.role = next
	if next.State != Leader && (next.State != prev.State || next.CurrentTerm != prev.CurrentTerm) {
		rf.electionTimeout = rf.randElectionTimeout()
	}
	if next.State != Follower || next.CurrentTerm != prev.CurrentTerm {
		rf.leaderId = ""
	}
	if next.State != prev.State {
		DPrintf("[%s] %s -> %s at term %d", rf.me, prev.State, next.State, next.CurrentTerm)
	}
	if next.CommitIndex > prev.CommitIndex {
		rf.signalApply()
	}
	return nil
}

//
// save Raft's persistent state to stable storage,
// where it can later be retrieved after a crash and restart.
//
func (rf *Raft) persist(ps PersistentState) error {
	data, err := encodeState(ps)
	if err != nil {
		return err
	}
	return errors.Wrap(rf.persister.SaveRaftState(data), "persist raft state")
}

func (rf *Raft) randElectionTimeout() time.Duration {
	return randDuration(rf.rng, rf.opts.ElectionTimeoutMin, rf.opts.ElectionTimeoutMax)
}

func (rf *Raft) clusterSize() int {
	return len(rf.peers) + 1
}

//
// tickerDaemon checks the node on a fixed cadence. A Follower or Candidate
// that has not heard from a leader within its election timeout starts an
// election; a Leader sends heartbeats and pending entries instead.
//
func (rf *Raft) tickerDaemon() {
	defer rf.wg.Done()

	ticker := time.NewTicker(rf.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rf.ctx.Done():
			return
		case <-ticker.C:
			rf.tick()
		}
	}
}

func (rf *Raft) tick() {
	rf.mu.Lock()
	if rf.halted() {
		rf.mu.Unlock()
		return
	}

	if rf.role.State == Leader {
		reqs := rf.appendEntriesArgsLocked()
		rf.mu.Unlock()
		rf.replicate(reqs)
		return
	}

	if time.Since(rf.lastContact) <= rf.electionTimeout {
		rf.mu.Unlock()
		return
	}
	args, ok := rf.startElectionLocked()
	rf.mu.Unlock()
	if ok {
		rf.requestVotes(args)
	}
}

//
// startElectionLocked moves to a new term as Candidate and returns the vote
// request to fan out. Should be called when holding lock.
//
func (rf *Raft) startElectionLocked() (RequestVoteArgs, bool) {
	next := rf.role.campaign(rf.me)
	if err := rf.setRole(next, false); err != nil {
		return RequestVoteArgs{}, false
	}
	rf.lastContact = time.Now()
	log.Printf("[%s] starting election for term %d", rf.me, next.CurrentTerm)

	// A single-node cluster already has its majority.
	rf.maybeBecomeLeaderLocked()

	return RequestVoteArgs{
		Term:         next.CurrentTerm,
		CandidateId:  rf.me,
		LastLogIndex: next.lastLogIndex(),
		LastLogTerm:  next.lastLogTerm(),
	}, true
}

// Should be called when holding lock.
func (rf *Raft) maybeBecomeLeaderLocked() {
	if rf.role.State != Candidate || rf.role.voteCount() < quorum(rf.clusterSize()) {
		return
	}
	next := rf.role.lead(rf.peerIds)
	if err := rf.setRole(next, false); err != nil {
		return
	}
	log.Printf("[%s] became leader for term %d", rf.me, next.CurrentTerm)
}

// requestVotes sends args to every peer concurrently and applies the replies
// as they arrive. It does not wait for them.
func (rf *Raft) requestVotes(args RequestVoteArgs) {
	for _, id := range rf.peerIds {
		go func(id NodeID) {
			var reply RequestVoteReply
			if !rf.call(id, "Raft.RequestVote", &args, &reply) {
				return
			}
			rf.handleVoteReply(id, &args, &reply)
		}(id)
	}
}

func (rf *Raft) handleVoteReply(voter NodeID, args *RequestVoteArgs, reply *RequestVoteReply) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.halted() {
		return
	}
	if reply.Term > rf.role.CurrentTerm { // Found a higher term; become follower
		if err := rf.setRole(rf.role.stepDown(reply.Term), false); err != nil {
			log.Printf("[%s] stepping down to term %d: %v", rf.me, reply.Term, err)
		}
		return
	}
	// May receive reply from previous terms because of latency
	if rf.role.State != Candidate || rf.role.CurrentTerm != args.Term || !reply.VoteGranted {
		return
	}

	if err := rf.setRole(rf.role.withVote(voter), false); err != nil {
		return
	}
	rf.maybeBecomeLeaderLocked()
	if rf.role.State == Leader {
		reqs := rf.appendEntriesArgsLocked()
		// assert leadership right away rather than on the next tick
		go rf.replicate(reqs)
	}
}

type appendRequest struct {
	peer NodeID
	args AppendEntriesArgs
}

// Should be called when holding lock.
func (rf *Raft) appendEntriesArgsLocked() []appendRequest {
	if rf.role.State != Leader {
		return nil
	}
	reqs := make([]appendRequest, 0, len(rf.peerIds))
	for _, id := range rf.peerIds {
		newLogIndex := rf.role.nextIndex[id] // Index of new entries sending to follower
		prevLogIndex := newLogIndex - 1      // Index just preceding the new entries
		reqs = append(reqs, appendRequest{
			peer: id,
			args: AppendEntriesArgs{
				Term:         rf.role.CurrentTerm,
				LeaderId:     rf.me,
				PrevLogIndex: prevLogIndex,
				PrevLogTerm:  rf.role.Log[prevLogIndex].Term,
				Entries:      rf.role.entriesFrom(newLogIndex),
				LeaderCommit: rf.role.CommitIndex,
			},
		})
	}
	return reqs
}

// replicate sends one AppendEntries per peer concurrently. It does not wait.
func (rf *Raft) replicate(reqs []appendRequest) {
	for _, req := range reqs {
		go func(req appendRequest) {
			var reply AppendEntriesReply
			if !rf.call(req.peer, "Raft.AppendEntries", &req.args, &reply) {
				return
			}
			rf.handleAppendReply(req.peer, &req.args, &reply)
		}(req)
	}
}

func (rf *Raft) handleAppendReply(peer NodeID, args *AppendEntriesArgs, reply *AppendEntriesReply) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.halted() {
		return
	}
	if reply.Term > rf.role.CurrentTerm {
		// Found a follower with higher term. Convert to follower.
		if err := rf.setRole(rf.role.stepDown(reply.Term), false); err != nil {
			log.Printf("[%s] stepping down to term %d: %v", rf.me, reply.Term, err)
		}
		return
	}
	// NOTE: May receive a reply from a long time ago
	if rf.role.State != Leader || rf.role.CurrentTerm != args.Term {
		return
	}

	match := rf.role.matchIndex[peer]
	next := rf.role.nextIndex[peer]
	if reply.Success {
		match = Max(match, args.PrevLogIndex+uint64(len(args.Entries)))
		next = match + 1
		role := rf.role.withProgress(peer, match, next).advanceCommit(rf.clusterSize())
		if err := rf.setRole(role, false); err != nil {
			DPrintf("[%s] progress for %s dropped: %v", rf.me, peer, err)
		}
		return
	}

	// The reply answers an older probe; nextIndex already moved on.
	if next != args.PrevLogIndex+1 {
		return
	}
	next = rf.backoff(next, reply)
	next = Max(next, match+1)
	if err := rf.setRole(rf.role.withProgress(peer, match, next), false); err != nil {
		DPrintf("[%s] progress for %s dropped: %v", rf.me, peer, err)
	}
}

//
// backoff picks the next index to probe after a consistency failure, using
// the follower's conflict hints when present:
//
// If the leader has entries of ConflictTerm, resume after its last one;
// otherwise resume at ConflictIndex. Without hints step back by one.
// Should be called when holding lock.
//
func (rf *Raft) backoff(next uint64, reply *AppendEntriesReply) uint64 {
	if reply.ConflictIndex == 0 {
		return Max(1, next-1)
	}
	candidate := reply.ConflictIndex
	if reply.ConflictTerm != 0 {
		for i := rf.role.lastLogIndex(); i > 0; i-- {
			if rf.role.Log[i].Term == reply.ConflictTerm {
				candidate = i + 1
				break
			}
			if rf.role.Log[i].Term < reply.ConflictTerm {
				break
			}
		}
	}
	return Max(1, Min(candidate, next-1))
}

// call issues one RPC bounded by the configured timeout. Failures are an
// ordinary non-response.
func (rf *Raft) call(peer NodeID, method string, args interface{}, reply interface{}) bool {
	end, ok := rf.peers[peer]
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(rf.ctx, rf.opts.RPCTimeout)
	defer cancel()

	if err := end.Call(ctx, method, args, reply); err != nil {
		DPrintf("[%s] %s to %s failed: %v", rf.me, method, peer, err)
		return false
	}
	return true
}

func (rf *Raft) signalApply() {
	select {
	case rf.notifyApplyCh <- struct{}{}:
	default:
	}
}

//
// applyLogToStateDaemon delivers committed entries on applyCh, exactly once
// and in index order. It never holds the lock while sending, so a slow
// consumer does not stall consensus.
//
func (rf *Raft) applyLogToStateDaemon() {
	defer rf.wg.Done()

	for {
		select {
		case <-rf.ctx.Done():
			return
		case <-rf.notifyApplyCh:
		}

		rf.mu.Lock()
		lastApplied, commitIdx := rf.role.LastApplied, rf.role.CommitIndex
		var logs []LogEntry
		if commitIdx > lastApplied {
			logs = make([]LogEntry, commitIdx-lastApplied)
			copy(logs, rf.role.Log[lastApplied+1:commitIdx+1])
		}
		rf.mu.Unlock()

		for _, entry := range logs {
			msg := ApplyMsg{
				CommandValid: true,
				Command:      entry.Command,
				CommandIndex: entry.Index,
				CommandTerm:  entry.Term,
			}
			select {
			case rf.applyCh <- msg:
			case <-rf.ctx.Done():
				return
			}

			rf.mu.Lock()
			err := rf.setRole(rf.role.withApplied(entry.Index), false)
			rf.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

package raft

import (
	"context"
	"log"
	"time"
)

// effect tells the owning node what a transition requires besides swapping the role.
type effect struct {
	persist    bool // log changed; term/vote changes are detected by the node
	resetTimer bool // granted a vote or heard from a current leader
	reason     Rejection
}

//
// handleRequestVote is the pure RequestVote transition.
//
// Receiving a request does not reset the election timer by itself; only a
// granted vote does.
//
func (r Role) handleRequestVote(args *RequestVoteArgs) (RequestVoteReply, Role, effect) {
	if args.Term < r.CurrentTerm {
		return RequestVoteReply{Term: r.CurrentTerm}, r, effect{reason: StaleTerm}
	}

	next := r
	if args.Term > r.CurrentTerm {
		next = r.stepDown(args.Term)
	}

	if next.VotedFor != "" && next.VotedFor != args.CandidateId {
		return RequestVoteReply{Term: next.CurrentTerm}, next, effect{reason: VoteDenied}
	}
	// Only grant the vote if candidate is at least as up-to-date
	if !next.isUpToDate(args.LastLogIndex, args.LastLogTerm) {
		return RequestVoteReply{Term: next.CurrentTerm}, next, effect{reason: VoteDenied}
	}

	next.VotedFor = args.CandidateId
	return RequestVoteReply{Term: next.CurrentTerm, VoteGranted: true}, next, effect{resetTimer: true}
}

//
// handleAppendEntries is the pure AppendEntries transition. Handles heartbeat
// and log replication; only a Follower ever truncates its log here.
//
func (r Role) handleAppendEntries(args *AppendEntriesArgs) (AppendEntriesReply, Role, effect) {
	if args.Term < r.CurrentTerm {
		return AppendEntriesReply{Term: r.CurrentTerm}, r, effect{reason: StaleTerm}
	}
	// Two leaders in one term cannot happen; refuse rather than touch our log.
	if r.State == Leader && args.Term == r.CurrentTerm {
		return AppendEntriesReply{Term: r.CurrentTerm}, r, effect{reason: InvalidState}
	}

	next := r
	if r.State != Follower || args.Term > r.CurrentTerm {
		next = r.stepDown(args.Term)
	}
	eff := effect{resetTimer: true}
	reply := AppendEntriesReply{Term: next.CurrentTerm}

	/*
		To speed up log replication the follower reports where the conflict is:

		1. No entry at prevLogIndex: conflictIndex = len(log), conflictTerm = 0.
		2. Entry at prevLogIndex with another term: conflictTerm = that term,
			conflictIndex = first index holding conflictTerm.
	*/
	prevTerm, ok := next.termAt(args.PrevLogIndex)
	if !ok {
		reply.ConflictIndex = uint64(len(next.Log))
		eff.reason = LogInconsistency
		return reply, next, eff
	}
	if prevTerm != args.PrevLogTerm {
		first := args.PrevLogIndex
		for first > 1 && next.Log[first-1].Term == prevTerm {
			first--
		}
		reply.ConflictTerm = prevTerm
		reply.ConflictIndex = first
		eff.reason = LogInconsistency
		return reply, next, eff
	}

	// Clipped so the first append copies rather than writing into the
	// receiver's spare capacity.
	entries := next.Log[:len(next.Log):len(next.Log)]
	for i, e := range args.Entries {
		index := args.PrevLogIndex + 1 + uint64(i)
		e.Index = index
		if index < uint64(len(entries)) {
			if entries[index].Term == e.Term {
				continue
			}
			// Leader wins on divergence.
			entries = entries[:index:index]
		}
		entries = append(entries, e)
		eff.persist = true
	}
	next.Log = entries

	lastNew := args.PrevLogIndex + uint64(len(args.Entries))
	if args.LeaderCommit > next.CommitIndex {
		if commit := Min(args.LeaderCommit, lastNew); commit > next.CommitIndex {
			next.CommitIndex = commit
		}
	}

	reply.Success = true
	return reply, next, eff
}

//
// RequestVote RPC handler.
//
func (rf *Raft) RequestVote(ctx context.Context, args *RequestVoteArgs, reply *RequestVoteReply) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.halted() {
		return ErrHalted
	}

	out, next, eff := rf.role.handleRequestVote(args)
	if err := rf.setRole(next, eff.persist); err != nil {
		return err
	}
	if eff.resetTimer {
		rf.lastContact = time.Now()
	}
	if eff.reason != Accepted {
		DPrintf("[%s] term %d: rejected vote for %s (term %d): %s",
			rf.me, rf.role.CurrentTerm, args.CandidateId, args.Term, eff.reason)
	} else {
		DPrintf("[%s] term %d: granted vote to %s", rf.me, rf.role.CurrentTerm, args.CandidateId)
	}

	*reply = out
	return nil
}

//
// AppendEntries RPC handler.
//
func (rf *Raft) AppendEntries(ctx context.Context, args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.halted() {
		return ErrHalted
	}

	out, next, eff := rf.role.handleAppendEntries(args)
	if err := rf.setRole(next, eff.persist); err != nil {
		return err
	}
	if eff.resetTimer {
		now := time.Now()
		rf.lastContact = now
		rf.lastHeartbeat = now
		rf.leaderId = args.LeaderId
	}
	switch eff.reason {
	case Accepted:
	case InvalidState:
		log.Printf("[%s] term %d: leader %s claims our own term; ignoring",
			rf.me, rf.role.CurrentTerm, args.LeaderId)
	default:
		DPrintf("[%s] term %d: rejected append from %s (prev %d/%d): %s",
			rf.me, rf.role.CurrentTerm, args.LeaderId, args.PrevLogIndex, args.PrevLogTerm, eff.reason)
	}

	*reply = out
	return nil
}

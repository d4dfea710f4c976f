package raft

import "sort"

// Persistent state on all servers
type PersistentState struct {
	CurrentTerm uint64     // latest term server has seen (initialized to 0)
	VotedFor    NodeID     // candidate that received vote in current term ("" if none)
	Log         []LogEntry // Log[0] is a placeholder so that Log[i].Index == i
}

// Volatile state on all servers. 0 means nothing committed / applied.
type VolatileState struct {
	CommitIndex uint64
	LastApplied uint64
}

//
// Role is one immutable snapshot of a node's consensus state. Exactly one of
// the variant fields is meaningful, selected by State:
//
//	Follower:  no extra data
//	Candidate: votes
//	Leader:    nextIndex, matchIndex
//
// Transition methods return a new Role and never modify the receiver's maps
// or log storage. The owning Raft swaps the whole value under its mutex.
//
type Role struct {
	State ServerState
	PersistentState
	VolatileState

	votes map[NodeID]bool

	nextIndex  map[NodeID]uint64
	matchIndex map[NodeID]uint64
}

func newFollower(ps PersistentState) Role {
	if len(ps.Log) == 0 {
		ps.Log = []LogEntry{{}}
	}
	return Role{State: Follower, PersistentState: ps}
}

func (r Role) lastLogIndex() uint64 {
	return uint64(len(r.Log) - 1)
}

func (r Role) lastLogTerm() uint64 {
	return r.Log[len(r.Log)-1].Term
}

// termAt reports the term of the entry at index, and whether it exists.
func (r Role) termAt(index uint64) (uint64, bool) {
	if index > r.lastLogIndex() {
		return 0, false
	}
	return r.Log[index].Term, true
}

// entriesFrom copies the entries from index to the end of the log.
func (r Role) entriesFrom(index uint64) []LogEntry {
	if index > r.lastLogIndex() {
		return nil
	}
	entries := make([]LogEntry, len(r.Log)-int(index))
	copy(entries, r.Log[index:])
	return entries
}

// isUpToDate compares (lastTerm, lastIndex) pairs lexicographically.
func (r Role) isUpToDate(lastIndex, lastTerm uint64) bool {
	myTerm := r.lastLogTerm()
	return lastTerm > myTerm || lastTerm == myTerm && lastIndex >= r.lastLogIndex()
}

// stepDown returns a Follower at term, clearing the vote if term moved forward.
func (r Role) stepDown(term uint64) Role {
	next := Role{
		State:           Follower,
		PersistentState: r.PersistentState,
		VolatileState:   r.VolatileState,
	}
	if term > next.CurrentTerm {
		next.CurrentTerm = term
		next.VotedFor = ""
	}
	return next
}

// campaign starts a new election at the next term, voting for self.
func (r Role) campaign(me NodeID) Role {
	next := Role{
		State:           Candidate,
		PersistentState: r.PersistentState,
		VolatileState:   r.VolatileState,
		votes:           map[NodeID]bool{me: true},
	}
	next.CurrentTerm++
	next.VotedFor = me
	return next
}

// withVote records a granted vote. Only meaningful for a Candidate.
func (r Role) withVote(voter NodeID) Role {
	votes := make(map[NodeID]bool, len(r.votes)+1)
	for id := range r.votes {
		votes[id] = true
	}
	votes[voter] = true
	r.votes = votes
	return r
}

func (r Role) voteCount() int {
	return len(r.votes)
}

// lead turns a Candidate into a Leader for the same term.
func (r Role) lead(peers []NodeID) Role {
	next := Role{
		State:           Leader,
		PersistentState: r.PersistentState,
		VolatileState:   r.VolatileState,
		nextIndex:       make(map[NodeID]uint64, len(peers)),
		matchIndex:      make(map[NodeID]uint64, len(peers)),
	}
	logLen := uint64(len(r.Log))
	for _, p := range peers {
		next.nextIndex[p] = logLen
		next.matchIndex[p] = 0
	}
	return next
}

// withProgress records replication progress for peer. Only meaningful for a Leader.
func (r Role) withProgress(peer NodeID, match, next uint64) Role {
	nextIndex := make(map[NodeID]uint64, len(r.nextIndex))
	matchIndex := make(map[NodeID]uint64, len(r.matchIndex))
	for p, v := range r.nextIndex {
		nextIndex[p] = v
	}
	for p, v := range r.matchIndex {
		matchIndex[p] = v
	}
	nextIndex[peer] = next
	matchIndex[peer] = match
	r.nextIndex = nextIndex
	r.matchIndex = matchIndex
	return r
}

// appendCommand appends a new entry at the leader's current term.
func (r Role) appendCommand(command []byte) (Role, LogEntry) {
	entry := LogEntry{
		Index:   r.lastLogIndex() + 1,
		Term:    r.CurrentTerm,
		Command: command,
	}
	r.Log = appendLog(r.Log, entry)
	return r, entry
}

// withApplied records that the entry at index reached the service.
func (r Role) withApplied(index uint64) Role {
	if index > r.LastApplied {
		r.LastApplied = index
	}
	return r
}

// appendLog appends to a copy of base. Roles share their log read-only, so a
// write into spare capacity would show up in every other snapshot.
func appendLog(base []LogEntry, entries ...LogEntry) []LogEntry {
	return append(base[:len(base):len(base)], entries...)
}

// advanceCommit moves CommitIndex to the highest index replicated on a quorum
// whose entry was created in the current term. clusterSize counts the leader.
//
// If there exists an N such that N > commitIndex, a majority of matchIndex[i] ≥ N,
// and log[N].term == currentTerm: set commitIndex = N.
func (r Role) advanceCommit(clusterSize int) Role {
	if r.State != Leader {
		return r
	}
	matches := make([]uint64, 0, clusterSize)
	matches = append(matches, r.lastLogIndex())
	for _, m := range r.matchIndex {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	// Peers that left the map still count as members with nothing replicated.
	for len(matches) < clusterSize {
		matches = append([]uint64{0}, matches...)
	}

	n := matches[len(matches)-quorum(clusterSize)]
	// Terms never decrease along the log, so if log[n] is from an older term
	// every lower index is too.
	if n > r.CommitIndex && r.Log[n].Term == r.CurrentTerm {
		r.CommitIndex = n
	}
	return r
}

// quorum returns floor(n/2)+1.
func quorum(clusterSize int) int {
	return clusterSize/2 + 1
}

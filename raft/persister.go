package raft

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

//
// Persister is where a node keeps currentTerm, votedFor and the log. A save
// must be durable when it returns; the node replies to RPCs only afterwards.
//
type Persister interface {
	SaveRaftState(state []byte) error
	ReadRaftState() ([]byte, error)
}

// MemoryPersister keeps the state in memory. It survives Kill/Make cycles
// within a process, which is enough to exercise restarts in tests.
type MemoryPersister struct {
	mu    sync.Mutex
	state []byte
	err   error
}

func MakeMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (ps *MemoryPersister) SaveRaftState(state []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.err != nil {
		return ps.err
	}
	ps.state = append([]byte(nil), state...)
	return nil
}

func (ps *MemoryPersister) ReadRaftState() ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]byte(nil), ps.state...), nil
}

func (ps *MemoryPersister) RaftStateSize() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.state)
}

// FailWith makes every later save fail with err. A nil err heals it.
func (ps *MemoryPersister) FailWith(err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.err = err
}

// FilePersister stores the state in a single file, replaced atomically.
type FilePersister struct {
	mu   sync.Mutex
	path string
}

const stateFileName = "raft-state"

func MakeFilePersister(dataDir string) (*FilePersister, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dataDir)
	}
	return &FilePersister{path: filepath.Join(dataDir, stateFileName)}, nil
}

func (ps *FilePersister) SaveRaftState(state []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(ps.path), stateFileName+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(state); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close state")
	}
	if err := os.Rename(tmp.Name(), ps.path); err != nil {
		return errors.Wrap(err, "replace state file")
	}
	return syncDir(filepath.Dir(ps.path))
}

func (ps *FilePersister) ReadRaftState() ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	data, err := os.ReadFile(ps.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, errors.Wrapf(err, "read %s", ps.path)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open data dir")
	}
	defer d.Close()
	return errors.Wrap(d.Sync(), "sync data dir")
}

// persistedState is the on-disk record. Log excludes the placeholder entry.
type persistedState struct {
	CurrentTerm uint64
	VotedFor    NodeID
	Log         []LogEntry
}

func encodeState(ps PersistentState) ([]byte, error) {
	rec := persistedState{CurrentTerm: ps.CurrentTerm, VotedFor: ps.VotedFor}
	if len(ps.Log) > 1 {
		rec.Log = ps.Log[1:]
	}

	w := new(bytes.Buffer)
	if err := gob.NewEncoder(w).Encode(rec); err != nil {
		return nil, errors.Wrap(err, "encode raft state")
	}
	return w.Bytes(), nil
}

// decodeState restores previously persisted state. Empty data is a fresh node.
func decodeState(data []byte) (PersistentState, error) {
	ps := PersistentState{Log: []LogEntry{{}}}
	if len(data) == 0 { // bootstrap without any state?
		return ps, nil
	}

	var rec persistedState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return ps, errors.Wrapf(ErrCorruptState, "decode: %v", err)
	}

	var prevTerm uint64
	for i, e := range rec.Log {
		if e.Index != uint64(i+1) {
			return ps, errors.Wrapf(ErrCorruptState, "entry %d has index %d", i+1, e.Index)
		}
		if e.Term < prevTerm || e.Term > rec.CurrentTerm {
			return ps, errors.Wrapf(ErrCorruptState, "entry %d has term %d", e.Index, e.Term)
		}
		prevTerm = e.Term
	}
	ps.CurrentTerm = rec.CurrentTerm
	ps.VotedFor = rec.VotedFor
	ps.Log = append(ps.Log, rec.Log...)
	return ps, nil
}

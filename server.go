package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/oopDaniel/raftnode/raft"
)

type Message struct {
	Msg string
}

type ReplyValue struct {
	Value string
}

type KeyValue struct {
	Key   string
	Value string
}

type peerInfo struct {
	ID     raft.NodeID `json:"id"`
	Addr   string      `json:"addr"`
	Leader bool        `json:"leader"`
}

type statusReporter interface {
	Status() raft.Status
}

// kvStore is satisfied by *kvraft.Clerk.
type kvStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string) error
	Append(ctx context.Context, key string, value string) error
}

type Server struct {
	node    statusReporter
	kv      kvStore
	members []peerInfo // this node first
	router  *mux.Router
}

func newServer(node statusReporter, kv kvStore, members []peerInfo) *Server {
	router := mux.NewRouter().StrictSlash(true)
	sv := &Server{
		node:    node,
		kv:      kv,
		members: members,
		router:  router,
	}

	router.HandleFunc("/state", sv.getState).Methods("GET")
	router.HandleFunc("/kv", sv.getValue).Methods("GET").Queries("key", "{key}")
	router.HandleFunc("/kv", sv.setValue("Put")).Methods("POST")
	router.HandleFunc("/kv/append", sv.setValue("Append")).Methods("POST")
	router.HandleFunc("/peers", sv.getPeers).Methods("GET")
	return sv
}

func (sv *Server) handler() http.Handler {
	// Enable CORS
	originsOk := handlers.AllowedOrigins([]string{"*"})
	headersOk := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"})

	return handlers.LoggingHandler(os.Stderr, handlers.CORS(originsOk, headersOk, methodsOk)(sv.router))
}

func (sv *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sv.node.Status())
}

func (sv *Server) getValue(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, err := sv.kv.Get(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Message{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ReplyValue{value})
}

func (sv *Server) setValue(op string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var data KeyValue
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data.Key == "" {
			writeJSON(w, http.StatusBadRequest, Message{"Error decoding"})
			return
		}

		var err error
		if op == "Append" {
			err = sv.kv.Append(r.Context(), data.Key, data.Value)
		} else {
			err = sv.kv.Put(r.Context(), data.Key, data.Value)
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Message{err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, Message{"Done"})
	}
}

func (sv *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	leader := sv.node.Status().Leader
	peers := make([]peerInfo, len(sv.members))
	for i, m := range sv.members {
		m.Leader = leader != "" && m.ID == leader
		peers[i] = m
	}
	writeJSON(w, http.StatusOK, peers)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode reply: %v", err)
	}
}

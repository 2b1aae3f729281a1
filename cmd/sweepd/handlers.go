package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/sweep"
)

// Server exposes the daemon's HTTP surface: health, progress inspection,
// and the write/commit endpoints that feed the queue.
type Server struct {
	kvs      kv.KeyValueService
	queue    *sweep.SweepableCells
	txns     sweep.TransactionService
	progress *sweep.ShardProgress
}

type enqueueRequest struct {
	Writes []writePayload `json:"writes"`
}

type writePayload struct {
	Table     string `json:"table"`
	Row       string `json:"row"`
	Column    string `json:"column"`
	Timestamp int64  `json:"timestamp"`
	Tombstone bool   `json:"tombstone"`
}

type commitRequest struct {
	StartTimestamp  int64 `json:"start_timestamp"`
	CommitTimestamp int64 `json:"commit_timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	shard, err := strconv.Atoi(vars["shard"])
	if err != nil {
		http.Error(w, "invalid shard", http.StatusBadRequest)
		return
	}
	var ss sweep.ShardAndStrategy
	switch vars["strategy"] {
	case "conservative":
		ss = sweep.Conservative(shard)
	case "thorough":
		ss = sweep.Thorough(shard)
	default:
		http.Error(w, "unknown strategy", http.StatusBadRequest)
		return
	}

	ts, err := s.progress.LastSweptTimestamp(r.Context(), ss)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shard":                ss.Shard,
		"strategy":             ss.Strategy.String(),
		"last_swept_timestamp": ts,
	})
}

// enqueue writes the payload's cells into their user tables and records
// them in the sweep queue, the way the transaction layer would.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writes := make([]sweep.WriteInfo, 0, len(req.Writes))
	byTableTs := make(map[kv.TableReference]map[int64][]kv.Entry)
	for _, p := range req.Writes {
		table := kv.TableReference(p.Table)
		cell := kv.NewCell([]byte(p.Row), []byte(p.Column))
		if p.Tombstone {
			writes = append(writes, sweep.Tombstone(table, cell, p.Timestamp))
		} else {
			writes = append(writes, sweep.Write(table, cell, p.Timestamp))
		}
		if byTableTs[table] == nil {
			byTableTs[table] = make(map[int64][]kv.Entry)
		}
		byTableTs[table][p.Timestamp] = append(byTableTs[table][p.Timestamp],
			kv.Entry{Cell: cell, Contents: []byte("value")})
	}

	for table, byTs := range byTableTs {
		for ts, entries := range byTs {
			if err := s.kvs.Put(r.Context(), table, entries, ts); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	touched, err := s.queue.Enqueue(r.Context(), writes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	domains := make([]string, 0, len(touched))
	for ss := range touched {
		domains = append(domains, ss.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"enqueued": len(writes), "domains": domains})
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.txns.PutUnlessExists(r.Context(), req.StartTimestamp, req.CommitTimestamp); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": req.StartTimestamp})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

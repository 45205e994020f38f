package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sanonone/kektorkv/pkg/core"
	"github.com/sanonone/kektorkv/pkg/engine"
	"github.com/sanonone/kektorkv/pkg/persistence"
)

// maxBodyBytes bounds request bodies: one maximal value plus JSON overhead.
const maxBodyBytes = core.MaxStringLength + 1<<20

// registerHTTPHandlers sets up the REST API routes.
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	// --- Multi key ---
	mux.HandleFunc("POST /kv/_mget", s.handleKVMGet)
	mux.HandleFunc("POST /kv/_mset", s.handleKVMSet)

	// --- Single key ---
	mux.HandleFunc("GET /kv/{key}", s.handleKVGet)
	mux.HandleFunc("PUT /kv/{key}", s.handleKVSet)
	mux.HandleFunc("DELETE /kv/{key}", s.handleKVDelete)
	mux.HandleFunc("POST /kv/{key}/append", s.handleKVAppend)
	mux.HandleFunc("POST /kv/{key}/setrange", s.handleKVSetRange)
	mux.HandleFunc("GET /kv/{key}/range", s.handleKVGetRange)
	mux.HandleFunc("GET /kv/{key}/strlen", s.handleKVStrLen)
	mux.HandleFunc("POST /kv/{key}/incr", s.handleKVIncr)
	mux.HandleFunc("POST /kv/{key}/incrbyfloat", s.handleKVIncrByFloat)
	mux.HandleFunc("GET /kv/{key}/ttl", s.handleKVTTL)
	mux.HandleFunc("POST /kv/{key}/expire", s.handleKVExpire)
	mux.HandleFunc("POST /kv/{key}/persist", s.handleKVPersist)

	// --- System ---
	mux.HandleFunc("POST /system/save", s.handleSaveHTTP)
	mux.HandleFunc("POST /system/aof-rewrite", s.handleAOFRewriteHTTP)
	mux.HandleFunc("GET /system/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /system/stats", s.handleStats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- KV handlers ---

func (s *Server) handleKVGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, found, err := s.Engine.Get(key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !found {
		s.writeHTTPError(w, http.StatusNotFound, "key not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"key": key, "value": string(value)})
}

func (s *Server) handleKVSet(w http.ResponseWriter, r *http.Request) {
	var req KVSetRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	opts := engine.SetOptions{NX: req.NX, XX: req.XX, KeepTTL: req.KeepTTL, Get: req.Get}
	if req.ExMs != 0 {
		if req.ExMs < 0 {
			s.writeEngineError(w, r, engine.ErrInvalidExpire)
			return
		}
		opts.ExpireIn = time.Duration(req.ExMs) * time.Millisecond
	}
	if req.AtMs != 0 {
		opts.ExpireAt = time.UnixMilli(req.AtMs)
	}

	res, err := s.Engine.Set(r.PathValue("key"), []byte(req.Value), opts)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	resp := KVSetResponse{Applied: res.Applied}
	if res.OldExists {
		old := string(res.Old)
		resp.Old = &old
	}
	s.writeHTTPResponse(w, http.StatusOK, resp)
}

func (s *Server) handleKVDelete(w http.ResponseWriter, r *http.Request) {
	n := s.Engine.Del(r.PathValue("key"))
	s.writeHTTPResponse(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleKVAppend(w http.ResponseWriter, r *http.Request) {
	var req KVValueRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n, err := s.Engine.Append(r.PathValue("key"), []byte(req.Value))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]int{"length": n})
}

func (s *Server) handleKVSetRange(w http.ResponseWriter, r *http.Request) {
	var req KVSetRangeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n, err := s.Engine.SetRange(r.PathValue("key"), req.Offset, []byte(req.Value))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]int{"length": n})
}

func (s *Server) handleKVGetRange(w http.ResponseWriter, r *http.Request) {
	start, err1 := queryInt(r, "start", 0)
	end, err2 := queryInt(r, "end", -1)
	if err1 != nil || err2 != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "start and end must be integers")
		return
	}
	value, err := s.Engine.GetRange(r.PathValue("key"), start, end)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"value": string(value)})
}

func (s *Server) handleKVStrLen(w http.ResponseWriter, r *http.Request) {
	n, err := s.Engine.StrLen(r.PathValue("key"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]int{"length": n})
}

func (s *Server) handleKVIncr(w http.ResponseWriter, r *http.Request) {
	var req KVIncrRequest
	if r.ContentLength != 0 && !s.decodeJSON(w, r, &req) {
		return
	}
	by := int64(1)
	if req.By != nil {
		by = *req.By
	}
	n, err := s.Engine.IncrBy(r.PathValue("key"), by)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]int64{"value": n})
}

func (s *Server) handleKVIncrByFloat(w http.ResponseWriter, r *http.Request) {
	var req KVIncrByFloatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	text, err := s.Engine.IncrByFloat(r.PathValue("key"), []byte(req.By))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"value": string(text)})
}

func (s *Server) handleKVTTL(w http.ResponseWriter, r *http.Request) {
	ttl := s.Engine.PTTL(r.PathValue("key"))
	if ttl == -2 {
		s.writeHTTPError(w, http.StatusNotFound, "key not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]int64{"ttl_ms": ttl})
}

func (s *Server) handleKVExpire(w http.ResponseWriter, r *http.Request) {
	var req KVExpireRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	key := r.PathValue("key")

	var ok bool
	switch {
	case req.TTLMs != 0 && req.AtMs != 0:
		s.writeEngineError(w, r, engine.ErrSyntax)
		return
	case req.TTLMs != 0:
		var err error
		ok, err = s.Engine.Expire(key, time.Duration(req.TTLMs)*time.Millisecond)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	case req.AtMs != 0:
		ok = s.Engine.PExpireAt(key, time.UnixMilli(req.AtMs))
	default:
		s.writeEngineError(w, r, engine.ErrSyntax)
		return
	}
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "key not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleKVPersist(w http.ResponseWriter, r *http.Request) {
	removed := s.Engine.Persist(r.PathValue("key"))
	s.writeHTTPResponse(w, http.StatusOK, map[string]bool{"persisted": removed})
}

func (s *Server) handleKVMGet(w http.ResponseWriter, r *http.Request) {
	var req KVMGetRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Keys)+1 > persistence.MaxCommandWords {
		s.writeHTTPError(w, http.StatusRequestEntityTooLarge, "too many keys")
		return
	}
	values := s.Engine.MGet(req.Keys...)
	out := make([]*string, len(values))
	for i, v := range values {
		if v != nil {
			str := string(v)
			out[i] = &str
		}
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string][]*string{"values": out})
}

func (s *Server) handleKVMSet(w http.ResponseWriter, r *http.Request) {
	var req KVMSetRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if 2*len(req.Pairs)+1 > persistence.MaxCommandWords {
		s.writeHTTPError(w, http.StatusRequestEntityTooLarge, "too many pairs")
		return
	}
	pairs := make([]engine.Pair, len(req.Pairs))
	for i, p := range req.Pairs {
		pairs[i] = engine.Pair{Key: p.Key, Value: []byte(p.Value)}
	}

	applied := true
	var err error
	if req.NX {
		applied, err = s.Engine.MSetNX(pairs...)
	} else {
		err = s.Engine.MSet(pairs...)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]bool{"applied": applied})
}

// --- System handlers ---

// handleSaveHTTP takes a snapshot, in the background with ?async=true.
func (s *Server) handleSaveHTTP(w http.ResponseWriter, r *http.Request) {
	s.runMaintenance(w, r, "save", s.Engine.SaveSnapshot)
}

// handleAOFRewriteHTTP rewrites the AOF, in the background with ?async=true.
func (s *Server) handleAOFRewriteHTTP(w http.ResponseWriter, r *http.Request) {
	s.runMaintenance(w, r, "aof-rewrite", s.Engine.RewriteAOF)
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request, kind string, fn func() error) {
	if r.URL.Query().Get("async") == "true" {
		task, started := s.taskManager.Start(kind, fn)
		status := http.StatusAccepted
		if !started {
			status = http.StatusConflict
		}
		s.writeHTTPResponse(w, status, task.View())
		return
	}

	if err := fn(); err != nil {
		slog.Error("maintenance task failed", "kind", kind, "error", err,
			"request_id", RequestIDFrom(r.Context()))
		s.writeHTTPError(w, http.StatusInternalServerError, kind+" failed: "+err.Error())
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, found := s.taskManager.GetTask(r.PathValue("id"))
	if !found {
		s.writeHTTPError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, task.View())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, s.Engine.Stats())
}

// --- Helpers ---

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeHTTPError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindTypeMismatch:
		return http.StatusConflict
	case core.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case core.KindNotAnInteger, core.KindNotAFloat, core.KindInvalidOffset:
		return http.StatusBadRequest
	case core.KindOverflow, core.KindFloatOverflow:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, engine.ErrSyntax) || errors.Is(err, engine.ErrInvalidExpire) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("command failed", "path", r.URL.Path, "error", err,
			"request_id", RequestIDFrom(r.Context()))
	}
	s.writeHTTPError(w, status, err.Error())
}

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}

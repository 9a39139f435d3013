// Package authority is a reference remote authority: the server side of the
// backend contract, keeping a per-board revision counter and push history in
// a kv.Store.
//
// It accepts every push whose base revision it has reached and serializes
// pushes per board. It is not a conflict engine: concurrent batches are
// ordered, never merged.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/kv"
	"github.com/roach88/boardsync/internal/ops"
)

// record is the stored state of one board.
type record struct {
	Revision int64    `json:"revision"`
	History  []pushed `json:"history"`
}

type pushed struct {
	Rev        int64    `json:"rev"`
	ProducerID string   `json:"producerId,omitempty"`
	Ops        ops.List `json:"ops"`
	// TS is Unix milliseconds.
	TS int64 `json:"ts"`
}

func key(boardID string) string {
	return "authority:" + boardID
}

// Server serves the backend contract over HTTP.
type Server struct {
	kv     kv.Store
	now    func() time.Time
	logger *slog.Logger
	router *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and push logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithClock sets the time source for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a Server over store.
func New(store kv.Store, opts ...Option) *Server {
	s := &Server{
		kv:     store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodPost).Path("/boards/{board}/ops").HandlerFunc(s.push)
	r.Methods(http.MethodGet).Path("/boards/{board}/ops").HandlerFunc(s.pull)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Debug("handled",
			"method", r.Method,
			"url", r.URL.String(),
			"duration", m.Duration,
			"status", m.Code,
		)
	})
}

// errAhead rejects a push whose base revision the authority never issued.
var errAhead = errors.New("base revision is ahead of the server")

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board"]

	var req backend.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode push: %v", err), http.StatusBadRequest)
		return
	}

	producer := r.Header.Get(backend.ProducerHeader)
	var rev int64
	_, err := kv.Update(r.Context(), s.kv, key(boardID), func(cur []byte) ([]byte, error) {
		rec, err := decode(cur)
		if err != nil {
			return nil, err
		}
		if req.BaseRevision > rec.Revision {
			return nil, errAhead
		}
		rec.Revision++
		rev = rec.Revision
		rec.History = append(rec.History, pushed{
			Rev:        rev,
			ProducerID: producer,
			Ops:        req.Ops,
			TS:         s.now().UnixMilli(),
		})
		return json.Marshal(rec)
	})
	switch {
	case errors.Is(err, errAhead):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("push failed", "board", boardID, "error", err)
		http.Error(w, "push failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("push accepted",
		"board", boardID,
		"rev", rev,
		"base", req.BaseRevision,
		"ops", len(req.Ops),
		"producer", producer,
	)
	writeJSON(w, backend.PushResult{ServerRevision: rev})
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board"]

	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}

	rec, err := s.load(r.Context(), boardID)
	if err != nil {
		s.logger.Error("pull failed", "board", boardID, "error", err)
		http.Error(w, "pull failed", http.StatusInternalServerError)
		return
	}

	exclude := r.Header.Get(backend.ProducerHeader)
	out := ops.List{}
	for _, p := range rec.History {
		if p.Rev <= since || (exclude != "" && p.ProducerID == exclude) {
			continue
		}
		out = append(out, p.Ops...)
	}
	writeJSON(w, backend.PullResult{Ops: out, ServerRevision: rec.Revision})
}

func (s *Server) load(ctx context.Context, boardID string) (record, error) {
	raw, err := s.kv.Get(ctx, key(boardID))
	if errors.Is(err, kv.ErrNotFound) {
		return record{}, nil
	}
	if err != nil {
		return record{}, err
	}
	return decode(raw)
}

func decode(raw []byte) (record, error) {
	var rec record
	if raw == nil {
		return rec, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("decode board record: %w", err)
	}
	return rec, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

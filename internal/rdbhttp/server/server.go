// Package server is the HTTP adapter that exposes a backend.Backend as REST
// + bulk endpoints (spec.md §4.8/§6), routed with chi. Structured per-route
// logging and request IDs follow the teacher's router+middleware+small
// per-route-handler shape (cmd/xchainserver, walletserver/middleware); a
// small Prometheus registry adds ambient per-route/per-outcome counters at
// /_metrics, additive to (not replacing) the spec's own /_stats endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/internal/codec"
	"github.com/rdbkv/rdb/pkg/utils"
)

// Server wraps a backend.Backend with chi routing.
type Server struct {
	backend backend.Backend
	router  chi.Router
	metrics *metrics
}

type metrics struct {
	requests *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdb",
			Name:      "server_requests_total",
			Help:      "Count of requests handled by the rdb HTTP server adapter.",
		}, []string{"route", "outcome"}),
	}
	reg.MustRegister(m.requests)
	return m
}

// New builds a Server fronting backend b. reg may be nil, in which case a
// private registry is created (useful for tests that don't care about
// /_metrics).
func New(b backend.Backend, reg *prometheus.Registry) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{backend: b, metrics: newMetrics(reg)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Get("/", s.handleLanding)
	r.Get("/data/{key:.*}", s.handleGet)
	r.Put("/data/{key:.*}", s.handlePut)
	r.Delete("/data/{key:.*}", s.handleDelete)
	for _, alias := range []string{"_bulk", "_get_multi", "_put_multi", "_delete_multi"} {
		r.Post("/"+alias, s.handleBulk(alias))
		r.Post("/"+alias+"/*", s.handleBulk(alias))
	}
	r.Get("/_all_keys", s.handleAllKeys)
	r.Get("/_all_data", s.handleAllData)
	r.Get("/_stats", s.handleStats)
	r.Handle("/_metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID == "" {
			reqID = uuid.NewString()
		}
		log.WithFields(log.Fields{
			"request_id": reqID,
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Info("rdb request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(route, outcome string) {
	s.metrics.requests.WithLabelValues(route, outcome).Inc()
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, "<html><body><h1>rdb</h1><form method=\"PUT\">key/value store</form></body></html>")
	s.observe("/", "ok")
}

func pathKey(r *http.Request) []byte {
	k := chi.URLParam(r, "key")
	return []byte(k)
}

// handleGet implements GET /data/{key}: 200 with envelope bytes, or 404 if
// absent.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := pathKey(r)
	raw, err := s.backend.Get(r.Context(), key, backend.Raise())
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			s.observe("/data", "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/data", "error")
		return
	}
	env, err := codec.ParseEnvelope(raw)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/data", "error")
		return
	}
	body, err := env.Bytes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/data", "error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
	s.observe("/data", "ok")
}

// handlePut implements PUT /data/{key}: validates the body parses as a
// well-formed envelope (tightened Open Question per SPEC_FULL.md), stores
// it, 406 on malformed input.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := pathKey(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusNotAcceptable, err)
		s.observe("/data", "bad_request")
		return
	}
	env, err := codec.ParseEnvelope(body)
	if err != nil {
		writeError(w, http.StatusNotAcceptable, err)
		s.observe("/data", "bad_request")
		return
	}
	if err := s.backend.Put(r.Context(), key, mustBytes(env)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/data", "error")
		return
	}
	w.WriteHeader(http.StatusOK)
	s.observe("/data", "ok")
}

func mustBytes(env codec.Envelope) []byte {
	b, _ := env.Bytes()
	return b
}

// handleDelete implements DELETE /data/{key}: 200 regardless of prior
// presence.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := pathKey(r)
	if err := s.backend.Delete(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/data", "error")
		return
	}
	w.WriteHeader(http.StatusOK)
	s.observe("/data", "ok")
}

type keysForm struct {
	Keys []string `json:"keys"`
}

// handleBulk implements POST /_bulk (and its three cosmetic aliases):
// reads get/put/delete form fields independently and executes get before
// put/delete, so get observes pre-request state (spec.md §4.8/§9 Open
// Question, preserved as-is).
func (s *Server) handleBulk(alias string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusNotAcceptable, err)
			s.observe("/"+alias, "bad_request")
			return
		}
		ctx := r.Context()
		result := map[string]codec.Envelope{}

		if getField := r.PostForm.Get("get"); getField != "" {
			var kf keysForm
			if err := json.Unmarshal([]byte(getField), &kf); err != nil {
				writeError(w, http.StatusNotAcceptable, err)
				s.observe("/"+alias, "bad_request")
				return
			}
			keys := make([][]byte, len(kf.Keys))
			for i, k := range kf.Keys {
				keys[i] = []byte(k)
			}
			found, err := s.backend.GetMulti(ctx, keys, backend.NoInclude())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				s.observe("/"+alias, "error")
				return
			}
			for k, raw := range found {
				env, err := codec.ParseEnvelope(raw)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					s.observe("/"+alias, "error")
					return
				}
				result[k] = env
			}
		}

		if putField := r.PostForm.Get("put"); putField != "" {
			var raw map[string]codec.Envelope
			if err := json.Unmarshal([]byte(putField), &raw); err != nil {
				writeError(w, http.StatusNotAcceptable, err)
				s.observe("/"+alias, "bad_request")
				return
			}
			values := make(map[string][]byte, len(raw))
			for k, env := range raw {
				values[k] = mustBytes(env)
			}
			if err := s.backend.PutMulti(ctx, values); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				s.observe("/"+alias, "error")
				return
			}
		}

		if deleteField := r.PostForm.Get("delete"); deleteField != "" {
			var kf keysForm
			if err := json.Unmarshal([]byte(deleteField), &kf); err != nil {
				writeError(w, http.StatusNotAcceptable, err)
				s.observe("/"+alias, "bad_request")
				return
			}
			keys := make([][]byte, len(kf.Keys))
			for i, k := range kf.Keys {
				keys[i] = []byte(k)
			}
			if err := s.backend.DeleteMulti(ctx, keys); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				s.observe("/"+alias, "error")
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
		s.observe("/"+alias, "ok")
	}
}

// handleAllKeys implements GET /_all_keys, streaming a JSON array without
// fully materializing it. 501 if the backend does not support iteration.
func (s *Server) handleAllKeys(w http.ResponseWriter, r *http.Request) {
	if !s.backend.SupportsIteration() {
		w.WriteHeader(http.StatusNotImplemented)
		s.observe("/_all_keys", "not_implemented")
		return
	}
	it, err := s.backend.Keys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/_all_keys", "error")
		return
	}
	defer it.Close()

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, "[")
	first := true
	for it.Next(r.Context()) {
		if !first {
			io.WriteString(w, ",")
		}
		first = false
		b, _ := json.Marshal(string(it.Key()))
		w.Write(b)
	}
	io.WriteString(w, "]")
	if err := it.Err(); err != nil {
		log.WithError(err).Warn("rdb: error during key iteration after response started")
	}
	s.observe("/_all_keys", "ok")
}

// handleAllData implements GET /_all_data, streaming a JSON object without
// fully materializing it. 501 if the backend does not support iteration.
func (s *Server) handleAllData(w http.ResponseWriter, r *http.Request) {
	if !s.backend.SupportsIteration() {
		w.WriteHeader(http.StatusNotImplemented)
		s.observe("/_all_data", "not_implemented")
		return
	}
	it, err := s.backend.Items(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/_all_data", "error")
		return
	}
	defer it.Close()

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, "{")
	first := true
	for it.Next(r.Context()) {
		raw := it.Value()
		var env codec.Envelope
		if raw == nil {
			env = codec.Envelope{Kind: codec.KindObject, Payload: json.RawMessage("null")}
		} else {
			env, err = codec.ParseEnvelope(raw)
			if err != nil {
				log.WithError(err).Warn("rdb: skipping corrupt envelope during iteration")
				continue
			}
		}
		if !first {
			io.WriteString(w, ",")
		}
		first = false
		keyJSON, _ := json.Marshal(string(it.Key()))
		envJSON, _ := json.Marshal(env)
		w.Write(keyJSON)
		io.WriteString(w, ":")
		w.Write(envJSON)
	}
	io.WriteString(w, "}")
	s.observe("/_all_data", "ok")
}

// handleStats implements GET /_stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		s.observe("/_stats", "error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
	s.observe("/_stats", "ok")
}

// Shutdown is a convenience wrapper so cmd/rdbserver can close the backend
// and let any in-flight handler finish via the caller's *http.Server.
func Shutdown(ctx context.Context, b backend.Backend) error {
	return b.Close(ctx)
}

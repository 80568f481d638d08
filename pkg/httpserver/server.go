package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/stellar-lumens/lumens-supply/pkg/cache"
	"github.com/stellar-lumens/lumens-supply/pkg/ratelimit"
	"github.com/stellar-lumens/lumens-supply/pkg/types"
	"github.com/stellar-lumens/lumens-supply/schema"
)

// Snapshots is the read side of the snapshot cache.
type Snapshots interface {
	Get() (*types.Snapshot, error)
	// Projection returns the snapshot with one of its stored projections.
	Projection(key string) (*types.Snapshot, string, error)
}

type Config struct {
	Snapshots   Snapshots
	RatePerMin  int
	Burst       int
	CORSOrigins []string
	GitTag      string
	GitCommit   string
}

type Server struct {
	cfg     Config
	router  *mux.Router
	handler http.Handler
	limiter *ratelimit.Limiter
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		limiter: ratelimit.New(cfg.RatePerMin, cfg.Burst),
		log:     log.With().Str("component", "http").Logger(),
		now:     time.Now,
	}

	get := []string{http.MethodGet, http.MethodHead}
	s.router.HandleFunc("/healthz", s.healthz).Methods(get...)
	s.router.HandleFunc("/openapi.yaml", s.openapi).Methods(get...)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.Middleware)
	api.HandleFunc("/lumens", s.document(cache.KeySnapshot)).Methods(get...)
	api.HandleFunc("/v1/lumens", s.document(cache.KeySnapshotV1)).Methods(get...)
	api.HandleFunc("/v3/lumens", s.document(cache.KeySnapshot)).Methods(get...)
	api.HandleFunc("/v3/lumens/total-supply", s.scalar(cache.KeyTotalSupply)).Methods(get...)
	api.HandleFunc("/v3/lumens/circulating-supply", s.scalar(cache.KeyCirculatingSupply)).Methods(get...)
	api.HandleFunc("/v3/lumens/total-supply-sum", s.scalar(cache.KeyTotalSupplySum)).Methods(get...)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"If-None-Match", "X-Request-ID"},
		ExposedHeaders: []string{"ETag", "X-Ledger-Sequence", "X-Updated-At", "X-Request-ID"},
	})
	s.handler = s.requestLog(c.Handler(s.router))
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// document serves a stored JSON projection as is.
func (s *Server) document(key string) http.HandlerFunc {
	return s.projection(key, func(v string) []byte { return []byte(v) })
}

// scalar serves a stored amount as a bare JSON string.
func (s *Server) scalar(key string) http.HandlerFunc {
	return s.projection(key, func(v string) []byte {
		b, _ := json.Marshal(v)
		return b
	})
}

func (s *Server) projection(key string, body func(string) []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, v, err := s.cfg.Snapshots.Projection(key)
		if errors.Is(err, cache.ErrNotReady) {
			w.Header().Set("Retry-After", "30")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("read projection")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			return
		}

		etag := strconv.Quote(snap.ETag)
		w.Header().Set("ETag", etag)
		w.Header().Set("X-Ledger-Sequence", strconv.FormatInt(snap.LedgerSequence, 10))
		w.Header().Set("X-Updated-At", snap.UpdatedAt.UTC().Format(time.RFC3339))
		w.Header().Set("Cache-Control", "public, max-age=30")
		if match := r.Header.Get("If-None-Match"); match != "" && (match == etag || match == snap.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(append(body(v), '\n'))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	_, err := s.cfg.Snapshots.Get()
	writeJSON(w, http.StatusOK, struct {
		Status        string `json:"status"`
		Time          string `json:"time"`
		SnapshotReady bool   `json:"snapshot_ready"`
		GitTag        string `json:"git_tag,omitempty"`
		GitCommit     string `json:"git_commit,omitempty"`
	}{"ok", s.now().UTC().Format(time.RFC3339), err == nil, s.cfg.GitTag, s.cfg.GitCommit})
}

func (s *Server) openapi(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(schema.OpenAPI)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLog tags every request with an id and logs its outcome.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := s.log.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

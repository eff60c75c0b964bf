package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// statusTTL keeps /api/v1/status from hammering the database; the document
// is cheap but the endpoint is open to dashboards polling aggressively.
const statusTTL = 10 * time.Second

// StatusStore is the repository slice behind readiness and status.
type StatusStore interface {
	Ping(ctx context.Context) error
	CountSubscribers(ctx context.Context) (total, active int64, err error)
	CountActiveListings(ctx context.Context) (int64, error)
}

// TickSource reports the last completed dispatch pass.
type TickSource interface {
	LastTick() (at time.Time, took time.Duration, subscribers int)
}

// Server is the ops sidecar: liveness, readiness, Prometheus exposition and
// a small JSON status document.
type Server struct {
	store     StatusStore
	tick      TickSource
	botReady  <-chan struct{}
	startedAt time.Time
	log       zerolog.Logger
	http      *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(store StatusStore, tick TickSource, botReady <-chan struct{}, addr string, log zerolog.Logger) *Server {
	s := &Server{
		store:     store,
		tick:      tick,
		botReady:  botReady,
		startedAt: time.Now(),
		log:       log.With().Str("component", "ops").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks on ListenAndServe until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("ops server listening")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady gates on the two hard dependencies: the bot identity check and
// the database. Not ready answers 503 so orchestrators hold traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.botReady != nil {
		select {
		case <-s.botReady:
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting", "waiting": "telegram"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(statusTTL)
	s.statusCache.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

type statusDoc struct {
	Status         string      `json:"status"`
	UptimeSeconds  int64       `json:"uptime_seconds"`
	Subscribers    subscribers `json:"subscribers"`
	ListingsCached int64       `json:"listings_cached"`
	LastCheck      *lastCheck  `json:"last_check,omitempty"`
}

type subscribers struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

type lastCheck struct {
	At          time.Time `json:"at"`
	DurationMS  int64     `json:"duration_ms"`
	Subscribers int       `json:"subscribers"`
}

func (s *Server) buildStatusPayload(ctx context.Context) ([]byte, error) {
	total, active, err := s.store.CountSubscribers(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("subscriber count failed")
		total, active = 0, 0
	}
	cached, err := s.store.CountActiveListings(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("listing count failed")
		cached = 0
	}

	doc := statusDoc{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Subscribers:    subscribers{Total: total, Active: active},
		ListingsCached: cached,
	}
	if s.tick != nil {
		at, took, subs := s.tick.LastTick()
		if !at.IsZero() {
			doc.LastCheck = &lastCheck{At: at.UTC(), DurationMS: took.Milliseconds(), Subscribers: subs}
		}
	}
	return json.Marshal(doc)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-habitflow/pkg/connpool"
	"github.com/illmade-knight/go-habitflow/pkg/syncer"
)

// Flusher is the slice of the syncer surface the service needs.
type Flusher interface {
	FlushAll(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SyncService exposes a syncer's flush and pool stats over HTTP.
type SyncService struct {
	*BaseServer
	flusher Flusher
	pool    *connpool.Pool
	logger  zerolog.Logger
}

// NewSyncService creates a service wrapping the given syncer and pool.
func NewSyncService(cfg BaseConfig, flusher Flusher, pool *connpool.Pool, logger zerolog.Logger) *SyncService {
	base := NewBaseServer(logger, cfg.HTTPPort)
	s := &SyncService{
		BaseServer: base,
		flusher:    flusher,
		pool:       pool,
		logger:     logger.With().Str("component", "SyncService").Logger(),
	}

	base.Mux().HandleFunc("/flushz", s.flushzHandler)
	base.Mux().HandleFunc("/poolz", s.poolzHandler)
	return s
}

// Shutdown drains the syncer before stopping the HTTP server so in-flight
// writes land even when the process is going away.
func (s *SyncService) Shutdown(ctx context.Context) error {
	if err := s.flusher.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Syncer shutdown reported an error.")
	}
	return s.BaseServer.Shutdown(ctx)
}

// flushzHandler forces a synchronous flush of both coalescing layers.
func (s *SyncService) flushzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.flusher.FlushAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Explicit flush failed.")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("flushed"))
}

// poolzHandler reports connection pool pressure.
func (s *SyncService) poolzHandler(w http.ResponseWriter, _ *http.Request) {
	active, waiting := s.pool.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"active":  active,
		"waiting": waiting,
	})
}

// Interface check against the concrete syncer type.
var _ Flusher = (*syncer.Syncer[struct{}])(nil)

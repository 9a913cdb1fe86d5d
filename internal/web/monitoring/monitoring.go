// Package monitoring serves the ops endpoint: connection and ingestion
// stats plus the current canonical snapshots, as JSON.
package monitoring

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/fleet"
)

type MonitoringConfig struct {
	ListenAddr string
}

type MonitoringServer struct {
	log     zerolog.Logger
	manager *fleet.Manager
	server  *http.Server
}

func NewMonApi(m *fleet.Manager, config *MonitoringConfig) *MonitoringServer {
	ms := &MonitoringServer{
		log:     zlog.With().Str("module", "monitoring").Logger(),
		manager: m,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", ms.health)
	r.Get("/stats", ms.stats)
	r.Get("/vehicles", ms.vehicles)
	r.Get("/vehicles/{imei}", ms.vehicle)
	ms.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return ms
}

func (ms *MonitoringServer) Run() error {
	ms.log.Info().Str("addr", ms.server.Addr).Msg("starting monitoring endpoint")
	return ms.server.ListenAndServe()
}

func (ms *MonitoringServer) GetHandler() http.Handler {
	return ms.server.Handler
}

func (ms *MonitoringServer) health(w http.ResponseWriter, _ *http.Request) {
	jsonWrite(w, map[string]string{"status": "ok"})
}

func (ms *MonitoringServer) stats(w http.ResponseWriter, _ *http.Request) {
	jsonWrite(w, ms.manager.Stats())
}

func (ms *MonitoringServer) vehicles(w http.ResponseWriter, _ *http.Request) {
	jsonWrite(w, ms.manager.Vehicles())
}

func (ms *MonitoringServer) vehicle(w http.ResponseWriter, r *http.Request) {
	vt, ok := ms.manager.Vehicle(chi.URLParam(r, "imei"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	jsonWrite(w, vt)
}

func jsonWrite(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Package httpapi exposes the dispatch service over REST and the driver
// WebSocket channel.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/places"
	"github.com/example/ride-dispatch/internal/service"
)

// Check reports the readiness of one dependency.
type Check func(ctx context.Context) error

type Options struct {
	Places *places.Gazetteer
	WS     *notify.WSRegistry
	// Kafka, when set, receives a copy of every legacy location report.
	Kafka  *ingest.KafkaProducer
	Checks map[string]Check
	Logger *slog.Logger
}

type Server struct {
	svc    *service.Service
	places *places.Gazetteer
	ws     *notify.WSRegistry
	kafka  *ingest.KafkaProducer
	checks map[string]Check
	logger *slog.Logger
	tracer trace.Tracer
	mux    *mux.Router
}

func NewServer(svc *service.Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Places == nil {
		opts.Places = places.NewLagos()
	}
	if opts.WS == nil {
		opts.WS = notify.NewWSRegistry()
	}
	s := &Server{
		svc:    svc,
		places: opts.Places,
		ws:     opts.WS,
		kafka:  opts.Kafka,
		checks: opts.Checks,
		logger: opts.Logger,
		tracer: observability.Tracer(),
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/arrival", s.rideAction(s.svc.ReportArrival)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.rideAction(s.svc.StartTrip)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.rideAction(s.svc.CompleteTrip)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/position", s.handlePosition).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods(http.MethodPut)
	api.HandleFunc("/riders", s.handleRegisterRider).Methods(http.MethodPost)

	api.HandleFunc("/admin/tariff", s.handleGetTariff).Methods(http.MethodGet)
	api.HandleFunc("/admin/tariff", s.handlePutTariff).Methods(http.MethodPut)
	api.HandleFunc("/admin/drivers/{id}/{action:approve|reject|block|unblock}", s.handleAdminDriver).Methods(http.MethodPost)
	api.HandleFunc("/admin/riders/{id}/{action:block|unblock}", s.handleAdminRider).Methods(http.MethodPost)

	api.HandleFunc("/places/search", s.handlePlaceSearch).Methods(http.MethodGet)
	api.HandleFunc("/places/reverse", s.handlePlaceReverse).Methods(http.MethodGet)
	api.HandleFunc("/places/categories", s.handlePlaceCategories).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

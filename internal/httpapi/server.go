// Package httpapi serves the operator side of the roaming protocol to
// counterparties: locations, CDRs and remote start/stop commands.
package httpapi

import (
	"context"
	"net/http"

	"evroaming/internal/apperrors"
	"evroaming/internal/metrics"
	"evroaming/internal/party"
	"evroaming/internal/protocol"
	"evroaming/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const BasePath = "/ocpi/cpo/2.2"

// Commands executes remote session commands on behalf of a party.
type Commands interface {
	StartSession(ctx context.Context, caller party.Binding, req protocol.StartSession) protocol.CommandResponse
	StopSession(ctx context.Context, caller party.Binding, req protocol.StopSession) protocol.CommandResponse
}

type Limits struct {
	RequestsPerSecond float64
	Burst             int
}

type Server struct {
	Store    *store.Store
	Parties  *party.Registry
	Commands Commands
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Limit    Limits

	logger *zap.Logger
}

func NewServer(st *store.Store, parties *party.Registry, commands Commands, met *metrics.Metrics, gatherer prometheus.Gatherer, limit Limits, logger *zap.Logger) *Server {
	return &Server{
		Store:    st,
		Parties:  parties,
		Commands: commands,
		Metrics:  met,
		Gatherer: gatherer,
		Limit:    limit,
		logger:   logger.Named("httpapi"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(Correlate, Recover(s.logger), Instrument(s.Metrics))
	// set before the sub-routes so they inherit the envelope replies
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperrors.NewNotFoundError("route "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperrors.NewMethodNotAllowedError(r.Method, r.URL.Path))
	})

	r.Route(BasePath, func(r chi.Router) {
		r.Use(RequireParty(s.Parties, s.logger), RateLimit(s.Limit.RequestsPerSecond, s.Limit.Burst))

		r.Get("/locations", s.ListLocations)
		r.Get("/locations/{locationID}", s.GetLocation)
		r.Get("/locations/{locationID}/{evseUID}", s.GetEVSE)

		r.Get("/cdrs", s.ListCDRs)
		r.Get("/cdrs/{cdrID}", s.GetCDR)

		r.Post("/commands/{command}", s.Command)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

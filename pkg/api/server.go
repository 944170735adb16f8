package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/fleetsync/pkg/fleet"
	"github.com/cuemby/fleetsync/pkg/manager"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/provider"
	"github.com/cuemby/fleetsync/pkg/registry"
	"github.com/cuemby/fleetsync/pkg/types"
)

// Server exposes the admin HTTP API and the gRPC health service
type Server struct {
	manager *manager.Manager
	router  *mux.Router
	grpc    *grpc.Server
	logger  zerolog.Logger

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new API server
func NewServer(mgr *manager.Manager, logger zerolog.Logger) *Server {
	s := &Server{
		manager: mgr,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(s.logger)))
	healthpb.RegisterHealthServer(s.grpc, mgr.HealthServer())

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.instrument)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/fleets", s.listFleets).Methods(http.MethodGet)
	v1.HandleFunc("/fleets/{fleet}", s.getFleet).Methods(http.MethodGet)
	v1.HandleFunc("/fleets/{fleet}/reconcile", s.reconcile).Methods(http.MethodPost)
	v1.HandleFunc("/fleets/{fleet}/provision", s.provision).Methods(http.MethodPost)
	v1.HandleFunc("/fleets/{fleet}/instances/{id}/terminate", s.terminate).Methods(http.MethodPost)
	v1.HandleFunc("/fleets/{fleet}/pause", s.pause).Methods(http.MethodPost)
	v1.HandleFunc("/fleets/{fleet}/unpause", s.unpause).Methods(http.MethodPost)
	v1.HandleFunc("/fleets/{fleet}/demand", s.setDemand).Methods(http.MethodPut)
	v1.HandleFunc("/fleets/{fleet}/demand", s.getFleetDemand).Methods(http.MethodGet)
	v1.HandleFunc("/demand", s.getDemand).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}/activity", s.reportActivity).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id}", s.removeNode).Methods(http.MethodDelete)
	v1.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the HTTP API on addr until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves the HTTP API on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // Event streams stay open
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	metrics.RegisterComponent(metrics.ComponentAPI, true, lis.Addr().String())
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Admin API listening")

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartGRPC serves the gRPC health service on addr until Shutdown
func (s *Server) StartGRPC(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return s.grpc.Serve(lis)
}

// Shutdown gracefully stops both servers
func (s *Server) Shutdown(ctx context.Context) error {
	s.grpc.GracefulStop()
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type provisionRequest struct {
	Label  string `json:"label"`
	Demand int    `json:"demand"`
}

// PlannedRequest is the API view of a provision promise
type PlannedRequest struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

type provisionResponse struct {
	Requests []PlannedRequest `json:"requests"`
}

type terminateResponse struct {
	Terminated bool   `json:"terminated"`
	Error      string `json:"error,omitempty"`
}

type demandRequest struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type activityRequest struct {
	Busy bool `json:"busy"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listFleets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Statuses())
}

func (s *Server) getFleet(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, engine.Status())
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if _, err := engine.Reconcile(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, engine.Status())
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req provisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" {
		req.Label = types.DefaultLabel
	}

	planned, err := engine.Provision(r.Context(), req.Label, req.Demand)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := provisionResponse{Requests: make([]PlannedRequest, 0, len(planned))}
	for _, p := range planned {
		resp.Requests = append(resp.Requests, PlannedRequest{ID: p.ID, Label: p.Label, CreatedAt: p.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	id := types.InstanceID(mux.Vars(r)["id"])
	terminated, err := engine.TerminateInstance(r.Context(), id)
	if err != nil && !terminated {
		s.writeError(w, err)
		return
	}

	resp := terminateResponse{Terminated: terminated}
	if err != nil {
		// The instance is gone; only its worker node could not be removed
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := engine.Pause(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, engine.Status())
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	engine.Unpause()
	writeJSON(w, http.StatusOK, engine.Status())
}

func (s *Server) setDemand(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req demandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "label is required"})
		return
	}
	if !engine.CanAcceptWorkload(req.Label) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("fleet %s does not accept label %q", engine.FleetID(), req.Label),
		})
		return
	}

	if err := s.manager.SetDemand(engine.FleetID(), req.Label, req.Count); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeFleetDemand(w, engine.FleetID())
}

func (s *Server) getFleetDemand(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	s.writeFleetDemand(w, engine.FleetID())
}

func (s *Server) writeFleetDemand(w http.ResponseWriter, fleetID string) {
	demand, err := s.manager.FleetDemand(fleetID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, demand)
}

func (s *Server) getDemand(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Demand())
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.manager.Nodes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if fleetID := r.URL.Query().Get("fleet"); fleetID != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.FleetID == fleetID {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	if nodes == nil {
		nodes = []*types.WorkerNode{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) reportActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := types.InstanceID(mux.Vars(r)["id"])
	if err := s.manager.ReportActivity(r.Context(), id, req.Busy); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeNode(w http.ResponseWriter, r *http.Request) {
	id := types.InstanceID(mux.Vars(r)["id"])
	if err := s.manager.RemoveNode(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents writes broker events as newline-delimited JSON until the
// client disconnects
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	broker := s.manager.Broker()
	sub := broker.SubscribeFleet(r.URL.Query().Get("fleet"))
	defer broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				s.logger.Debug().Err(err).Msg("Event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*fleet.Engine, bool) {
	engine, err := s.manager.Engine(mux.Vars(r)["fleet"])
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return engine, true
}

// instrument counts requests per route template and status code
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusCode maps domain errors onto HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, manager.ErrFleetNotFound), errors.Is(err, registry.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, provider.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, registry.ErrRegistry):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

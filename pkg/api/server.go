package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/cuemby/pgwarden/pkg/metrics"
)

// Server exposes the Manager over HTTP. Handlers only decode the request,
// call one Manager method and encode the answer.
type Server struct {
	manager *manager.Manager
	mux     *http.ServeMux
	http    *http.Server
}

// NewServer creates the HTTP API server
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		manager: mgr,
		mux:     http.NewServeMux(),
	}

	s.handle("GET /api/overview", s.overview)
	s.handle("GET /api/lag", s.lag)
	s.handle("GET /api/nodes/{id}", s.nodeStatus)
	s.handle("GET /api/nodes/{id}/diagnose", s.diagnose)
	s.handle("POST /api/nodes/{name}/promote", s.promote)
	s.handle("POST /api/nodes/{name}/demote", s.demote)
	s.handle("POST /api/demote-all", s.demoteAll)
	s.handle("GET /api/operations", s.operations)
	s.handle("POST /api/hosts", s.registerHost)
	s.handle("DELETE /api/hosts/{id}", s.deregisterHost)
	s.handle("GET /api/clusters", s.listClusters)
	s.handle("POST /api/clusters", s.createCluster)
	s.handle("POST /api/clusters/{cluster}/nodes", s.attachNode)
	s.handle("DELETE /api/clusters/{cluster}/nodes/{node}", s.detachNode)

	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.http = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 5 * time.Second,
		// promotions run inside the request and may rebuild standbys
		WriteTimeout: mgr.OperationTimeout() + time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "listening on "+lis.Addr().String())

	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for running ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, instrument(pattern, h))
}

func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.manager.Overview(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) lag(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Lag(r.Context()))
}

func (s *Server) nodeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.NodeStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) diagnose(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.Diagnose(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Promote(r.Context(), r.PathValue("name"))
	writeResult(w, res, err)
}

func (s *Server) demote(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Demote(r.Context(), r.PathValue("name"))
	writeResult(w, res, err)
}

func (s *Server) demoteAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.DemoteAll(r.Context())
	writeResult(w, res, err)
}

func (s *Server) operations(w http.ResponseWriter, r *http.Request) {
	keys := s.manager.InFlight()
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"in_flight": keys})
}

func (s *Server) registerHost(w http.ResponseWriter, r *http.Request) {
	var req manager.HostRequest
	if !decode(w, r, &req) {
		return
	}
	node, err := s.manager.RegisterHost(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) deregisterHost(w http.ResponseWriter, r *http.Request) {
	node, err := s.manager.DeregisterHost(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clusters": s.manager.ListClusters()})
}

func (s *Server) createCluster(w http.ResponseWriter, r *http.Request) {
	var req manager.ClusterRequest
	if !decode(w, r, &req) {
		return
	}
	cluster, err := s.manager.CreateCluster(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cluster)
}

// AttachRequest names the node to add to a cluster
type AttachRequest struct {
	NodeName string `json:"node_name"`
}

func (s *Server) attachNode(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if !decode(w, r, &req) {
		return
	}
	if req.NodeName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "node_name is required"})
		return
	}
	cluster, err := s.manager.AttachNode(r.PathValue("cluster"), req.NodeName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) detachNode(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.manager.DetachNode(r.PathValue("cluster"), r.PathValue("node"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		h(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()

		logger := log.WithComponent("api")
		logger.Debug().
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", rec.code).
			Dur("duration", timer.Duration()).
			Msg("Request served")
	})
}

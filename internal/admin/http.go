// Package admin implements the proxy's control plane: a REST API
// mirroring the UDP DISCONNECT_DATABASE command plus cluster
// introspection, adapted from the teacher's internal/api.Server (tenant
// CRUD dashboard) down to the routes this expansion's Non-goals still
// leave room for — cluster/node visibility and forced disconnects,
// dropping the tenant-provisioning and dashboard-HTML surface that has
// no equivalent in a single homogeneous backend cluster.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cm4all/myproxy/internal/cluster"
	"github.com/cm4all/myproxy/internal/config"
)

// ConnectionCloser is the subset of *proxy.Listener the HTTP server
// needs; declared here to avoid an import cycle (proxy already imports
// nothing from admin, but keeping the dependency one-directional this
// way matches the teacher's own api->router/pool direction).
type ConnectionCloser interface {
	CloseConnectionsIf(predicate func(account string) bool) int
}

// Server is the admin REST API, registered alongside /metrics.
type Server struct {
	cluster    *cluster.Cluster
	conns      ConnectionCloser
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds an admin Server. metricsHandler is typically
// promhttp.HandlerFor(collector.Registry, ...).
func NewServer(c *cluster.Cluster, conns ConnectionCloser, metricsHandler http.Handler, ac config.AdminConfig) *Server {
	s := &Server{cluster: c, conns: conns, startTime: time.Now()}

	r := mux.NewRouter()
	r.HandleFunc("/clusters", s.listClusters).Methods("GET")
	r.HandleFunc("/clusters/default/nodes", s.listNodes).Methods("GET")
	r.HandleFunc("/clusters/default/nodes/{addr}/disable", s.disableNode).Methods("POST")
	r.HandleFunc("/clusters/default/nodes/{addr}/enable", s.enableNode).Methods("POST")
	r.HandleFunc("/disconnect/{account}", s.disconnect).Methods("POST")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", ac.HTTPBind, ac.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start listens and serves until Shutdown is called; ErrServerClosed is
// swallowed as the expected result of a graceful shutdown.
func (s *Server) Start() error {
	log.Printf("[admin] HTTP listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{"default"})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.cluster.Nodes()
	type nodeStatus struct {
		Address   string `json:"address"`
		Available bool   `json:"available"`
	}
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeStatus{Address: n, Available: s.cluster.IsAvailable(n)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) disableNode(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	s.cluster.MarkUnavailable(addr)
	writeJSON(w, http.StatusOK, map[string]string{"address": addr, "state": "disabled"})
}

func (s *Server) enableNode(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	s.cluster.MarkAvailable(addr)
	writeJSON(w, http.StatusOK, map[string]string{"address": addr, "state": "enabled"})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	n := s.conns.CloseConnectionsIf(func(a string) bool { return a == account })
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "closed": n})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"nodes":          len(s.cluster.Nodes()),
	})
}

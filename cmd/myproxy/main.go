// Command myproxy is the transparent MySQL/MariaDB proxy's entry point:
// flag parsing, config loading, and wiring order for every collaborator,
// grounded on the teacher's cmd/dbbouncer/main.go startup/shutdown
// sequencing (plain log package here; log/slog in the hot path).
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/cm4all/myproxy/internal/admin"
	"github.com/cm4all/myproxy/internal/cluster"
	"github.com/cm4all/myproxy/internal/config"
	"github.com/cm4all/myproxy/internal/health"
	"github.com/cm4all/myproxy/internal/metrics"
	"github.com/cm4all/myproxy/internal/policy"
	"github.com/cm4all/myproxy/internal/proxy"
	"github.com/cm4all/myproxy/internal/resolver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "/etc/myproxy/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("myproxy: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	policyHook, err := policy.Load(cfg.Policy.Script)
	if err != nil {
		return err
	}

	clst := cluster.New(cfg.Cluster.Nodes)
	collector := metrics.New()
	res := resolver.New()

	deps := &proxy.Deps{
		Cluster:       clst,
		Policy:        policyHook,
		Resolver:      res,
		Metrics:       collector,
		ServerVersion: "8.0.34-myproxy",
	}

	listener, err := proxy.NewListener(deps, cfg.Listen)
	if err != nil {
		return err
	}

	healthMgr := health.NewManager(clst, collector, cfg.Health)

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		reconcileCluster(clst, newCfg.Cluster.Nodes)
	})
	if err != nil {
		log.Printf("myproxy: config hot-reload disabled: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthMgr.Start(ctx)

	metricsHandler := promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{})
	adminHTTP := admin.NewServer(clst, listenerAdapter{listener}, metricsHandler, cfg.Admin)
	go func() {
		if err := adminHTTP.Start(); err != nil {
			log.Printf("myproxy: admin HTTP server stopped: %v", err)
		}
	}()

	adminUDP, err := admin.NewUDPServer(listenerAdapter{listener}, cfg.Admin)
	if err != nil {
		log.Printf("myproxy: admin UDP control disabled: %v", err)
	} else {
		go adminUDP.Serve()
	}

	log.Printf("myproxy: starting with %d backend node(s)", len(cfg.Cluster.Nodes))
	go listener.Serve()

	<-ctx.Done()
	log.Printf("myproxy: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener.Stop()
	healthMgr.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	if adminUDP != nil {
		adminUDP.Close()
	}
	adminHTTP.Shutdown(shutdownCtx)

	log.Printf("myproxy: stopped")
	return nil
}

// reconcileCluster applies a hot-reloaded node list to the running
// Cluster: additions and removals only, preserving availability state
// for nodes that survive the reload.
func reconcileCluster(c *cluster.Cluster, nodes []string) {
	want := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		want[n] = true
		c.AddNode(n)
	}
	for _, existing := range c.Nodes() {
		if !want[existing] {
			c.RemoveNode(existing)
		}
	}
}

// listenerAdapter bridges proxy.Listener's *proxy.Connection-typed
// predicate to admin.ConnectionCloser's account-string-typed one.
type listenerAdapter struct {
	l *proxy.Listener
}

func (a listenerAdapter) CloseConnectionsIf(predicate func(account string) bool) int {
	return a.l.CloseConnectionsIf(func(c *proxy.Connection) bool { return predicate(c.Account()) })
}

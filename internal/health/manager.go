package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cm4all/myproxy/internal/cluster"
	"github.com/cm4all/myproxy/internal/config"
	"github.com/cm4all/myproxy/internal/metrics"
)

const maxConcurrentChecks = 10

// Manager runs CheckServer against every node of a Cluster on a fixed
// interval and marks nodes unavailable/available based on consecutive
// failures, adapted from the teacher's ticker-driven Checker with a
// semaphore-bounded worker pool (maxWorkers there, maxConcurrentChecks
// here) rather than one goroutine per node per tick.
type Manager struct {
	cluster       *cluster.Cluster
	metrics       *metrics.Collector
	interval      time.Duration
	probeReadOnly bool
	creds         Credentials
	failThreshold int

	mu       sync.Mutex
	failures map[string]int
	states   map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a Manager from cfg. Interval and FailThreshold follow
// the teacher's config-driven checker defaults when zero (30s, 3
// failures); ProbeUser/ProbePassword authenticate the read_only probe
// when ProbeReadOnly is set.
func NewManager(c *cluster.Cluster, m *metrics.Collector, cfg config.HealthConfig) *Manager {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	failThreshold := cfg.FailThreshold
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &Manager{
		cluster:       c,
		metrics:       m,
		interval:      interval,
		probeReadOnly: cfg.ProbeReadOnly,
		creds:         Credentials{User: cfg.ProbeUser, Password: cfg.ProbePassword},
		failThreshold: failThreshold,
		failures:      make(map[string]int),
		states:        make(map[string]string),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the periodic check loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop ends the check loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	nodes := m.cluster.Nodes()
	sem := make(chan struct{}, maxConcurrentChecks)
	var wg sync.WaitGroup

	for _, addr := range nodes {
		addr := addr
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			done := make(chan struct{})
			CheckServer(ctx, addr, m.probeReadOnly, m.creds, func(status Status) {
				m.applyResult(addr, status)
				close(done)
			})
			select {
			case <-done:
			case <-ctx.Done():
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) applyResult(address string, status Status) {
	m.mu.Lock()
	oldState := m.states[address]
	if status == StatusDead {
		m.failures[address]++
	} else {
		m.failures[address] = 0
	}
	failures := m.failures[address]
	m.states[address] = status.String()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetServerState(address, status.String(), oldState)
	}

	if status == StatusDead && failures >= m.failThreshold {
		slog.Warn("health: marking node unavailable", "address", address, "consecutive_failures", failures)
		m.cluster.MarkUnavailable(address)
	} else if status != StatusDead {
		m.cluster.MarkAvailable(address)
	}
}

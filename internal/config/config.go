// Package config loads and hot-reloads myproxy's YAML configuration,
// adapted from the teacher's tenant-keyed config loader: same
// env-var-substitution-then-yaml.v3-unmarshal pipeline and
// fsnotify-driven Watcher, retargeted from a map of tenants onto a
// cluster of backend addresses plus listener/policy/health settings.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for myproxy.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Cluster ClusterConfig `yaml:"cluster"`
	Policy  PolicyConfig  `yaml:"policy"`
	Health  HealthConfig  `yaml:"health"`
	Admin   AdminConfig   `yaml:"admin"`
}

// ListenConfig defines where myproxy accepts client connections.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ClusterConfig lists the candidate backend nodes rendezvous hashing
// picks from.
type ClusterConfig struct {
	Nodes []string `yaml:"nodes"`
}

// PolicyConfig points at the Lua script run for every new connection.
type PolicyConfig struct {
	Script string `yaml:"script"`
}

// HealthConfig controls the periodic backend health checker.
type HealthConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ProbeReadOnly bool          `yaml:"probe_read_only"`
	ProbeUser     string        `yaml:"probe_user"`
	ProbePassword string        `yaml:"probe_password"`
	FailThreshold int           `yaml:"fail_threshold"`
}

// AdminConfig controls the REST/UDP admin control plane.
type AdminConfig struct {
	HTTPBind string `yaml:"http_bind"`
	HTTPPort int    `yaml:"http_port"`
	UDPBind  string `yaml:"udp_bind"`
	UDPPort  int    `yaml:"udp_port"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 3306
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.FailThreshold == 0 {
		cfg.Health.FailThreshold = 3
	}
	if cfg.Admin.HTTPBind == "" {
		cfg.Admin.HTTPBind = "127.0.0.1"
	}
	if cfg.Admin.HTTPPort == 0 {
		cfg.Admin.HTTPPort = 8080
	}
	if cfg.Admin.UDPBind == "" {
		cfg.Admin.UDPBind = "127.0.0.1"
	}
	if cfg.Admin.UDPPort == 0 {
		cfg.Admin.UDPPort = 5478
	}
}

func validate(cfg *Config) error {
	if len(cfg.Cluster.Nodes) == 0 {
		return fmt.Errorf("cluster: at least one node is required")
	}
	seen := make(map[string]bool, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		if n == "" {
			return fmt.Errorf("cluster: empty node address")
		}
		if seen[n] {
			return fmt.Errorf("cluster: duplicate node %q", n)
		}
		seen[n] = true
	}
	if cfg.Policy.Script == "" {
		return fmt.Errorf("policy: script is required")
	}
	if cfg.Health.ProbeReadOnly && cfg.Health.ProbeUser == "" {
		return fmt.Errorf("health: probe_user is required when probe_read_only is set")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}

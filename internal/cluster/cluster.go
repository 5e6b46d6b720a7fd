// Package cluster implements rendezvous-hash based backend selection: a
// set of candidate MySQL addresses from which an account key
// deterministically picks one node, with minimal reshuffling when
// membership changes.
package cluster

import (
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// ErrNoAvailableNode is returned by Pick when every node is marked
// unavailable.
var ErrNoAvailableNode = errors.New("cluster: no available node")

// NodeObserver is notified exactly once when a node it is watching
// becomes unavailable, then is detached — the Go analogue of
// ClusterNodeObserver's auto-unlinking intrusive list hook.
type NodeObserver interface {
	OnClusterNodeUnavailable(address string)
}

// Cluster is an ordered set of backend addresses with a precomputed
// rendezvous-hash table. Pick implements Highest-Random-Weight hashing
// via github.com/dgryski/go-rendezvous (an indirect dependency already
// carried by the pack's teleport repo for its own proxy-peer routing),
// wrapped with the node-availability bookkeeping the library itself has
// no opinion about.
type Cluster struct {
	mu        sync.RWMutex
	addresses []string
	hash      *rendezvous.Table
	available map[string]bool
	observers map[string][]NodeObserver
}

func hashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// New builds a Cluster over the given backend addresses. All nodes start
// available.
func New(addresses []string) *Cluster {
	sorted := append([]string{}, addresses...)
	sort.Strings(sorted)

	c := &Cluster{
		addresses: sorted,
		available: make(map[string]bool, len(sorted)),
		observers: make(map[string][]NodeObserver),
	}
	c.hash = rendezvous.New(sorted, hashString)
	for _, a := range sorted {
		c.available[a] = true
	}
	return c
}

// Pick returns the address the given account key is routed to. Nodes
// marked unavailable are skipped in favor of the runner-up by score;
// go-rendezvous doesn't expose "nth best", so unavailability is
// implemented by iteratively excluding known-down nodes from a scratch
// table sized to the remaining candidates. Clusters are small (tens of
// nodes at most) so this is cheap relative to a connection attempt.
func (c *Cluster) Pick(accountKey string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.addresses) == 0 {
		return "", ErrNoAvailableNode
	}

	candidates := make([]string, 0, len(c.addresses))
	for _, a := range c.addresses {
		if c.available[a] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoAvailableNode
	}
	if len(candidates) == len(c.addresses) {
		return c.hash.Get(accountKey), nil
	}

	scratch := rendezvous.New(candidates, hashString)
	return scratch.Get(accountKey), nil
}

// AddNode adds a new backend address to the cluster, available by
// default. Per rendezvous hashing's guarantee, this reassigns only the
// keys that newly prefer it.
func (c *Cluster) AddNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range c.addresses {
		if a == address {
			return
		}
	}
	c.addresses = append(c.addresses, address)
	sort.Strings(c.addresses)
	c.hash = rendezvous.New(c.addresses, hashString)
	c.available[address] = true
}

// RemoveNode removes a backend address entirely.
func (c *Cluster) RemoveNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.addresses[:0]
	for _, a := range c.addresses {
		if a != address {
			out = append(out, a)
		}
	}
	c.addresses = out
	c.hash = rendezvous.New(c.addresses, hashString)
	delete(c.available, address)
	delete(c.observers, address)
}

// Nodes returns the current address list.
func (c *Cluster) Nodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.addresses...)
}

// IsAvailable reports whether address is currently picked from.
func (c *Cluster) IsAvailable(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available[address]
}

// Observe registers obs to be notified exactly once when address next
// becomes unavailable.
func (c *Cluster) Observe(address string, obs NodeObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers[address] = append(c.observers[address], obs)
}

// MarkUnavailable marks address as down — by admin command or by the
// health checker — notifying and detaching every observer registered on
// it exactly once.
func (c *Cluster) MarkUnavailable(address string) {
	c.mu.Lock()
	if !c.available[address] {
		c.mu.Unlock()
		return
	}
	c.available[address] = false
	observers := c.observers[address]
	delete(c.observers, address)
	c.mu.Unlock()

	for _, obs := range observers {
		obs.OnClusterNodeUnavailable(address)
	}
}

// MarkAvailable marks address as up again, eligible for Pick.
func (c *Cluster) MarkAvailable(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.available[address]; ok {
		c.available[address] = true
	}
}

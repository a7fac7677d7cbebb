// Package nodes tracks the worker nodes the control plane manages:
// which are configured, which have a live control channel, and whether their
// advertised addresses resolve.
package nodes

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Node is one configured worker node.
type Node struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Status is the registry's view of one node.
type Status struct {
	Node
	Online       bool  `json:"online"`
	Reachable    bool  `json:"reachable"`
	LastSeenUnix int64 `json:"last_seen_unix"`
}

var ErrUnknownNode = errors.New("nodes: unknown node")

// Registry is safe for concurrent use. Online state is driven by the hub's
// register/disconnect events; reachability by Verify.
type Registry struct {
	resolver *Resolver

	mu       sync.RWMutex
	nodes    map[string]Node
	online   map[string]bool
	verified map[string]bool
	lastSeen map[string]time.Time
}

func NewRegistry(resolver *Resolver) *Registry {
	return &Registry{
		resolver: resolver,
		nodes:    make(map[string]Node),
		online:   make(map[string]bool),
		verified: make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

// Replace swaps the configured node set (config load / hot reload). State for
// removed nodes is dropped.
func (r *Registry) Replace(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.ID != "" {
			keep[n.ID] = n
		}
	}
	for id := range r.nodes {
		if _, ok := keep[id]; !ok {
			delete(r.online, id)
			delete(r.verified, id)
			delete(r.lastSeen, id)
		}
	}
	r.nodes = keep
}

func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.nodes))
	for id, n := range r.nodes {
		st := Status{Node: n, Online: r.online[id], Reachable: r.verified[id]}
		if t, ok := r.lastSeen[id]; ok {
			st.LastSeenUnix = t.Unix()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetOnline records a channel connect/disconnect for the node. Unknown nodes
// are accepted so an agent can appear before its config entry lands.
func (r *Registry) SetOnline(id string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		r.nodes[id] = Node{ID: id}
	}
	r.online[id] = online
	r.lastSeen[id] = time.Now()
}

// Seen bumps the heartbeat timestamp.
func (r *Registry) Seen(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[id] = time.Now()
}

// Online reports whether the node's channel is connected. Satisfies
// bridge.Presence, so bridge calls to offline nodes fail fast.
func (r *Registry) Online(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[id]
}

// Verify resolves the node's advertised host and flags it reachable. Nodes
// without a host (pure agent-initiated connections) count as reachable.
func (r *Registry) Verify(id string) error {
	n, ok := r.Get(id)
	if !ok {
		return ErrUnknownNode
	}
	reachable := true
	var err error
	if n.Host != "" && r.resolver != nil {
		_, err = r.resolver.Resolve(n.Host)
		reachable = err == nil
	}
	r.mu.Lock()
	r.verified[id] = reachable
	r.mu.Unlock()
	return err
}

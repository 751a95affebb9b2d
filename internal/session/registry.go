// Package session tracks which transport connections belong to which client
// and decides, after a reconnect grace period, when a client is gone.
package session

import "sort"

// Registry maps client ids to their live connection ids. A client may hold
// several connections at once (one per browser tab). Registry is not safe for
// concurrent use.
type Registry struct {
	conns map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]struct{})}
}

// Add registers connID for clientID and reports whether it is the client's
// first live connection.
func (r *Registry) Add(clientID, connID string) bool {
	set, ok := r.conns[clientID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[clientID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1
}

// Remove drops connID and reports whether it was the client's last live
// connection. Unknown clients and connections report false.
func (r *Registry) Remove(clientID, connID string) bool {
	set, ok := r.conns[clientID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, clientID)
		return true
	}
	return false
}

// Connected reports whether clientID has at least one live connection.
func (r *Registry) Connected(clientID string) bool {
	return len(r.conns[clientID]) > 0
}

// Connections returns the sorted connection ids for clientID.
func (r *Registry) Connections(clientID string) []string {
	set := r.conns[clientID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clients returns the number of clients with live connections.
func (r *Registry) Clients() int {
	return len(r.conns)
}

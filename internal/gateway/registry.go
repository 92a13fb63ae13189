package gateway

import (
	"log"
	"sync"
)

// CleanupHook runs when a connection is unregistered, after the
// connection has been removed from the registry. Components register
// hooks to tear down presence, awareness, and call membership.
type CleanupHook func(*Client)

// Registry owns the connection maps: connection-id to client, and
// user-id to that user's device connections. All mutation goes through
// Register and Unregister.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[string]map[string]*Client

	hookMu sync.Mutex
	hooks  []CleanupHook
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Client),
		byUser: make(map[string]map[string]*Client),
	}
}

// OnDisconnect adds a cleanup hook. Hooks run in registration order.
func (r *Registry) OnDisconnect(h CleanupHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, h)
}

func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	devices, ok := r.byUser[c.UserID]
	if !ok {
		devices = make(map[string]*Client)
		r.byUser[c.UserID] = devices
	}
	devices[c.ID] = c
	log.Printf("Connection %s registered for user %s (%d device(s))", c.ID, c.UserID, len(devices))
}

// Unregister removes the connection and runs the cleanup hooks.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)
	if devices, ok := r.byUser[c.UserID]; ok {
		delete(devices, c.ID)
		if len(devices) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	r.mu.Unlock()

	r.hookMu.Lock()
	hooks := make([]CleanupHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.Unlock()
	for _, h := range hooks {
		h(c)
	}
	c.Close()
	log.Printf("Connection %s unregistered for user %s", c.ID, c.UserID)
}

func (r *Registry) Connection(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ConnectionsFor returns every device connection of a user. The slice
// is a copy and safe to iterate without the registry lock.
func (r *Registry) ConnectionsFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := r.byUser[userID]
	out := make([]*Client, 0, len(devices))
	for _, c := range devices {
		out = append(out, c)
	}
	return out
}

// HasConnections reports whether the user has at least one device
// online on this instance.
func (r *Registry) HasConnections(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SendToUser fans a JSON payload out to every device connection of the
// user. A user with no connections is a silent no-op; the return value
// reports how many connections were targeted.
func (r *Registry) SendToUser(userID string, v any) int {
	conns := r.ConnectionsFor(userID)
	for _, c := range conns {
		c.SendJSON(v)
	}
	return len(conns)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

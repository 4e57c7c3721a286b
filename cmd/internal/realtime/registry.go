package realtime

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "unimarket/shared/contracts/realtime/v1"
)

// Registry owns the live mapping of user ids to active connections.
//
// It is a multimap: one user may hold any number of concurrent connections
// (multi-tab, multi-device), each under its own connection id. All mutations
// are serialized behind a single mutex; fan-out to member queues never blocks.
//
// After every mutation the full online-user-id set is broadcast to every live
// connection, mirroring how clients learn presence: the list replaces their
// local view, it is never patched.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	byUser  map[string]map[string]*Client // user id -> conn id -> client
	byConn  map[string]*Client            // conn id -> client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		byUser: make(map[string]map[string]*Client),
		byConn: make(map[string]*Client),
	}
}

// Register inserts the client's (user id, conn id) pair if absent.
// Registering the same pair twice is a no-op. A presence broadcast follows
// either way so late identifies still converge.
func (r *Registry) Register(client *Client) {
	if r == nil || client == nil || client.UserID == "" || client.ConnID == "" {
		return
	}

	r.mu.Lock()
	conns := r.byUser[client.UserID]
	if conns == nil {
		conns = make(map[string]*Client)
		r.byUser[client.UserID] = conns
	}
	if _, dup := conns[client.ConnID]; !dup {
		conns[client.ConnID] = client
		r.byConn[client.ConnID] = client
	}
	connections := len(r.byConn)
	online := len(r.byUser)
	r.mu.Unlock()

	metricConnections.Set(float64(connections))
	metricOnlineUsers.Set(float64(online))
	r.log.Info("registry.register", "user_id", client.UserID, "conn_id", client.ConnID, "connections", connections)

	r.BroadcastPresence()
}

// Unregister removes the (at most one) entry holding this connection id.
// Unknown ids are ignored; cleanup after an ungraceful network loss arrives
// whenever the transport detects the drop, which may lag real disconnection.
func (r *Registry) Unregister(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	client, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		if conns := r.byUser[client.UserID]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byUser, client.UserID)
			}
		}
	}
	connections := len(r.byConn)
	online := len(r.byUser)
	r.mu.Unlock()

	if !ok {
		return
	}

	metricConnections.Set(float64(connections))
	metricOnlineUsers.Set(float64(online))
	r.log.Info("registry.unregister", "user_id", client.UserID, "conn_id", connID, "connections", connections)

	r.BroadcastPresence()
}

// Lookup returns a snapshot of the user's live connections (possibly empty).
func (r *Registry) Lookup(userID string) []*Client {
	if r == nil || userID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// OnlineUserIDs returns the sorted distinct set of online user ids.
func (r *Registry) OnlineUserIDs() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// BroadcastPresence pushes the current online set to every live connection.
// Non-blocking: a connection with a full queue misses this round and catches
// up on the next mutation.
func (r *Registry) BroadcastPresence() {
	if r == nil {
		return
	}

	payload, err := json.Marshal(v1.PresenceListPayload{UserIDs: r.OnlineUserIDs()})
	if err != nil {
		return
	}
	env := newEnvelope(v1.TypePresenceList, payload, time.Now().UTC())

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.byConn {
		if !c.TryEnqueue(env) {
			metricDroppedEvents.WithLabelValues(env.Type).Inc()
		}
	}
}

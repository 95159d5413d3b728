package realtime

import "sync"

// Registry tracks at most one live connection per user id.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]*Connection)}
}

// Put stores conn for its user and returns the connection it replaced, if any.
func (r *Registry) Put(conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.connections[conn.UserID()]
	r.connections[conn.UserID()] = conn
	if previous == conn {
		return nil
	}
	return previous
}

// Remove deletes the entry for conn's user only while it still points at conn,
// so a superseded connection closing late cannot evict its replacement.
func (r *Registry) Remove(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.connections[conn.UserID()]
	if !ok || current != conn {
		return false
	}
	delete(r.connections, conn.UserID())
	return true
}

// TakeSession removes and returns the connection for userID only when it was
// opened under sessionToken. A connection from another session stays registered.
func (r *Registry) TakeSession(userID, sessionToken string) *Connection {
	if sessionToken == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[userID]
	if !ok || conn.SessionToken() != sessionToken {
		return nil
	}
	delete(r.connections, userID)
	return conn
}

// Get returns the connection registered for userID.
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[userID]
	return conn, ok
}

// Snapshot copies the registered connections so callers can push without holding the lock.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	return connections
}

// Len reports how many users have a live connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

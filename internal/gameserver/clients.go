package gameserver

import (
	"sync"
)

// ClientManager is the single-session index: at most one canonical
// connection per player. Thread-safe for concurrent access.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[int64]*Client // key: userID
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[int64]*Client, 1000), // pre-allocate for 1K players
	}
}

// Activate makes c the canonical connection of its player and returns the
// connection it replaced, or nil.
func (cm *ClientManager) Activate(c *Client) *Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	prev := cm.clients[c.UserID()]
	cm.clients[c.UserID()] = c
	if prev == c {
		return nil
	}
	return prev
}

// ClearIfCurrent removes c only if it is still the canonical connection.
// Returns false when a newer connection already took over.
func (cm *ClientManager) ClearIfCurrent(c *Client) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.clients[c.UserID()] != c {
		return false
	}
	delete(cm.clients, c.UserID())
	return true
}

// IsCurrent reports whether c is the canonical connection of its player.
func (cm *ClientManager) IsCurrent(c *Client) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.clients[c.UserID()] == c
}

// GetClient returns the canonical connection of userID.
// Returns nil if not found.
func (cm *ClientManager) GetClient(userID int64) *Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.clients[userID]
}

// Count returns total number of connected players.
func (cm *ClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// ForEachClient iterates over all canonical connections.
// If fn returns false, iteration stops.
func (cm *ClientManager) ForEachClient(fn func(*Client) bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, client := range cm.clients {
		if !fn(client) {
			return
		}
	}
}

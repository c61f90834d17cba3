// Package replication carries liveness events between the processes of a
// multi-process deployment. Workers publish REMOTE_SERVER_UP commands over
// Redis and every other process repeats them to its in-process listeners.
package replication

import (
	"sync"

	"github.com/polisai/polis-federation/pkg/domain"
)

// Listener is called when a remote server is known to be up.
type Listener func(origin domain.ServerName)

// LocalNotifier fans "remote server up" events out to in-process listeners.
type LocalNotifier struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewLocalNotifier creates a notifier without listeners.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{listeners: make(map[int]Listener)}
}

// Subscribe registers fn and returns a function removing it again.
func (n *LocalNotifier) Subscribe(fn Listener) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// NotifyRemoteServerUp calls every listener with origin.
func (n *LocalNotifier) NotifyRemoteServerUp(origin domain.ServerName) {
	n.mu.RLock()
	listeners := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.RUnlock()

	for _, fn := range listeners {
		fn(origin)
	}
}

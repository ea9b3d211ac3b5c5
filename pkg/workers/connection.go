package workers

import (
	"context"
	"sort"
	"sync"

	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/network"
)

// ConnectionEventWorker tracks which users are online from the client
// manager's connection events.
type ConnectionEventWorker struct {
	connectionEventChan <-chan network.ConnectionEvent

	lock     sync.RWMutex
	sessions map[string]map[uint32]struct{}
	users    map[uint32]string
}

type NewConnectionEventWorkerOptions struct {
	ConnectionEventChan <-chan network.ConnectionEvent
}

func NewConnectionEventWorker(opts NewConnectionEventWorkerOptions) *ConnectionEventWorker {
	return &ConnectionEventWorker{
		connectionEventChan: opts.ConnectionEventChan,
		sessions:            make(map[string]map[uint32]struct{}),
		users:               make(map[uint32]string),
	}
}

func (w *ConnectionEventWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.connectionEventChan:
			w.handle(event)
		}
	}
}

func (w *ConnectionEventWorker) handle(event network.ConnectionEvent) {
	switch event.Type {
	case network.ConnectionEventTypeConnect:
		data, _ := event.Data.(network.ClientConnectData)
		log.Debug("Client %d connected from %s", event.ClientID, data.RemoteAddr)
	case network.ConnectionEventTypeIdentify:
		data, ok := event.Data.(network.ClientIdentifyData)
		if !ok {
			log.Error("Failed to cast client identify data")
			return
		}
		w.join(event.ClientID, data.UserID)
	case network.ConnectionEventTypeDisconnect:
		w.leave(event.ClientID)
	default:
		log.Error("Unknown connection event type: %v", event.Type)
	}
}

func (w *ConnectionEventWorker) join(clientID uint32, userID string) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if previous, ok := w.users[clientID]; ok {
		w.removeLocked(clientID, previous)
	}
	w.users[clientID] = userID
	if w.sessions[userID] == nil {
		w.sessions[userID] = make(map[uint32]struct{})
	}
	w.sessions[userID][clientID] = struct{}{}
	log.Debug("User %q now has %d sessions", userID, len(w.sessions[userID]))
}

func (w *ConnectionEventWorker) leave(clientID uint32) {
	w.lock.Lock()
	defer w.lock.Unlock()

	userID, ok := w.users[clientID]
	if !ok {
		return
	}
	w.removeLocked(clientID, userID)
}

func (w *ConnectionEventWorker) removeLocked(clientID uint32, userID string) {
	delete(w.users, clientID)
	delete(w.sessions[userID], clientID)
	if len(w.sessions[userID]) == 0 {
		delete(w.sessions, userID)
	}
}

// OnlineUsers returns the sorted ids of users with at least one session.
func (w *ConnectionEventWorker) OnlineUsers() []string {
	w.lock.RLock()
	defer w.lock.RUnlock()
	users := make([]string, 0, len(w.sessions))
	for u := range w.sessions {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

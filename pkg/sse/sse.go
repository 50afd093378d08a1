package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/gin-gonic/gin"
)

// Event is a server-sent event addressed to one user's open streams.
type Event struct {
	Name string
	Data any
}

type client struct {
	userID string
	ch     chan Event
}

// Manager fans out engine events (sync finished, delivery failed, new mail)
// to connected browser streams.
type Manager struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewManager() *Manager {
	return &Manager{clients: make(map[*client]struct{})}
}

// SendToUser delivers an event to every open stream of the user. Slow
// clients are skipped rather than blocking the caller.
func (m *Manager) SendToUser(userID, name string, data any) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for c := range m.clients {
		if c.userID != userID {
			continue
		}
		select {
		case c.ch <- Event{Name: name, Data: data}:
		default:
			log.Printf("[SSE] Dropping %s event for slow client of user %s", name, userID)
		}
	}
}

// ServeHTTP streams events to one client until it disconnects.
func (m *Manager) ServeHTTP(c *gin.Context, userID string) {
	cl := &client{userID: userID, ch: make(chan Event, 16)}

	m.mu.Lock()
	m.clients[cl] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.clients, cl)
		m.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-cl.ch:
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Package sse pushes refresh events to connected portal clients so they can
// re-fetch state when a webhook advances an entity, instead of polling.
package sse

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Broadcaster fans one message out to every connected client.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan string]bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[chan string]bool)}
}

func (b *Broadcaster) register(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
}

func (b *Broadcaster) unregister(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
	}
}

// Broadcast sends a message to all registered clients. Clients that do not
// drain within a second are dropped.
func (b *Broadcaster) Broadcast(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		select {
		case client <- message:
		case <-time.After(1 * time.Second):
			delete(b.clients, client)
			close(client)
		}
	}
}

// Stream is the GET /events handler: it registers the caller and relays
// broadcast messages as SSE data lines until the client disconnects.
func (b *Broadcaster) Stream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	client := make(chan string)
	b.register(client)
	defer b.unregister(client)

	fmt.Fprintf(c.Writer, "data: connected\n\n")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

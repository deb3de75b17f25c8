// Package statusfeed exposes orchestration progress over WebSocket.
//
// Companion tooling (a desktop shell, a dashboard tab) can subscribe to a
// run's events without being the process that started it. The feed is purely
// observational: clients receive events and may not influence the run.
package statusfeed

import (
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/orchestrator"
)

const broadcastBuffer = 64

// Feed fans orchestrator events out to connected WebSocket clients. It is
// independent of any single run; Publish can be fed from consecutive runs.
type Feed struct {
	addr     string
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	ln         net.Listener
	httpServer *http.Server
	clients    map[*client]bool
	broadcast  chan orchestrator.Event
	stopped    bool
}

// NewFeed creates a feed that will listen on addr once started.
func NewFeed(addr string) *Feed {
	return &Feed{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed binds loopback or a trusted LAN interface; there
			// is no origin list to enforce.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Start binds the listener and begins accepting subscribers. The bind happens
// synchronously so a port conflict is reported here. Calling Start on a
// running feed is a no-op.
func (f *Feed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return activatorErrors.BindFailed(f.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", f.handleSubscribe)

	f.ln = ln
	f.stopped = false
	f.broadcast = make(chan orchestrator.Event, broadcastBuffer)
	f.httpServer = &http.Server{Handler: mux}

	go f.run(f.broadcast)
	go func() {
		if err := f.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("statusfeed: serve: %v", err)
		}
	}()

	log.Printf("statusfeed: listening on %s", ln.Addr())
	return nil
}

// Stop disconnects all clients and releases the listener. Safe to call on a
// feed that never started.
func (f *Feed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ln == nil {
		return nil
	}

	f.stopped = true
	close(f.broadcast)
	for c := range f.clients {
		c.signalClose()
	}
	f.clients = make(map[*client]bool)

	err := f.httpServer.Close()
	f.ln = nil
	f.httpServer = nil
	return err
}

// Addr returns the bound address, or "" when the feed is not running.
func (f *Feed) Addr() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.ln == nil {
		return ""
	}
	return f.ln.Addr().String()
}

// ClientCount returns the number of connected subscribers.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Publish queues an event for every subscriber. It never blocks: when the
// broadcast buffer is full the event is dropped with a log line. Publishing
// to a stopped feed does nothing.
func (f *Feed) Publish(ev orchestrator.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.stopped || f.broadcast == nil {
		return
	}
	select {
	case f.broadcast <- ev:
	default:
		log.Printf("statusfeed: broadcast buffer full, dropping %s event", ev.Kind)
	}
}

// run drains the broadcast channel and fans events out. Slow clients lose
// events instead of stalling everyone else.
func (f *Feed) run(broadcast <-chan orchestrator.Event) {
	for ev := range broadcast {
		f.mu.RLock()
		for c := range f.clients {
			select {
			case <-c.done:
			case c.send <- ev:
			default:
				log.Printf("statusfeed: client buffer full, dropping %s event", ev.Kind)
			}
		}
		f.mu.RUnlock()
	}
}

func (f *Feed) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("statusfeed: upgrade: %v", err)
		return
	}

	c := newClient(f, conn)

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = true
	f.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (f *Feed) dropClient(c *client) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
}

// Package recordserver implements the local activation record server.
//
// In local mode the device is told (via the patched payload) to fetch its
// activation record from this machine instead of the vendor backend. The
// server binds all interfaces so the device can reach it over the USB tether
// link or Wi-Fi, and serves one file per model/build combination from a
// read-only directory tree:
//
//	<base>/<model>/<build>/patched.plist
//
// The requesting device identifies itself through its User-Agent header
// ("model/<token> build/<token>"); there is no other route or method.
package recordserver

import (
	"log"
	"net"
	"net/http"
	"sync"

	activatorErrors "github.com/a5revive/activator/internal/errors"
)

// Config holds the record server configuration.
type Config struct {
	// Addr is the host:port to bind. The device-facing default is
	// "0.0.0.0:8080" so the server is reachable on every interface.
	Addr string

	// BaseDir is the root of the activation record tree.
	BaseDir string
}

// Server serves activation records over HTTP. Its lifetime is owned by a
// single orchestration run; Start and Stop are idempotent so the owner can
// release it unconditionally on every exit path.
type Server struct {
	cfg Config

	mu         sync.Mutex
	ln         net.Listener
	httpServer *http.Server
}

// NewServer creates a record server for the given configuration.
// Nothing is bound until Start.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Start binds the listener and begins accepting connections on a dedicated
// goroutine; it never blocks the caller beyond the bind itself. The listener
// is created synchronously so a port conflict surfaces here as a
// server.bind_failed error rather than later on the serve goroutine.
//
// Start is safe to call multiple times; subsequent calls while running are
// no-ops.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Already running
	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return activatorErrors.BindFailed(s.cfg.Addr, err)
	}

	s.ln = ln
	s.httpServer = &http.Server{Handler: http.HandlerFunc(s.handleRecord)}

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("recordserver: serve error: %v", err)
		}
	}(s.httpServer, ln)

	log.Printf("recordserver: serving %s on %s", s.cfg.BaseDir, ln.Addr())
	return nil
}

// Stop shuts the listener down and releases the port. In-flight requests are
// abandoned; the device retries its fetch anyway. Safe to call when not
// running (no-op) and safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	err := s.httpServer.Close()
	s.ln = nil
	s.httpServer = nil

	log.Printf("recordserver: stopped")
	return err
}

// IsRunning returns true if the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// Addr returns the bound listener address, or empty when not running.
// Useful when the configured address uses port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

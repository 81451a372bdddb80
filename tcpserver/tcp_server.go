// Package tcpserver implements the stream server: it listens for TCP
// connections, wraps each one as a Peer with a sequential identifier and
// delivers newline-delimited lines to a Handler.
package tcpserver

import (
	"fmt"
	"net"
	"sync"

	"github.com/cyberinferno/go-plebnet/dispatcher"
	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/registry"
	"github.com/cyberinferno/go-plebnet/transport"
)

// Config holds configuration for a TCPServer.
type Config struct {
	// Name identifies the server in log entries.
	Name string
	// Addr is the local "host:port" to listen on; ":0" picks a free port.
	Addr string
	// MaxLineLength bounds a received line; longer lines disconnect the peer.
	MaxLineLength int
	// Dispatch controls how ReceivedData callbacks are executed.
	Dispatch dispatcher.Config
}

// DefaultConfig returns a Config listening on all interfaces at port.
//
// Parameters:
//   - port: The TCP port to listen on
//
// Returns:
//   - A Config with Name "tcp", MaxLineLength 64 KiB and ordered dispatch
func DefaultConfig(port int) Config {
	return Config{
		Name:          "tcp",
		Addr:          fmt.Sprintf(":%d", port),
		MaxLineLength: transport.DefaultMaxLineLength,
		Dispatch:      dispatcher.DefaultConfig(),
	}
}

// TCPServer accepts stream connections for as long as it runs. Every
// accepted connection becomes a Peer with the next identifier, starting at 0.
// Identifiers are never reused and peers are never evicted from the index.
type TCPServer struct {
	config     Config
	handler    Handler
	logger     logger.Logger
	lifecycle  transport.Lifecycle
	listener   net.Listener
	peers      *registry.Registry[*Peer]
	dispatcher *dispatcher.Dispatcher
	loops      sync.WaitGroup
	mu         sync.Mutex
}

// New creates a TCPServer in the Created state.
//
// Parameters:
//   - config: Listen address and dispatch settings (e.g. from DefaultConfig)
//   - handler: Receives connect and data events
//   - log: Logger for diagnostics; nil discards
//
// Returns:
//   - A new *TCPServer; call Start to begin listening
func New(config Config, handler Handler, log logger.Logger) *TCPServer {
	if config.Name == "" {
		config.Name = "tcp"
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.With(logger.Field{Key: "component", Value: "tcpserver"}, logger.Field{Key: "server", Value: config.Name})

	return &TCPServer{
		config:     config,
		handler:    handler,
		logger:     log,
		peers:      registry.New[*Peer](),
		dispatcher: dispatcher.New(config.Dispatch, log),
	}
}

// Start binds Addr and runs the accept loop in a goroutine. A bind failure
// leaves the server Stopped; it is not retried.
//
// Returns:
//   - An error wrapping transport.ErrBind if listening fails
//   - transport.ErrAlreadyStarted or transport.ErrStopped on misuse
func (s *TCPServer) Start() error {
	if err := s.lifecycle.Begin(); err != nil {
		return fmt.Errorf("server %s: %w", s.config.Name, err)
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.lifecycle.Halt()
		s.dispatcher.Close()
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s: %w: %w", s.config.Name, transport.ErrBind, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if !s.lifecycle.Run() {
		_ = ln.Close()
		return fmt.Errorf("server %s: %w", s.config.Name, transport.ErrStopped)
	}

	s.logger.Info(fmt.Sprintf("%s server started", s.config.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.loops.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Stop closes the listener and every peer connection, then waits for the
// accept loop and all peer read loops to exit. No callback starts after Stop
// returns; callbacks already executing are allowed to finish. Stop must not
// be called from a Connected callback. Calling Stop again is a no-op.
func (s *TCPServer) Stop() {
	if !s.lifecycle.Halt() {
		return
	}

	s.dispatcher.Close()

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.peers.Range(func(id uint32, peer *Peer) bool {
		_ = peer.Close()
		return true
	})

	s.loops.Wait()
	s.logger.Info(fmt.Sprintf("%s server stopped", s.config.Name))
}

// Get returns the peer with the given identifier.
//
// Parameters:
//   - id: The peer ID passed to the Handler
//
// Returns:
//   - The peer and true if it was ever accepted, or nil and false otherwise
func (s *TCPServer) Get(id uint32) (*Peer, bool) {
	return s.peers.Get(id)
}

// Peers calls f for every accepted peer in identifier order until f returns
// false.
func (s *TCPServer) Peers(f func(p *Peer) bool) {
	s.peers.Range(func(_ uint32, p *Peer) bool {
		return f(p)
	})
}

// PeerCount returns how many peers have been accepted.
func (s *TCPServer) PeerCount() int {
	return s.peers.Len()
}

// Addr returns the bound listen address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// State returns the server's lifecycle state.
func (s *TCPServer) State() transport.State {
	return s.lifecycle.State()
}

// acceptLoop accepts connections until the listener is closed by Stop.
func (s *TCPServer) acceptLoop(ln net.Listener) {
	defer s.loops.Done()

	for s.lifecycle.IsRunning() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.lifecycle.IsRunning() {
				return
			}

			s.logger.Error(fmt.Sprintf("%s server accept error", s.config.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		s.accept(conn)
	}
}

func (s *TCPServer) accept(conn net.Conn) {
	// Stop may have run between Accept and here; the Range in Stop would then
	// miss this peer.
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lifecycle.IsRunning() {
		_ = conn.Close()
		return
	}

	peer := s.peers.Add(func(id uint32) *Peer {
		return newPeer(id, conn, s)
	})

	s.logger.Debug("peer accepted", logger.Field{Key: "peer_id", Value: peer.ID()}, logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})

	s.loops.Add(1)
	go peer.readLoop()
}

func (s *TCPServer) notifyConnected(p *Peer) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("connected callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	s.handler.Connected(p.id)
}

// Package udpserver implements the datagram server: one bound UDP socket
// whose packets are demultiplexed into Sessions by sender address:port.
// Sessions are created lazily on first contact and numbered from 0.
package udpserver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/go-plebnet/dispatcher"
	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/registry"
	"github.com/cyberinferno/go-plebnet/transport"
)

// Handler receives a UDPServer's events.
type Handler interface {
	// ReceivedData is called for every accepted packet with the sender's
	// session identifier. data is owned by the callee.
	ReceivedData(sessionID uint32, data []byte)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(sessionID uint32, data []byte)

// ReceivedData implements Handler.
func (f HandlerFunc) ReceivedData(sessionID uint32, data []byte) {
	f(sessionID, data)
}

// Config holds configuration for a UDPServer.
type Config struct {
	// Name identifies the server in log entries.
	Name string
	// Addr is the local "host:port" to bind; ":0" picks a free port.
	Addr string
	// MaxPacketSize bounds both received and sent payloads.
	MaxPacketSize int
	// SessionIdleTimeout expires sessions that have not sent a packet for
	// this long. Zero keeps sessions for the lifetime of the server; every
	// session holds a dispatch goroutine until then, so servers facing
	// untrusted or spoofed senders should set a timeout to bound that.
	SessionIdleTimeout time.Duration
	// Dispatch controls how ReceivedData callbacks are executed.
	Dispatch dispatcher.Config
}

// DefaultConfig returns a Config bound to all interfaces at port.
//
// Parameters:
//   - port: The UDP port to bind
//
// Returns:
//   - A Config with Name "udp", MaxPacketSize 1024, immortal sessions and
//     ordered dispatch
func DefaultConfig(port int) Config {
	return Config{
		Name:          "udp",
		Addr:          fmt.Sprintf(":%d", port),
		MaxPacketSize: transport.DefaultMaxPacketSize,
		Dispatch:      dispatcher.DefaultConfig(),
	}
}

// UDPServer receives datagrams on one socket and routes them to per-sender
// Sessions. It is safe for concurrent use.
type UDPServer struct {
	config     Config
	handler    Handler
	logger     logger.Logger
	lifecycle  transport.Lifecycle
	sessions   *registry.Registry[*Session]
	activity   *cache.Cache
	dispatcher *dispatcher.Dispatcher
	loops      sync.WaitGroup
	done       chan struct{}
	doneOnce   sync.Once

	mu   sync.RWMutex
	conn *net.UDPConn

	writeMu sync.Mutex
}

// New creates a UDPServer in the Created state.
//
// Parameters:
//   - config: Bind address, packet size and dispatch settings
//   - handler: Receives data events
//   - log: Logger for diagnostics; nil discards
//
// Returns:
//   - A new *UDPServer; call Start to bind
func New(config Config, handler Handler, log logger.Logger) *UDPServer {
	if config.Name == "" {
		config.Name = "udp"
	}
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = transport.DefaultMaxPacketSize
	}
	if handler == nil {
		handler = HandlerFunc(func(uint32, []byte) {})
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.With(logger.Field{Key: "component", Value: "udpserver"}, logger.Field{Key: "server", Value: config.Name})

	s := &UDPServer{
		config:     config,
		handler:    handler,
		logger:     log,
		sessions:   registry.New[*Session](),
		dispatcher: dispatcher.New(config.Dispatch, log),
		done:       make(chan struct{}),
	}

	// No janitor: expireLoop sweeps the cache so Stop can end the sweeping.
	if config.SessionIdleTimeout > 0 {
		s.activity = cache.New(config.SessionIdleTimeout, 0)
		s.activity.OnEvicted(s.expire)
	}

	return s
}

// Start binds Addr and runs the receive loop in a goroutine. A bind failure
// leaves the server Stopped; it is not retried.
//
// Returns:
//   - An error wrapping transport.ErrBind if the address cannot be bound
//   - transport.ErrAlreadyStarted or transport.ErrStopped on misuse
func (s *UDPServer) Start() error {
	if err := s.lifecycle.Begin(); err != nil {
		return fmt.Errorf("server %s: %w", s.config.Name, err)
	}

	conn, err := listen(s.config.Addr)
	if err != nil {
		s.lifecycle.Halt()
		s.dispatcher.Close()
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s: %w: %w", s.config.Name, transport.ErrBind, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if !s.lifecycle.Run() {
		_ = conn.Close()
		return fmt.Errorf("server %s: %w", s.config.Name, transport.ErrStopped)
	}

	s.logger.Info(fmt.Sprintf("%s server started", s.config.Name), logger.Field{Key: "addr", Value: conn.LocalAddr().String()})

	s.loops.Add(1)
	go s.receiveLoop(conn)

	if s.activity != nil {
		s.loops.Add(1)
		go s.expireLoop()
	}

	return nil
}

// Stop closes the socket and waits for the receive and expiry loops to exit.
// No callback starts after Stop returns; callbacks already executing are
// allowed to finish. Sessions remain reachable through Get and no longer
// expire. Calling Stop again is a no-op.
func (s *UDPServer) Stop() {
	if !s.lifecycle.Halt() {
		return
	}

	s.dispatcher.Close()
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}

	s.loops.Wait()
	if s.activity != nil {
		s.activity.Flush()
	}

	s.logger.Info(fmt.Sprintf("%s server stopped", s.config.Name))
}

// Get returns the session with the given identifier.
func (s *UDPServer) Get(id uint32) (*Session, bool) {
	return s.sessions.Get(id)
}

// Lookup returns the session registered for an "address:port" string such
// as "127.0.0.1:5000". It resolves to the same Session as Get with that
// session's ID.
func (s *UDPServer) Lookup(address string) (*Session, bool) {
	return s.sessions.Lookup(transport.SessionKey(address))
}

// Sessions calls f for every live session in identifier order until f
// returns false.
func (s *UDPServer) Sessions(f func(session *Session) bool) {
	s.sessions.Range(func(_ uint32, session *Session) bool {
		return f(session)
	})
}

// SessionCount returns the number of live sessions.
func (s *UDPServer) SessionCount() int {
	return s.sessions.Len()
}

// Addr returns the bound local address, or nil before Start.
func (s *UDPServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return nil
	}

	return s.conn.LocalAddr()
}

// State returns the server's lifecycle state.
func (s *UDPServer) State() transport.State {
	return s.lifecycle.State()
}

func (s *UDPServer) receiveLoop(conn *net.UDPConn) {
	defer s.loops.Done()

	// One spare byte detects payloads the kernel would otherwise truncate
	// silently.
	buf := make([]byte, s.config.MaxPacketSize+1)
	for s.lifecycle.IsRunning() {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !s.lifecycle.IsRunning() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Error("receive failed", logger.Field{Key: "error", Value: err})
			s.fail(conn)
			return
		}

		if n > s.config.MaxPacketSize {
			s.logger.Warn("dropping oversize datagram",
				logger.Field{Key: "from", Value: from.String()},
				logger.Field{Key: "max", Value: s.config.MaxPacketSize},
			)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.deliver(transport.NormalizeAddrPort(from), payload)
	}
}

func (s *UDPServer) deliver(from netip.AddrPort, payload []byte) {
	key := from.String()

	for attempt := 0; ; attempt++ {
		session, created := s.sessions.LoadOrCreate(key, func(id uint32) *Session {
			return newSession(id, from, key, s)
		})
		if created {
			s.logger.Debug("session created", logger.Field{Key: "session_id", Value: session.id}, logger.Field{Key: "from", Value: key})
		}

		err := session.lane.TrySubmit(func() {
			s.handler.ReceivedData(session.id, payload)
		})

		// The session expired after the lookup and its lane is closed; the
		// packet belongs to a fresh session.
		if errors.Is(err, dispatcher.ErrClosed) && attempt == 0 && s.lifecycle.IsRunning() {
			s.sessions.Forget(session.id)
			continue
		}

		if s.activity != nil && !errors.Is(err, dispatcher.ErrClosed) {
			s.activity.SetDefault(key, session.id)
		}

		if err != nil {
			s.logger.Warn("dropping datagram", logger.Field{Key: "session_id", Value: session.id}, logger.Field{Key: "error", Value: err})
		}

		return
	}
}

// expireLoop sweeps idle sessions out of the activity cache until the server
// stops.
func (s *UDPServer) expireLoop() {
	defer s.loops.Done()

	ticker := time.NewTicker(max(s.config.SessionIdleTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.activity.DeleteExpired()
		}
	}
}

// expire is the activity cache's eviction hook.
func (s *UDPServer) expire(key string, value interface{}) {
	if !s.lifecycle.IsRunning() {
		return
	}

	id, ok := value.(uint32)
	if !ok {
		return
	}

	session, ok := s.sessions.Forget(id)
	if !ok {
		return
	}

	session.lane.Close()
	s.logger.Debug("session expired", logger.Field{Key: "session_id", Value: id}, logger.Field{Key: "from", Value: key})
}

func (s *UDPServer) writeTo(data []byte, addr netip.AddrPort) error {
	if !s.lifecycle.IsRunning() {
		return transport.ErrNotConnected
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := conn.WriteToUDPAddrPort(data, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return transport.ErrNotConnected
		}

		return fmt.Errorf("%w: %w", transport.ErrIO, err)
	}

	return nil
}

// fail handles an unrecoverable receive error: the server stops as if Stop
// had been called, minus waiting on the loop that is calling it.
func (s *UDPServer) fail(conn *net.UDPConn) {
	if !s.lifecycle.Halt() {
		return
	}

	s.dispatcher.Close()
	s.doneOnce.Do(func() { close(s.done) })
	_ = conn.Close()
}

func listen(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	return net.ListenUDP("udp", laddr)
}

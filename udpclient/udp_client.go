// Package udpclient implements the datagram client: an ephemeral local UDP
// socket that exchanges raw payloads with one remote endpoint.
package udpclient

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/cyberinferno/go-plebnet/dispatcher"
	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/transport"
)

// Handler receives a UDPClient's events.
type Handler interface {
	// ReceivedData is called for every accepted packet. data is owned by the
	// callee and holds exactly the bytes received.
	ReceivedData(data []byte)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(data []byte)

// ReceivedData implements Handler.
func (f HandlerFunc) ReceivedData(data []byte) {
	f(data)
}

// Config holds configuration for a UDPClient.
type Config struct {
	// Name identifies the client in log entries.
	Name string
	// Addr is the remote "host:port" all datagrams are sent to.
	Addr string
	// MaxPacketSize bounds both received and sent payloads. It must match
	// the server's setting.
	MaxPacketSize int
	// Dispatch controls how ReceivedData callbacks are executed.
	Dispatch dispatcher.Config
}

// DefaultConfig returns a Config for the given remote endpoint.
//
// Parameters:
//   - address: Remote host name or IP
//   - port: Remote UDP port
//
// Returns:
//   - A Config with Name "udp", MaxPacketSize 1024 and ordered dispatch
func DefaultConfig(address string, port int) Config {
	return Config{
		Name:          "udp",
		Addr:          net.JoinHostPort(address, strconv.Itoa(port)),
		MaxPacketSize: transport.DefaultMaxPacketSize,
		Dispatch:      dispatcher.DefaultConfig(),
	}
}

// UDPClient sends datagrams to one remote endpoint and delivers whatever
// arrives on its local socket. It is safe for concurrent use.
type UDPClient struct {
	config     Config
	handler    Handler
	logger     logger.Logger
	lifecycle  transport.Lifecycle
	dispatcher *dispatcher.Dispatcher
	wg         sync.WaitGroup

	mu     sync.RWMutex
	conn   *net.UDPConn
	remote netip.AddrPort

	writeMu sync.Mutex
}

// New creates a UDPClient in the Created state.
//
// Parameters:
//   - config: Remote address, packet size and dispatch settings
//   - handler: Receives data events
//   - log: Logger for diagnostics; nil discards
//
// Returns:
//   - A new *UDPClient; call Start to bind the local socket
func New(config Config, handler Handler, log logger.Logger) *UDPClient {
	if config.Name == "" {
		config.Name = "udp"
	}
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = transport.DefaultMaxPacketSize
	}
	if handler == nil {
		handler = HandlerFunc(func([]byte) {})
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.With(logger.Field{Key: "component", Value: "udpclient"}, logger.Field{Key: "client", Value: config.Name})

	return &UDPClient{
		config:     config,
		handler:    handler,
		logger:     log,
		dispatcher: dispatcher.New(config.Dispatch, log),
	}
}

// Start resolves the remote endpoint, binds an ephemeral local socket of the
// matching address family and starts the receive loop.
//
// Returns:
//   - An error wrapping transport.ErrConnect if Addr cannot be resolved
//   - An error wrapping transport.ErrBind if no local socket can be bound
//   - transport.ErrAlreadyStarted or transport.ErrStopped on misuse
func (c *UDPClient) Start() error {
	if err := c.lifecycle.Begin(); err != nil {
		return fmt.Errorf("client %s: %w", c.config.Name, err)
	}

	raddr, err := net.ResolveUDPAddr("udp", c.config.Addr)
	if err != nil {
		c.abort()
		c.logger.Error("client failed to resolve remote", logger.Field{Key: "addr", Value: c.config.Addr}, logger.Field{Key: "error", Value: err})
		return fmt.Errorf("client %s: %w: %w", c.config.Name, transport.ErrConnect, err)
	}

	remote := transport.NormalizeAddrPort(raddr.AddrPort())
	network := "udp6"
	if remote.Addr().Is4() {
		network = "udp4"
	}

	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		c.abort()
		c.logger.Error("client failed to bind", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("client %s: %w: %w", c.config.Name, transport.ErrBind, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.remote = remote
	c.mu.Unlock()

	if !c.lifecycle.Run() {
		_ = conn.Close()
		return fmt.Errorf("client %s: %w", c.config.Name, transport.ErrStopped)
	}

	c.logger.Info(fmt.Sprintf("%s client started", c.config.Name),
		logger.Field{Key: "local", Value: conn.LocalAddr().String()},
		logger.Field{Key: "remote", Value: remote.String()},
	)

	c.wg.Add(1)
	go c.receiveLoop(conn)

	return nil
}

// SendData sends data to the remote endpoint as one datagram.
//
// Parameters:
//   - data: The payload; at most MaxPacketSize bytes
//
// Returns:
//   - An error wrapping transport.ErrOversizePayload if data is too large;
//     nothing is sent in that case
//   - transport.ErrNotConnected if the client is not running
//   - An error wrapping transport.ErrIO if the write fails
func (c *UDPClient) SendData(data []byte) error {
	if err := transport.CheckPayload(data, c.config.MaxPacketSize); err != nil {
		return err
	}

	if !c.lifecycle.IsRunning() {
		return transport.ErrNotConnected
	}

	c.mu.RLock()
	conn, remote := c.conn, c.remote
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := conn.WriteToUDPAddrPort(data, remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return transport.ErrNotConnected
		}

		return fmt.Errorf("%w: %w", transport.ErrIO, err)
	}

	return nil
}

// Stop closes the socket and waits for the receive loop to exit. No callback
// starts after Stop returns. Calling Stop again is a no-op.
func (c *UDPClient) Stop() {
	first := c.lifecycle.Halt()

	c.dispatcher.Close()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.wg.Wait()

	if first {
		c.logger.Info(fmt.Sprintf("%s client stopped", c.config.Name))
	}
}

// State returns the client's lifecycle state.
func (c *UDPClient) State() transport.State {
	return c.lifecycle.State()
}

// LocalAddr returns the bound local address, or nil before Start.
func (c *UDPClient) LocalAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil
	}

	return c.conn.LocalAddr()
}

// RemoteAddr returns the resolved remote endpoint; it is the zero value
// before Start.
func (c *UDPClient) RemoteAddr() netip.AddrPort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

func (c *UDPClient) abort() {
	c.lifecycle.Halt()
	c.dispatcher.Close()
}

func (c *UDPClient) receiveLoop(conn *net.UDPConn) {
	defer c.wg.Done()

	lane := c.dispatcher.NewLane()
	defer lane.Close()

	buf := make([]byte, c.config.MaxPacketSize+1)
	for c.lifecycle.IsRunning() {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.lifecycle.IsRunning() && !errors.Is(err, net.ErrClosed) {
				c.logger.Error("receive failed", logger.Field{Key: "error", Value: err})
			}

			break
		}

		if n > c.config.MaxPacketSize {
			c.logger.Warn("dropping oversize datagram",
				logger.Field{Key: "from", Value: from.String()},
				logger.Field{Key: "max", Value: c.config.MaxPacketSize},
			)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := lane.TrySubmit(func() {
			c.handler.ReceivedData(payload)
		}); err != nil {
			c.logger.Warn("dropping datagram", logger.Field{Key: "error", Value: err})
		}
	}

	if c.lifecycle.Halt() {
		_ = conn.Close()
	}
}

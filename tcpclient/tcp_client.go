// Package tcpclient implements the stream client: it connects to one remote
// endpoint, reads newline-delimited lines and reports connect and data events
// to a Handler. A client connects once; when the connection ends it becomes
// permanently inert and does not reconnect.
package tcpclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/cyberinferno/go-plebnet/dispatcher"
	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/transport"
)

// Handler receives a TCPClient's events. Connected runs on the client's read
// goroutine before the first line is read; ReceivedData runs on the client's
// dispatcher.
type Handler interface {
	// Connected is called once, after the connection is established.
	Connected()

	// ReceivedData is called for every line read, without the terminator.
	ReceivedData(line string)
}

// HandlerFuncs adapts two plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnConnected func()
	OnData      func(line string)
}

// Connected implements Handler.
func (h HandlerFuncs) Connected() {
	if h.OnConnected != nil {
		h.OnConnected()
	}
}

// ReceivedData implements Handler.
func (h HandlerFuncs) ReceivedData(line string) {
	if h.OnData != nil {
		h.OnData(line)
	}
}

// Config holds configuration for a TCPClient.
type Config struct {
	// Name identifies the client in log entries.
	Name string
	// Addr is the remote "host:port" to connect to.
	Addr string
	// MaxLineLength bounds a received line; a longer line ends the connection.
	MaxLineLength int
	// Dispatch controls how ReceivedData callbacks are executed.
	Dispatch dispatcher.Config
}

// DefaultConfig returns a Config for the given remote endpoint.
//
// Parameters:
//   - address: Remote host name or IP (e.g. "localhost")
//   - port: Remote TCP port
//
// Returns:
//   - A Config with Name "tcp", MaxLineLength 64 KiB and ordered dispatch
func DefaultConfig(address string, port int) Config {
	return Config{
		Name:          "tcp",
		Addr:          net.JoinHostPort(address, strconv.Itoa(port)),
		MaxLineLength: transport.DefaultMaxLineLength,
		Dispatch:      dispatcher.DefaultConfig(),
	}
}

// TCPClient is a single-use stream client. It is safe for concurrent use.
type TCPClient struct {
	config     Config
	handler    Handler
	logger     logger.Logger
	lifecycle  transport.Lifecycle
	dispatcher *dispatcher.Dispatcher

	mu   sync.RWMutex
	conn *transport.LineConn
	wg   sync.WaitGroup
}

// New creates a TCPClient in the Created state.
//
// Parameters:
//   - config: Remote address and dispatch settings (e.g. from DefaultConfig)
//   - handler: Receives connect and data events
//   - log: Logger for diagnostics; nil discards
//
// Returns:
//   - A new *TCPClient; call Start to connect
func New(config Config, handler Handler, log logger.Logger) *TCPClient {
	if config.Name == "" {
		config.Name = "tcp"
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.With(logger.Field{Key: "component", Value: "tcpclient"}, logger.Field{Key: "client", Value: config.Name})

	return &TCPClient{
		config:     config,
		handler:    handler,
		logger:     log,
		dispatcher: dispatcher.New(config.Dispatch, log),
	}
}

// Start connects to Addr and, on success, starts the read loop in a
// goroutine. A failed connection leaves the client Stopped; there is no retry.
//
// Returns:
//   - An error wrapping transport.ErrConnect if the dial fails
//   - transport.ErrAlreadyStarted or transport.ErrStopped on misuse
func (c *TCPClient) Start() error {
	if err := c.lifecycle.Begin(); err != nil {
		return fmt.Errorf("client %s: %w", c.config.Name, err)
	}

	conn, err := net.Dial("tcp", c.config.Addr)
	if err != nil {
		c.lifecycle.Halt()
		c.dispatcher.Close()
		c.logger.Error("client failed to connect", logger.Field{Key: "addr", Value: c.config.Addr}, logger.Field{Key: "error", Value: err})
		return fmt.Errorf("client %s: %w: %w", c.config.Name, transport.ErrConnect, err)
	}

	lc := transport.NewLineConn(conn, c.config.MaxLineLength)

	c.mu.Lock()
	c.conn = lc
	c.mu.Unlock()

	if !c.lifecycle.Run() {
		_ = lc.Close()
		return fmt.Errorf("client %s: %w", c.config.Name, transport.ErrStopped)
	}

	c.logger.Info(fmt.Sprintf("%s client connected", c.config.Name), logger.Field{Key: "addr", Value: c.config.Addr})

	c.wg.Add(1)
	go c.readLoop(lc)

	return nil
}

// SendData writes one newline-terminated line to the server. It is safe for
// concurrent use.
//
// Parameters:
//   - line: The text to send, without a trailing newline
//
// Returns:
//   - transport.ErrNotConnected if the client is not running
//   - transport.ErrInvalidLine if line contains a newline
//   - An error wrapping transport.ErrIO if the write fails
func (c *TCPClient) SendData(line string) error {
	if !c.lifecycle.IsRunning() {
		return transport.ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return transport.ErrNotConnected
	}

	return conn.WriteLine(line)
}

// Stop closes the connection and waits for the read loop to exit. No
// callback starts after Stop returns. Calling Stop again is a no-op. Stop
// must not be called from the Connected callback.
func (c *TCPClient) Stop() {
	first := c.lifecycle.Halt()

	c.shutdown()
	c.wg.Wait()

	if first {
		c.logger.Info(fmt.Sprintf("%s client stopped", c.config.Name))
	}
}

// State returns the client's lifecycle state.
func (c *TCPClient) State() transport.State {
	return c.lifecycle.State()
}

// LocalAddr returns the local address of the connection, or nil if the
// client never connected.
func (c *TCPClient) LocalAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil
	}

	return c.conn.LocalAddr()
}

func (c *TCPClient) shutdown() {
	c.dispatcher.Close()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *TCPClient) readLoop(conn *transport.LineConn) {
	defer c.wg.Done()

	lane := c.dispatcher.NewLane()
	defer lane.Close()

	c.notifyConnected()

	for c.lifecycle.IsRunning() {
		line, err := conn.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info("server closed connection")
			case conn.IsClosed():
				c.logger.Debug("connection closed")
			default:
				c.logger.Warn("read failed", logger.Field{Key: "error", Value: err})
			}

			break
		}

		if err := lane.Submit(func() {
			c.handler.ReceivedData(line)
		}); err != nil {
			break
		}
	}

	// The connection is gone; the client is inert from here on. Queued lines
	// are still delivered unless Stop closes the dispatcher.
	if c.lifecycle.Halt() {
		_ = conn.Close()
	}
}

func (c *TCPClient) notifyConnected() {
	if !c.lifecycle.IsRunning() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connected callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	c.handler.Connected()
}

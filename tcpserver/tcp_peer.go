package tcpserver

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/cyberinferno/go-plebnet/dispatcher"
	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/transport"
)

// Peer is one accepted connection. The server owns it: Peers are created by
// the accept loop, stay reachable through TCPServer.Get for the server's
// lifetime and have their connection released when their read loop exits.
type Peer struct {
	id      uint32
	conn    *transport.LineConn
	server  *TCPServer
	lane    *dispatcher.Lane
	logger  logger.Logger
	running atomic.Bool
}

func newPeer(id uint32, conn net.Conn, server *TCPServer) *Peer {
	p := &Peer{
		id:     id,
		conn:   transport.NewLineConn(conn, server.config.MaxLineLength),
		server: server,
		lane:   server.dispatcher.NewLane(),
		logger: server.logger.With(
			logger.Field{Key: "peer_id", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
	}
	p.running.Store(true)
	return p
}

// ID returns the identifier assigned in accept order.
func (p *Peer) ID() uint32 {
	return p.id
}

// RemoteAddr returns the peer's network address.
func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// IsRunning reports whether the peer's read loop is still active.
func (p *Peer) IsRunning() bool {
	return p.running.Load()
}

// SendData writes one newline-terminated line to the peer. It is safe for
// concurrent use.
//
// Parameters:
//   - line: The text to send, without a trailing newline
//
// Returns:
//   - transport.ErrInvalidLine if line contains a newline
//   - transport.ErrNotConnected if the peer has disconnected
//   - An error wrapping transport.ErrIO if the write fails
func (p *Peer) SendData(line string) error {
	if !p.running.Load() {
		return transport.ErrNotConnected
	}

	err := p.conn.WriteLine(line)
	if err != nil && errors.Is(err, transport.ErrIO) {
		p.logger.Debug("peer write failed", logger.Field{Key: "error", Value: err})
	}

	return err
}

// Close disconnects the peer. Its read loop exits and lines already queued
// for delivery are still dispatched. Safe to call multiple times.
func (p *Peer) Close() error {
	p.running.Store(false)
	return p.conn.Close()
}

// readLoop runs on the peer's own goroutine until the peer disconnects, a
// read fails or the server stops.
func (p *Peer) readLoop() {
	defer p.server.loops.Done()
	defer p.lane.Close()
	defer func() {
		_ = p.Close()
	}()

	if !p.server.lifecycle.IsRunning() {
		return
	}

	p.server.notifyConnected(p)

	for p.server.lifecycle.IsRunning() && p.running.Load() {
		line, err := p.conn.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.logger.Debug("peer disconnected")
			case p.conn.IsClosed():
				p.logger.Debug("peer closed")
			default:
				p.logger.Debug("peer read failed", logger.Field{Key: "error", Value: err})
			}

			return
		}

		if err := p.lane.Submit(func() {
			p.server.handler.ReceivedData(p.id, line)
		}); err != nil {
			return
		}
	}
}

package udpserver

import (
	"net/netip"

	"github.com/cyberinferno/go-plebnet/dispatcher"
	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/transport"
)

// Session is a datagram correspondent of a UDPServer, created the first time
// a packet arrives from its address:port.
type Session struct {
	id     uint32
	addr   netip.AddrPort
	key    string
	server *UDPServer
	lane   *dispatcher.Lane
}

func newSession(id uint32, addr netip.AddrPort, key string, server *UDPServer) *Session {
	return &Session{
		id:     id,
		addr:   addr,
		key:    key,
		server: server,
		lane:   server.dispatcher.NewLane(),
	}
}

// ID returns the identifier assigned in first-packet order.
func (s *Session) ID() uint32 {
	return s.id
}

// Addr returns the remote address and port.
func (s *Session) Addr() netip.AddrPort {
	return s.addr
}

// Key returns the "address:port" string the session is registered under.
func (s *Session) Key() string {
	return s.key
}

// SendData sends data to the session's remote address as one datagram.
//
// Parameters:
//   - data: The payload; at most the server's MaxPacketSize bytes
//
// Returns:
//   - An error wrapping transport.ErrOversizePayload if data is too large;
//     nothing is sent in that case
//   - transport.ErrNotConnected if the server is not running
//   - An error wrapping transport.ErrIO if the write fails
func (s *Session) SendData(data []byte) error {
	if err := transport.CheckPayload(data, s.server.config.MaxPacketSize); err != nil {
		s.server.logger.Warn("refusing oversize datagram",
			logger.Field{Key: "session_id", Value: s.id},
			logger.Field{Key: "size", Value: len(data)},
		)
		return err
	}

	return s.server.writeTo(data, s.addr)
}

package tcpserver

// Handler receives a TCPServer's events. Connected runs on the peer's own
// read goroutine before any of its lines are read, so it always precedes that
// peer's ReceivedData calls. ReceivedData runs on the server's dispatcher.
type Handler interface {
	// Connected is called once per accepted peer.
	Connected(peerID uint32)

	// ReceivedData is called for every line read from a peer, without the
	// line terminator.
	ReceivedData(peerID uint32, line string)
}

// HandlerFuncs adapts two plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnConnected func(peerID uint32)
	OnData      func(peerID uint32, line string)
}

// Connected implements Handler.
func (h HandlerFuncs) Connected(peerID uint32) {
	if h.OnConnected != nil {
		h.OnConnected(peerID)
	}
}

// ReceivedData implements Handler.
func (h HandlerFuncs) ReceivedData(peerID uint32, line string) {
	if h.OnData != nil {
		h.OnData(peerID, line)
	}
}

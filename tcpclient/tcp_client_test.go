package tcpclient

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-plebnet/tcpserver"
	"github.com/cyberinferno/go-plebnet/transport"
)

type clientRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *clientRecorder) Connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "connected")
}

func (r *clientRecorder) ReceivedData(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "data:"+line)
}

func (r *clientRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("localhost", 5000)
	assert.Equal(t, "localhost:5000", cfg.Addr)
	assert.Equal(t, transport.DefaultMaxLineLength, cfg.MaxLineLength)
	assert.False(t, cfg.Dispatch.Unordered)
}

func TestTCPClient_Start_connect_failure(t *testing.T) {
	c := New(DefaultConfig("127.0.0.1", freePort(t)), nil, nil)
	err := c.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnect)
	assert.Equal(t, transport.StateStopped, c.State())
	assert.ErrorIs(t, c.Start(), transport.ErrStopped)
	assert.ErrorIs(t, c.SendData("PING"), transport.ErrNotConnected)
}

func TestTCPClient_SendData_before_start(t *testing.T) {
	c := New(DefaultConfig("127.0.0.1", 1), nil, nil)
	assert.ErrorIs(t, c.SendData("PING"), transport.ErrNotConnected)
	assert.Nil(t, c.LocalAddr())
	c.Stop()
	c.Stop()
	assert.Equal(t, transport.StateStopped, c.State())
}

func TestTCPClient_raw_server(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	rec := &clientRecorder{}
	c := New(Config{Addr: ln.Addr().String()}, rec, nil)
	require.NoError(t, c.Start())
	defer c.Stop()
	assert.Equal(t, transport.StateRunning, c.State())
	assert.NotNil(t, c.LocalAddr())

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	t.Run("send writes a terminated line", func(t *testing.T) {
		require.NoError(t, c.SendData("PING"))
		assert.ErrorIs(t, c.SendData("a\nb"), transport.ErrInvalidLine)

		require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := bufio.NewReader(server).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "PING\n", line)
	})

	t.Run("lines are delivered after connected", func(t *testing.T) {
		_, err := server.Write([]byte("one\ntwo\r\n"))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"connected", "data:one", "data:two"}, rec.snapshot())
	})

	t.Run("peer close makes client inert", func(t *testing.T) {
		require.NoError(t, server.Close())
		require.Eventually(t, func() bool { return c.State() == transport.StateStopped }, 2*time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, c.SendData("PING"), transport.ErrNotConnected)
	})
}

// pingPong answers PING with PONG on the peer that sent it.
type pingPong struct {
	server    *tcpserver.TCPServer
	mu        sync.Mutex
	connected []uint32
	received  []string
}

func (p *pingPong) Connected(peerID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = append(p.connected, peerID)
}

func (p *pingPong) ReceivedData(peerID uint32, line string) {
	p.mu.Lock()
	p.received = append(p.received, strconv.Itoa(int(peerID))+":"+line)
	p.mu.Unlock()

	if line == "PING" {
		if peer, ok := p.server.Get(peerID); ok {
			_ = peer.SendData("PONG")
		}
	}
}

func TestTCPClient_ping_pong_round_trip(t *testing.T) {
	handler := &pingPong{}
	scfg := tcpserver.DefaultConfig(0)
	scfg.Addr = "127.0.0.1:0"
	server := tcpserver.New(scfg, handler, nil)
	handler.server = server
	require.NoError(t, server.Start())
	defer server.Stop()

	rec := &clientRecorder{}
	port := server.Addr().(*net.TCPAddr).Port
	client := New(DefaultConfig("localhost", port), rec, nil)
	require.NoError(t, client.Start())
	defer client.Stop()

	require.NoError(t, client.SendData("PING"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"connected", "data:PONG"}, rec.snapshot())

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []uint32{0}, handler.connected)
	assert.Equal(t, []string{"0:PING"}, handler.received)
}

func TestTCPClient_Stop_blocks_callbacks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	rec := &clientRecorder{}
	c := New(Config{Addr: ln.Addr().String()}, rec, nil)
	require.NoError(t, c.Start())
	server := <-accepted
	defer server.Close()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Stop()
	c.Stop()
	assert.Equal(t, transport.StateStopped, c.State())

	_, _ = server.Write([]byte("late\n"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"connected"}, rec.snapshot())
}

func TestTCPClient_zero_config_keeps_line_order(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	rec := &clientRecorder{}
	c := New(Config{Addr: ln.Addr().String()}, rec, nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	server := <-accepted
	defer server.Close()

	const n = 200
	want := []string{"connected"}
	var payload []byte
	for i := 0; i < n; i++ {
		payload = append(payload, strconv.Itoa(i)+"\n"...)
		want = append(want, "data:"+strconv.Itoa(i))
	}
	_, err = server.Write(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == n+1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
}

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// DefaultMaxLineLength bounds a single received line when a component is
// configured with zero.
const DefaultMaxLineLength = 64 * 1024

// LineConn frames a stream connection as newline-terminated UTF-8 lines.
// Reads must come from one goroutine; WriteLine is safe for concurrent use.
type LineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewLineConn wraps conn. Lines longer than maxLineLength bytes end the read
// side with an error; zero means DefaultMaxLineLength.
func NewLineConn(conn net.Conn, maxLineLength int) *LineConn {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, maxLineLength)), maxLineLength)

	return &LineConn{
		conn:    conn,
		scanner: scanner,
		closed:  make(chan struct{}),
	}
}

// ReadLine blocks for the next line and returns it without the trailing
// "\n" or "\r\n". A final unterminated line is returned before io.EOF.
//
// Returns:
//   - The line, or io.EOF on a clean end of stream
//   - An error wrapping ErrIO on read failure or an over-long line
func (c *LineConn) ReadLine() (string, error) {
	if c.scanner.Scan() {
		return c.scanner.Text(), nil
	}

	if err := c.scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}

	return "", io.EOF
}

// WriteLine writes line followed by "\n" as one write.
//
// Returns:
//   - ErrInvalidLine if line contains "\n"
//   - ErrNotConnected if the connection was closed
//   - An error wrapping ErrIO if the write fails
func (c *LineConn) WriteLine(line string) error {
	if strings.ContainsRune(line, '\n') {
		return ErrInvalidLine
	}

	if c.IsClosed() {
		return ErrNotConnected
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(buf); err != nil {
		if c.IsClosed() || errors.Is(err, net.ErrClosed) {
			return ErrNotConnected
		}

		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// Close closes the underlying connection, unblocking ReadLine. It is safe to
// call multiple times; later calls return the first call's result.
func (c *LineConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// IsClosed reports whether Close has been called.
func (c *LineConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// LocalAddr returns the local network address.
func (c *LineConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *LineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

package transport

import (
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T, maxLineLength int) (*LineConn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return NewLineConn(local, maxLineLength), remote
}

func TestLineConn_ReadLine(t *testing.T) {
	t.Run("splits lines and strips terminators", func(t *testing.T) {
		lc, remote := pipe(t, 0)
		go func() {
			_, _ = remote.Write([]byte("PING\nhello\r\n\nlast"))
			_ = remote.Close()
		}()

		for _, want := range []string{"PING", "hello", "", "last"} {
			got, err := lc.ReadLine()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		_, err := lc.ReadLine()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("over-long line is an io error", func(t *testing.T) {
		lc, remote := pipe(t, 16)
		go func() {
			_, _ = remote.Write([]byte(strings.Repeat("x", 64) + "\n"))
		}()

		_, err := lc.ReadLine()
		assert.ErrorIs(t, err, ErrIO)
	})

	t.Run("close unblocks read", func(t *testing.T) {
		lc, _ := pipe(t, 0)
		errCh := make(chan error, 1)
		go func() {
			_, err := lc.ReadLine()
			errCh <- err
		}()

		require.NoError(t, lc.Close())
		assert.Error(t, <-errCh)
		assert.True(t, lc.IsClosed())
	})
}

func TestLineConn_WriteLine(t *testing.T) {
	t.Run("appends newline", func(t *testing.T) {
		lc, remote := pipe(t, 0)
		go func() {
			_ = lc.WriteLine("PONG")
		}()

		buf := make([]byte, 16)
		n, err := io.ReadAtLeast(remote, buf, 5)
		require.NoError(t, err)
		assert.Equal(t, "PONG\n", string(buf[:n]))
	})

	t.Run("rejects embedded newline", func(t *testing.T) {
		lc, _ := pipe(t, 0)
		assert.ErrorIs(t, lc.WriteLine("a\nb"), ErrInvalidLine)
	})

	t.Run("write after close", func(t *testing.T) {
		lc, _ := pipe(t, 0)
		require.NoError(t, lc.Close())
		assert.NoError(t, lc.Close())
		assert.ErrorIs(t, lc.WriteLine("late"), ErrNotConnected)
	})
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPingPongCmd(t *testing.T) {
	for _, transport := range []string{"tcp", "udp"} {
		t.Run(transport, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			root := NewRootCmd()
			root.SetArgs([]string{"pingpong", "--transport", transport, "--port", "0",
				"--interval", "20ms", "--count", "2", "--log-level", "error"})

			start := time.Now()
			assert.NoError(t, root.ExecuteContext(ctx))
			assert.Less(t, time.Since(start), 5*time.Second, "should stop after two PONGs")
		})
	}

	t.Run("unknown transport", func(t *testing.T) {
		root := NewRootCmd()
		root.SetArgs([]string{"pingpong", "--transport", "sctp", "--port", "0", "--log-level", "error"})
		assert.Error(t, root.Execute())
	})
}

func TestEchoCmd(t *testing.T) {
	for _, transport := range []string{"tcp", "udp"} {
		t.Run(transport, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			root := NewRootCmd()
			root.SetArgs([]string{"echo", "--transport", transport, "--port", "0", "--log-level", "error"})
			assert.NoError(t, root.ExecuteContext(ctx))
		})
	}

	t.Run("unknown transport", func(t *testing.T) {
		root := NewRootCmd()
		root.SetArgs([]string{"echo", "--transport", "sctp", "--log-level", "error"})
		assert.Error(t, root.Execute())
	})
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/tcpserver"
	"github.com/cyberinferno/go-plebnet/udpserver"
)

// NewEchoCmd returns the command that runs an echo server until interrupted.
func NewEchoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Serve lines (tcp) or datagrams (udp) back to their sender",
		RunE:  runEcho,
	}

	addCommonFlags(cmd)
	return cmd
}

func runEcho(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(cfg.Transport) {
	case "tcp":
		server := newTCPEcho(cfg, log)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	case "udp":
		server := newUDPEcho(cfg, log)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	<-ctx.Done()
	return nil
}

func newTCPEcho(cfg *Config, log logger.Logger) *tcpserver.TCPServer {
	var server *tcpserver.TCPServer

	scfg := tcpserver.DefaultConfig(cfg.Port)
	scfg.Name = "echo"
	scfg.Dispatch = cfg.dispatch()
	server = tcpserver.New(scfg, tcpserver.HandlerFuncs{
		OnData: func(peerID uint32, line string) {
			if peer, ok := server.Get(peerID); ok {
				if err := peer.SendData(line); err != nil {
					log.Debug("echo failed", logger.Field{Key: "peer_id", Value: peerID}, logger.Field{Key: "error", Value: err})
				}
			}
		},
	}, log)

	return server
}

func newUDPEcho(cfg *Config, log logger.Logger) *udpserver.UDPServer {
	var server *udpserver.UDPServer

	scfg := udpserver.DefaultConfig(cfg.Port)
	scfg.Name = "echo"
	scfg.Dispatch = cfg.dispatch()
	scfg.SessionIdleTimeout = cfg.Datagram.SessionIdleTimeout
	if cfg.Datagram.MaxPacketSize > 0 {
		scfg.MaxPacketSize = cfg.Datagram.MaxPacketSize
	}
	server = udpserver.New(scfg, udpserver.HandlerFunc(func(sessionID uint32, data []byte) {
		if session, ok := server.Get(sessionID); ok {
			if err := session.SendData(data); err != nil {
				log.Debug("echo failed", logger.Field{Key: "session_id", Value: sessionID}, logger.Field{Key: "error", Value: err})
			}
		}
	}), log)

	return server
}

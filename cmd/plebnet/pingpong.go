package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-plebnet/logger"
	"github.com/cyberinferno/go-plebnet/tcpclient"
	"github.com/cyberinferno/go-plebnet/tcpserver"
	"github.com/cyberinferno/go-plebnet/udpclient"
	"github.com/cyberinferno/go-plebnet/udpserver"
)

// NewPingPongCmd returns the command that runs a server and a client in one
// process: the client sends PING every interval and the server answers PONG.
func NewPingPongCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pingpong",
		Short: "Run a server and a client that trade PING and PONG",
		RunE:  runPingPong,
	}

	addCommonFlags(cmd)
	cmd.Flags().Duration("interval", time.Second, "time between PINGs")
	cmd.Flags().Int("count", 0, "stop after this many PONGs (0 runs until interrupted)")

	return cmd
}

// pinger is one running server/client pair.
type pinger struct {
	send  func() error
	pongs chan struct{}
	stop  func()
}

func runPingPong(cmd *cobra.Command, _ []string) error {
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

	var p *pinger
	switch strings.ToLower(cfg.Transport) {
	case "tcp":
		p, err = startTCPPingPong(cfg, log)
	case "udp":
		p, err = startUDPPingPong(cfg, log)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return err
	}
	defer p.stop()

	return pingLoop(ctx, cfg, p, log)
}

func pingLoop(ctx context.Context, cfg *Config, p *pinger, log logger.Logger) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	received := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted", logger.Field{Key: "pongs", Value: received})
			return nil
		case <-p.pongs:
			received++
			if cfg.Count > 0 && received >= cfg.Count {
				log.Info("pingpong finished", logger.Field{Key: "pongs", Value: received})
				return nil
			}
		case <-ticker.C:
			if err := p.send(); err != nil {
				return fmt.Errorf("failed to send PING: %w", err)
			}
		}
	}
}

func notify(pongs chan<- struct{}) {
	select {
	case pongs <- struct{}{}:
	default:
	}
}

func startTCPPingPong(cfg *Config, log logger.Logger) (*pinger, error) {
	var server *tcpserver.TCPServer

	scfg := tcpserver.DefaultConfig(cfg.Port)
	scfg.Name = "pingpong"
	scfg.Dispatch = cfg.dispatch()
	server = tcpserver.New(scfg, tcpserver.HandlerFuncs{
		OnConnected: func(peerID uint32) {
			log.Info("SERVER peer connected", logger.Field{Key: "peer_id", Value: peerID})
		},
		OnData: func(peerID uint32, line string) {
			log.Info("SERVER received", logger.Field{Key: "peer_id", Value: peerID}, logger.Field{Key: "line", Value: line})
			if line != "PING" {
				return
			}

			if peer, ok := server.Get(peerID); ok {
				if err := peer.SendData("PONG"); err != nil {
					log.Warn("SERVER reply failed", logger.Field{Key: "error", Value: err})
				}
			}
		},
	}, log)
	if err := server.Start(); err != nil {
		return nil, err
	}

	pongs := make(chan struct{}, 64)
	ccfg := tcpclient.DefaultConfig(cfg.Host, server.Addr().(*net.TCPAddr).Port)
	ccfg.Name = "pingpong"
	ccfg.Dispatch = cfg.dispatch()
	client := tcpclient.New(ccfg, tcpclient.HandlerFuncs{
		OnConnected: func() {
			log.Info("CLIENT connected to server")
		},
		OnData: func(line string) {
			log.Info("CLIENT received", logger.Field{Key: "line", Value: line})
			if line == "PONG" {
				notify(pongs)
			}
		},
	}, log)
	if err := client.Start(); err != nil {
		server.Stop()
		return nil, err
	}

	return &pinger{
		send:  func() error { return client.SendData("PING") },
		pongs: pongs,
		stop: func() {
			client.Stop()
			server.Stop()
		},
	}, nil
}

func startUDPPingPong(cfg *Config, log logger.Logger) (*pinger, error) {
	var server *udpserver.UDPServer

	scfg := udpserver.DefaultConfig(cfg.Port)
	scfg.Name = "pingpong"
	scfg.Dispatch = cfg.dispatch()
	scfg.SessionIdleTimeout = cfg.Datagram.SessionIdleTimeout
	if cfg.Datagram.MaxPacketSize > 0 {
		scfg.MaxPacketSize = cfg.Datagram.MaxPacketSize
	}
	server = udpserver.New(scfg, udpserver.HandlerFunc(func(sessionID uint32, data []byte) {
		log.Info("SERVER received", logger.Field{Key: "session_id", Value: sessionID}, logger.Field{Key: "data", Value: string(data)})
		if string(data) != "PING" {
			return
		}

		if session, ok := server.Get(sessionID); ok {
			if err := session.SendData([]byte("PONG")); err != nil {
				log.Warn("SERVER reply failed", logger.Field{Key: "error", Value: err})
			}
		}
	}), log)
	if err := server.Start(); err != nil {
		return nil, err
	}

	pongs := make(chan struct{}, 64)
	ccfg := udpclient.DefaultConfig(cfg.Host, server.Addr().(*net.UDPAddr).Port)
	ccfg.Name = "pingpong"
	ccfg.Dispatch = cfg.dispatch()
	ccfg.MaxPacketSize = scfg.MaxPacketSize
	client := udpclient.New(ccfg, udpclient.HandlerFunc(func(data []byte) {
		log.Info("CLIENT received", logger.Field{Key: "data", Value: string(data)})
		if string(data) == "PONG" {
			notify(pongs)
		}
	}), log)
	if err := client.Start(); err != nil {
		server.Stop()
		return nil, err
	}

	return &pinger{
		send:  func() error { return client.SendData([]byte("PING")) },
		pongs: pongs,
		stop: func() {
			client.Stop()
			server.Stop()
		},
	}, nil
}

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netgate/internal/crypto"
	"netgate/internal/debuglog"
	"netgate/internal/handshake"
	"netgate/internal/metrics"
	"netgate/internal/network"
	"netgate/internal/packet"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("netgate-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:40000", "UDP listen addr (host:port)")
	maxClients := fs.Int("max-clients", 64, "maximum connected clients")
	insecure := fs.Bool("insecure", false, "accept insecure connects (dev only, no authentication)")
	keyHex := fs.String("key", "", "connect key shared with the matcher (hex, 32 bytes)")
	metricsPath := fs.String("metrics", "", "write a metrics snapshot here on shutdown")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	mode := packet.ModeSecure
	var connectKey []byte
	if *insecure {
		mode = packet.ModeInsecure
	} else {
		if *keyHex == "" {
			fmt.Fprintln(stderr, "secure mode requires --key")
			return 1
		}
		key, err := hex.DecodeString(*keyHex)
		if err != nil || len(key) != crypto.KeySize {
			fmt.Fprintln(stderr, "bad --key: need 32 hex-encoded bytes")
			return 1
		}
		connectKey = key
	}

	m := metrics.New()
	srv, err := handshake.NewServer(handshake.ServerConfig{
		MaxClients: *maxClients,
		Mode:       mode,
		ConnectKey: connectKey,
		OnPayload: func(index int, payload []byte) {
			debuglog.Debugf("payload index=%d len=%d", index, len(payload))
		},
	}, m)
	if err != nil {
		fmt.Fprintf(stderr, "server setup failed: %v\n", err)
		return 1
	}

	udp, err := network.ListenUDP(*addr)
	if err != nil {
		fmt.Fprintf(stderr, "udp listen failed: %v\n", err)
		return 1
	}
	defer udp.Close()
	fmt.Fprintf(stdout, "netgate-server listening addr=%s mode=%s max_clients=%d\n",
		udp.LocalAddr(), mode, *maxClients)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, out := range srv.Tick(time.Now()) {
					_ = udp.Send(out.Addr, out.Data)
				}
			}
		}
	}()

	go func() {
		_ = udp.Serve(ctx, func(from string, data []byte) {
			if resp, ok := srv.Process(time.Now(), from, data); ok {
				_ = udp.Send(from, resp)
			}
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	for _, out := range srv.DisconnectAll() {
		_ = udp.Send(out.Addr, out.Data)
	}
	cancel()
	if err := m.WriteSnapshot(*metricsPath); err != nil {
		fmt.Fprintf(stderr, "metrics snapshot failed: %v\n", err)
	}
	fmt.Fprintln(stdout, "netgate-server stopped")
	return 0
}

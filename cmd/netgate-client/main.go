package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netgate/internal/handshake"
	"netgate/internal/matcher"
	"netgate/internal/network"
	"netgate/internal/packet"
	"netgate/internal/token"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("netgate-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	serverAddr := fs.String("server", "", "game server addr (host:port)")
	matcherAddr := fs.String("matcher", "", "matcher addr (host:port), secure mode")
	clientID := fs.Uint64("client-id", 0, "client identifier")
	maxClients := fs.Int("max-clients", 64, "server capacity, must match the server")
	insecure := fs.Bool("insecure", false, "insecure connect (dev only, no authentication)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	mode := packet.ModeSecure
	var tok *token.Issued
	if *insecure {
		mode = packet.ModeInsecure
	} else {
		if *matcherAddr == "" {
			fmt.Fprintln(stderr, "secure mode requires --matcher")
			return 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		issued, advertised, err := matcher.RequestToken(ctx, *matcherAddr, *clientID, false)
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "token request failed: %v\n", err)
			return 1
		}
		tok = issued
		if *serverAddr == "" {
			*serverAddr = advertised
		}
		fmt.Fprintf(stdout, "connect token issued client_id=%d expire=%d\n", issued.ClientID, issued.Expire)
	}
	if *serverAddr == "" {
		fmt.Fprintln(stderr, "missing --server")
		return 1
	}

	cl, err := handshake.NewClient(handshake.ClientConfig{
		Mode:       mode,
		MaxClients: *maxClients,
		Token:      tok,
		ClientID:   *clientID,
		OnPayload: func(payload []byte) {
			fmt.Fprintf(stdout, "payload len=%d\n", len(payload))
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "client setup failed: %v\n", err)
		return 1
	}

	udp, err := network.ListenUDP("127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(stderr, "udp bind failed: %v\n", err)
		return 1
	}
	defer udp.Close()

	first, err := cl.Connect(time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	if err := udp.Send(*serverAddr, first); err != nil {
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = udp.Serve(ctx, func(from string, data []byte) {
			if from != *serverAddr {
				return
			}
			if resp, ok := cl.Process(time.Now(), data); ok {
				_ = udp.Send(*serverAddr, resp)
			}
		})
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	wasConnected := false
	for {
		select {
		case <-sigCh:
			if data, ok := cl.Disconnect(); ok {
				_ = udp.Send(*serverAddr, data)
			}
			fmt.Fprintln(stdout, "disconnected")
			return 0
		case <-ticker.C:
			if data, ok := cl.Tick(time.Now()); ok {
				_ = udp.Send(*serverAddr, data)
			}
			switch cl.State() {
			case handshake.StateConnected:
				if !wasConnected {
					wasConnected = true
					fmt.Fprintf(stdout, "connected index=%d\n", cl.Index())
				}
			case handshake.StateTerminated:
				if err := cl.Err(); err != nil {
					fmt.Fprintf(stderr, "connection failed: %v\n", err)
					return 1
				}
				return 0
			}
		}
	}
}

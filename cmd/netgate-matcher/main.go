package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"netgate/internal/crypto"
	"netgate/internal/matcher"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("netgate-matcher", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:40100", "QUIC listen addr (host:port)")
	keyHex := fs.String("key", "", "connect key shared with the server fleet (hex, 32 bytes)")
	ttlSec := fs.Int("ttl", 45, "connect token lifetime in seconds")
	serverAddr := fs.String("server-addr", "", "game server addr handed to clients")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var key []byte
	if *keyHex == "" {
		generated, err := crypto.RandomKey()
		if err != nil {
			fmt.Fprintf(stderr, "key generation failed: %v\n", err)
			return 1
		}
		key = generated
		fmt.Fprintf(stdout, "generated connect key: %s\n", hex.EncodeToString(key))
	} else {
		decoded, err := hex.DecodeString(*keyHex)
		if err != nil || len(decoded) != crypto.KeySize {
			fmt.Fprintln(stderr, "bad --key: need 32 hex-encoded bytes")
			return 1
		}
		key = decoded
	}

	svc, err := matcher.NewService(key, time.Duration(*ttlSec)*time.Second, *serverAddr)
	if err != nil {
		fmt.Fprintf(stderr, "matcher setup failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "netgate-matcher listening addr=%s ttl=%ds\n", *addr, *ttlSec)
	if err := svc.ListenAndServe(*addr, nil); err != nil {
		fmt.Fprintf(stderr, "matcher stopped: %v\n", err)
		return 1
	}
	return 0
}

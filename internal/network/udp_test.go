package network

import (
	"context"
	"testing"
	"time"

	"netgate/internal/packet"
)

func TestUDPLoopback(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	got := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = b.Serve(ctx, func(addr string, data []byte) {
			select {
			case got <- data:
			default:
			}
		})
	}()

	if err := a.Send(b.LocalAddr(), []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != "ping" {
			t.Fatalf("received %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("datagram never delivered")
	}
}

func TestUDPSendSizeBounds(t *testing.T) {
	u, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer u.Close()
	if err := u.Send(u.LocalAddr(), nil); err == nil {
		t.Fatalf("empty datagram accepted")
	}
	if err := u.Send(u.LocalAddr(), make([]byte, packet.MaxPacketBytes+1)); err == nil {
		t.Fatalf("oversized datagram accepted")
	}
}

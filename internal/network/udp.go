package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"netgate/internal/packet"
)

// Handler consumes one datagram. Implementations must not retain data.
type Handler func(addr string, data []byte)

// UDP is the unreliable datagram transport the handshake runs over. It
// promises nothing: no delivery, no ordering, no dedup.
type UDP struct {
	conn *net.UDPConn

	mu    sync.Mutex
	addrs map[string]*net.UDPAddr
}

func ListenUDP(addr string) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn, addrs: make(map[string]*net.UDPAddr)}, nil
}

func (u *UDP) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

func (u *UDP) Close() error {
	return u.conn.Close()
}

func (u *UDP) Send(addr string, data []byte) error {
	if len(data) == 0 || len(data) > packet.MaxPacketBytes {
		return errors.New("bad datagram size")
	}
	u.mu.Lock()
	udpAddr, ok := u.addrs[addr]
	u.mu.Unlock()
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return err
		}
		udpAddr = resolved
		u.mu.Lock()
		// Address strings come from ReadFromUDP or operator config; the
		// cache stays small.
		if len(u.addrs) < 4096 {
			u.addrs[addr] = udpAddr
		}
		u.mu.Unlock()
	}
	_, err := u.conn.WriteToUDP(data, udpAddr)
	return err
}

// Serve reads datagrams until ctx is done. Oversized datagrams are dropped
// here; the codec never sees more than MaxPacketBytes.
func (u *UDP) Serve(ctx context.Context, handle Handler) error {
	buf := make([]byte, packet.MaxPacketBytes+1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = u.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if n == 0 || n > packet.MaxPacketBytes {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		fromStr := from.String()
		u.mu.Lock()
		if _, ok := u.addrs[fromStr]; !ok && len(u.addrs) < 4096 {
			u.addrs[fromStr] = from
		}
		u.mu.Unlock()
		handle(fromStr, data)
	}
}

package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"netgate/internal/debuglog"
)

// The matcher speaks one-shot request/response over QUIC streams: the
// client writes its request, closes the write side, and reads the reply.

const (
	alpnProto          = "netgate-quic"
	maxExchangeBytes   = 64 << 10
	defaultDialTimeout = 8 * time.Second
	maxConnsPerIP      = 16
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic dev certificate. The matcher channel
// only needs transport privacy in development; production deployments
// front it with real certificates.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("netgate-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProto},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

// ListenAndServe accepts QUIC connections and answers one request per
// stream with handle's reply. Per-IP connection counts are capped so one
// host cannot pin the accept loop.
func ListenAndServe(addr string, ready chan<- struct{}, handle func([]byte) []byte) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		debuglog.Logf("quic listen error: %v", err)
		return err
	}
	debuglog.Logf("quic listen ready: %s", addr)
	if ready != nil {
		close(ready)
	}
	limiter := newIPLimiter(maxConnsPerIP)
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			debuglog.Logf("quic accept error: %v", err)
			return err
		}
		ip := remoteIP(conn)
		if !limiter.acquireConn(ip) {
			_ = conn.CloseWithError(0, "per-ip connection limit")
			continue
		}
		go func() {
			c := conn
			defer limiter.releaseConn(ip)
			for {
				stream, err := c.AcceptStream(context.Background())
				if err != nil {
					return
				}
				go serveStream(stream, handle)
			}
		}()
	}
}

func serveStream(stream *quic.Stream, handle func([]byte) []byte) {
	defer stream.Close()
	data, err := io.ReadAll(io.LimitReader(stream, maxExchangeBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		debuglog.Debugf("quic read error: %v", err)
		return
	}
	if len(data) == 0 {
		return
	}
	resp := handle(data)
	if len(resp) == 0 {
		return
	}
	if _, err := stream.Write(resp); err != nil {
		debuglog.Debugf("quic write error: %v", err)
	}
}

func remoteIP(conn *quic.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// ExchangeOnce dials addr, writes data on a fresh stream, closes the write
// side, and returns the reply.
func ExchangeOnce(ctx context.Context, addr string, data []byte, insecure bool) ([]byte, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(data); err != nil {
		_ = stream.Close()
		return nil, err
	}
	// Close signals end-of-request so the server's ReadAll returns.
	if err := stream.Close(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	resp, err := io.ReadAll(io.LimitReader(stream, maxExchangeBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("empty response")
	}
	return resp, nil
}

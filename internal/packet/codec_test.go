package packet

import (
	"bytes"
	"errors"
	"testing"

	"netgate/internal/testutil"
)

func newCodec(t *testing.T, mode Mode) *Codec {
	t.Helper()
	c, err := NewCodec(mode, 64)
	if err != nil {
		t.Fatalf("new codec failed: %v", err)
	}
	return c
}

func TestConnectionRequestRoundTrip(t *testing.T) {
	c := newCodec(t, ModeSecure)
	req := &ConnectionRequest{Expire: 12345}
	for i := range req.TokenData {
		req.TokenData[i] = byte(i)
	}
	for i := range req.TokenNonce {
		req.TokenNonce[i] = byte(255 - i)
	}
	data, err := c.Encode(req)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) != ConnectionRequestBytes {
		t.Fatalf("encoded size %d, want %d", len(data), ConnectionRequestBytes)
	}
	p, err := c.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, ok := p.(*ConnectionRequest)
	if !ok {
		t.Fatalf("decoded wrong type %T", p)
	}
	if got.Expire != req.Expire || got.TokenData != req.TokenData || got.TokenNonce != req.TokenNonce {
		t.Fatalf("round trip mismatch")
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	c := newCodec(t, ModeSecure)
	ch := &Challenge{}
	ch.TokenData[0] = 0xAB
	ch.TokenNonce[NonceBytes-1] = 0xCD
	data, err := c.Encode(ch)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	p, err := c.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, ok := p.(*Challenge)
	if !ok {
		t.Fatalf("decoded wrong type %T", p)
	}
	if got.TokenData != ch.TokenData || got.TokenNonce != ch.TokenNonce {
		t.Fatalf("round trip mismatch")
	}
}

func TestEmptyPacketsRoundTrip(t *testing.T) {
	c := newCodec(t, ModeSecure)
	for _, p := range []Packet{&ConnectionDenied{}, &Disconnect{}} {
		data, err := c.Encode(p)
		if err != nil {
			t.Fatalf("encode %s failed: %v", p.Type(), err)
		}
		if len(data) != 1 {
			t.Fatalf("%s encoded to %d bytes", p.Type(), len(data))
		}
		got, err := c.Decode(data)
		if err != nil {
			t.Fatalf("decode %s failed: %v", p.Type(), err)
		}
		if got.Type() != p.Type() {
			t.Fatalf("decoded wrong type %s", got.Type())
		}
		// Dispatch everywhere switches on pointer types; a value-typed
		// decode result would silently miss every case.
		switch got.(type) {
		case *ConnectionDenied, *Disconnect:
		default:
			t.Fatalf("decoded %s as %T, want pointer type", p.Type(), got)
		}
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	secure := newCodec(t, ModeSecure)
	data, err := secure.Encode(&KeepAlive{ClientIndex: 63})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) != 3 {
		t.Fatalf("secure keepalive encoded to %d bytes", len(data))
	}
	p, err := secure.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.(*KeepAlive).ClientIndex != 63 {
		t.Fatalf("client index mismatch")
	}

	insecure := newCodec(t, ModeInsecure)
	data, err = insecure.Encode(&KeepAlive{ClientIndex: 5, Salt: 0xDEADBEEF})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) != 11 {
		t.Fatalf("insecure keepalive encoded to %d bytes", len(data))
	}
	p, err = insecure.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ka := p.(*KeepAlive)
	if ka.ClientIndex != 5 || ka.Salt != 0xDEADBEEF {
		t.Fatalf("round trip mismatch")
	}
}

func TestKeepAliveIndexRange(t *testing.T) {
	c := newCodec(t, ModeSecure)
	if _, err := c.Encode(&KeepAlive{ClientIndex: 64}); err == nil {
		t.Fatalf("encode accepted out-of-range index")
	}
	if _, err := c.Encode(&KeepAlive{ClientIndex: -1}); err == nil {
		t.Fatalf("encode accepted negative index")
	}
	// A forged keepalive naming an index beyond capacity must not decode.
	forged := []byte{byte(TypeKeepAlive), 0xFF, 0xFF}
	if _, err := c.Decode(forged); err == nil {
		t.Fatalf("decode accepted out-of-range index")
	}
}

func TestConnectionPayloadRoundTrip(t *testing.T) {
	c := newCodec(t, ModeSecure)
	payload := bytes.Repeat([]byte{0x42}, 100)
	data, err := c.Encode(&Connection{Payload: payload})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	p, err := c.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(p.(*Connection).Payload, payload) {
		t.Fatalf("payload mismatch")
	}
	if _, err := c.Encode(&Connection{}); err == nil {
		t.Fatalf("encode accepted empty payload")
	}
	if _, err := c.Encode(&Connection{Payload: make([]byte, MaxPayloadBytes+1)}); err == nil {
		t.Fatalf("encode accepted oversized payload")
	}
}

func TestInsecureConnectModeGate(t *testing.T) {
	insecure := newCodec(t, ModeInsecure)
	data, err := insecure.Encode(&InsecureConnect{ClientID: 1, Salt: 2})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	p, err := insecure.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ic := p.(*InsecureConnect)
	if ic.ClientID != 1 || ic.Salt != 2 {
		t.Fatalf("round trip mismatch")
	}

	secure := newCodec(t, ModeSecure)
	if _, err := secure.Decode(data); !errors.Is(err, ErrMalformed) {
		t.Fatalf("secure codec decoded insecure connect: %v", err)
	}
	if _, err := secure.Encode(&InsecureConnect{}); err == nil {
		t.Fatalf("secure codec encoded insecure connect")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c := newCodec(t, ModeSecure)
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{byte(numTypes)}},
		{"truncated request", append([]byte{byte(TypeConnectionRequest)}, make([]byte, 10)...)},
		{"oversized request", append([]byte{byte(TypeConnectionRequest)}, make([]byte, ConnectionRequestBytes)...)},
		{"denied with payload", []byte{byte(TypeConnectionDenied), 0}},
		{"truncated challenge", append([]byte{byte(TypeChallenge)}, make([]byte, ChallengeTokenBytes)...)},
		{"empty connection", []byte{byte(TypeConnection)}},
		{"oversized buffer", make([]byte, MaxPacketBytes+1)},
	}
	for _, tc := range cases {
		if _, err := c.Decode(tc.data); err == nil {
			t.Fatalf("%s: decode accepted malformed input", tc.name)
		}
	}
}

func TestAntiAmplificationSizes(t *testing.T) {
	for _, mode := range []Mode{ModeSecure, ModeInsecure} {
		c := newCodec(t, mode)
		req, err := c.Encode(&ConnectionRequest{})
		if err != nil {
			t.Fatalf("encode request failed: %v", err)
		}
		ch, err := c.Encode(&Challenge{})
		if err != nil {
			t.Fatalf("encode challenge failed: %v", err)
		}
		ka, err := c.Encode(&KeepAlive{ClientIndex: 0})
		if err != nil {
			t.Fatalf("encode keepalive failed: %v", err)
		}
		denied, err := c.Encode(&ConnectionDenied{})
		if err != nil {
			t.Fatalf("encode denied failed: %v", err)
		}
		if len(ch) >= len(req) {
			t.Fatalf("mode %s: challenge (%d) not smaller than request (%d)", mode, len(ch), len(req))
		}
		if len(ka) >= len(req) {
			t.Fatalf("mode %s: keepalive (%d) not smaller than request (%d)", mode, len(ka), len(req))
		}
		if len(denied) >= len(req) {
			t.Fatalf("mode %s: denied (%d) not smaller than request (%d)", mode, len(denied), len(req))
		}
	}
}

func TestCodecCompleteness(t *testing.T) {
	secure := newCodec(t, ModeSecure)
	insecure := newCodec(t, ModeInsecure)
	for tag := Type(0); tag < numTypes; tag++ {
		if tag == TypeInsecureConnect {
			if secure.MaxSize(tag) != 0 {
				t.Fatalf("secure codec registered insecure connect")
			}
			if insecure.MaxSize(tag) == 0 {
				t.Fatalf("insecure codec missing insecure connect")
			}
			continue
		}
		if secure.MaxSize(tag) == 0 || insecure.MaxSize(tag) == 0 {
			t.Fatalf("missing codec entry for %s", tag)
		}
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{byte(TypeConnectionRequest)})
	f.Add([]byte{byte(TypeKeepAlive), 0, 1})
	f.Add(append([]byte{byte(TypeConnection)}, []byte("payload")...))
	secure, err := NewCodec(ModeSecure, 64)
	if err != nil {
		f.Fatalf("new codec failed: %v", err)
	}
	insecure, err := NewCodec(ModeInsecure, 64)
	if err != nil {
		f.Fatalf("new codec failed: %v", err)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			if p, err := secure.Decode(data); err == nil {
				if _, err := secure.Encode(p); err != nil {
					t.Fatalf("re-encode of decoded packet failed: %v", err)
				}
			}
			if p, err := insecure.Decode(data); err == nil {
				if _, err := insecure.Encode(p); err != nil {
					t.Fatalf("re-encode of decoded packet failed: %v", err)
				}
			}
		})
	})
}

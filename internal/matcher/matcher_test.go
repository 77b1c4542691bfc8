package matcher

import (
	"strings"
	"testing"
	"time"

	"netgate/internal/crypto"
	"netgate/internal/token"
)

func TestHandleIssuesValidToken(t *testing.T) {
	key, err := crypto.RandomKey()
	if err != nil {
		t.Fatalf("random key failed: %v", err)
	}
	svc, err := NewService(key, 30*time.Second, "10.0.0.5:4000")
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	req, err := EncodeTokenRequest(TokenRequestMsg{ClientID: 42})
	if err != nil {
		t.Fatalf("encode request failed: %v", err)
	}
	out := svc.Handle(req)
	resp, err := DecodeTokenResponse(out)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	issued, serverAddr, err := decodeIssued(resp)
	if err != nil {
		t.Fatalf("decode issued failed: %v", err)
	}
	if serverAddr != "10.0.0.5:4000" {
		t.Fatalf("server addr %q", serverAddr)
	}
	if issued.ClientID != 42 {
		t.Fatalf("client id %d, want 42", issued.ClientID)
	}

	// The issued token must open under a vault holding the same key.
	vault, err := token.NewVault(key)
	if err != nil {
		t.Fatalf("new vault failed: %v", err)
	}
	claims, err := vault.ValidateConnectToken(issued.Data, issued.Nonce, issued.Expire, time.Now())
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.ClientID != 42 {
		t.Fatalf("claims client id %d", claims.ClientID)
	}
	if claims.ClientKey != issued.ClientKey {
		t.Fatalf("client key mismatch between matcher and server view")
	}
}

func TestHandleRejectsMalformedRequest(t *testing.T) {
	key, err := crypto.RandomKey()
	if err != nil {
		t.Fatalf("random key failed: %v", err)
	}
	svc, err := NewService(key, 0, "")
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	for _, raw := range [][]byte{nil, []byte("{"), []byte(`{"type":"bogus"}`)} {
		out := svc.Handle(raw)
		if _, err := DecodeTokenResponse(out); err == nil {
			t.Fatalf("malformed request %q got a token", raw)
		}
	}
}

func TestDecodeTokenResponseErrorMsg(t *testing.T) {
	_, err := DecodeTokenResponse([]byte(`{"type":"error","reason":"bad request"}`))
	if err == nil || !strings.Contains(err.Error(), "bad request") {
		t.Fatalf("error message not surfaced: %v", err)
	}
}

func TestDecodeIssuedValidation(t *testing.T) {
	good := TokenResponseMsg{
		Type:      MsgTypeTokenResponse,
		Token:     strings.Repeat("00", 1024),
		Nonce:     strings.Repeat("00", 24),
		ClientKey: strings.Repeat("00", 32),
	}
	if _, _, err := decodeIssued(good); err != nil {
		t.Fatalf("well-formed response rejected: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*TokenResponseMsg)
	}{
		{"short token", func(m *TokenResponseMsg) { m.Token = "00" }},
		{"odd hex token", func(m *TokenResponseMsg) { m.Token = "0" }},
		{"short nonce", func(m *TokenResponseMsg) { m.Nonce = "00" }},
		{"short key", func(m *TokenResponseMsg) { m.ClientKey = "00" }},
	}
	for _, tc := range cases {
		m := good
		tc.mutate(&m)
		if _, _, err := decodeIssued(m); err == nil {
			t.Fatalf("%s accepted", tc.name)
		}
	}
}

// internal/matcher/matcher.go
//
// The matcher is the external authority that hands authorized clients a
// connect token for a game server. It shares the connect key with the
// server fleet; clients never see the key, only sealed blobs.
package matcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"netgate/internal/crypto"
	"netgate/internal/network"
	"netgate/internal/packet"
	"netgate/internal/token"
)

const (
	MsgTypeTokenRequest  = "token_request"
	MsgTypeTokenResponse = "token_response"
	MsgTypeError         = "error"

	defaultTokenTTL = 45 * time.Second
)

type TokenRequestMsg struct {
	Type     string `json:"type"`
	ClientID uint64 `json:"client_id"`
}

type TokenResponseMsg struct {
	Type       string `json:"type"`
	ClientID   uint64 `json:"client_id"`
	Expire     uint64 `json:"expire"`
	Token      string `json:"token"`
	Nonce      string `json:"nonce"`
	ClientKey  string `json:"client_key"`
	ServerAddr string `json:"server_addr,omitempty"`
}

type ErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func EncodeTokenRequest(m TokenRequestMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeTokenRequest
	}
	return json.Marshal(m)
}

func DecodeTokenRequest(data []byte) (TokenRequestMsg, error) {
	var m TokenRequestMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return TokenRequestMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeTokenRequest {
		return TokenRequestMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeTokenResponse(m TokenResponseMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeTokenResponse
	}
	return json.Marshal(m)
}

func DecodeTokenResponse(data []byte) (TokenResponseMsg, error) {
	var m TokenResponseMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return TokenResponseMsg{}, err
	}
	if m.Type == MsgTypeError {
		var e ErrorMsg
		if err := json.Unmarshal(data, &e); err == nil && e.Reason != "" {
			return TokenResponseMsg{}, fmt.Errorf("matcher refused: %s", e.Reason)
		}
		return TokenResponseMsg{}, fmt.Errorf("matcher refused")
	}
	if m.Type != "" && m.Type != MsgTypeTokenResponse {
		return TokenResponseMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// Service issues connect tokens over the QUIC exchange channel.
type Service struct {
	issuer     *token.Issuer
	ttl        time.Duration
	serverAddr string
}

func NewService(connectKey []byte, ttl time.Duration, serverAddr string) (*Service, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer, err := token.NewIssuer(connectKey)
	if err != nil {
		return nil, err
	}
	return &Service{issuer: issuer, ttl: ttl, serverAddr: serverAddr}, nil
}

// Handle answers one token request. Malformed requests get a typed error
// message; the sealed key material never appears in any failure path.
func (s *Service) Handle(data []byte) []byte {
	req, err := DecodeTokenRequest(data)
	if err != nil {
		return encodeError("bad request")
	}
	issued, err := s.issuer.Issue(req.ClientID, s.ttl, time.Now())
	if err != nil {
		return encodeError("issue failed")
	}
	resp := TokenResponseMsg{
		Type:       MsgTypeTokenResponse,
		ClientID:   issued.ClientID,
		Expire:     issued.Expire,
		Token:      hex.EncodeToString(issued.Data),
		Nonce:      hex.EncodeToString(issued.Nonce),
		ClientKey:  hex.EncodeToString(issued.ClientKey[:]),
		ServerAddr: s.serverAddr,
	}
	out, err := EncodeTokenResponse(resp)
	if err != nil {
		return encodeError("encode failed")
	}
	return out
}

func (s *Service) ListenAndServe(addr string, ready chan<- struct{}) error {
	return network.ListenAndServe(addr, ready, s.Handle)
}

func encodeError(reason string) []byte {
	out, err := json.Marshal(ErrorMsg{Type: MsgTypeError, Reason: reason})
	if err != nil {
		return nil
	}
	return out
}

// RequestToken asks the matcher at addr for a connect token and decodes it
// into the form the handshake client consumes.
func RequestToken(ctx context.Context, addr string, clientID uint64, insecureTLS bool) (*token.Issued, string, error) {
	req, err := EncodeTokenRequest(TokenRequestMsg{Type: MsgTypeTokenRequest, ClientID: clientID})
	if err != nil {
		return nil, "", err
	}
	raw, err := network.ExchangeOnce(ctx, addr, req, insecureTLS)
	if err != nil {
		return nil, "", err
	}
	resp, err := DecodeTokenResponse(raw)
	if err != nil {
		return nil, "", err
	}
	return decodeIssued(resp)
}

func decodeIssued(resp TokenResponseMsg) (*token.Issued, string, error) {
	blob, err := hex.DecodeString(resp.Token)
	if err != nil || len(blob) != packet.ConnectTokenBytes {
		return nil, "", fmt.Errorf("bad token blob")
	}
	nonce, err := hex.DecodeString(resp.Nonce)
	if err != nil || len(nonce) != packet.NonceBytes {
		return nil, "", fmt.Errorf("bad token nonce")
	}
	clientKey, err := hex.DecodeString(resp.ClientKey)
	if err != nil || len(clientKey) != crypto.KeySize {
		return nil, "", fmt.Errorf("bad client key")
	}
	issued := &token.Issued{
		ClientID: resp.ClientID,
		Expire:   resp.Expire,
		Data:     blob,
		Nonce:    nonce,
	}
	copy(issued.ClientKey[:], clientKey)
	return issued, resp.ServerAddr, nil
}

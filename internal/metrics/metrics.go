package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Handshake   HandshakeMetrics `json:"handshake"`
	Session     SessionMetrics   `json:"session"`
}

type HandshakeMetrics struct {
	RequestsReceived  uint64 `json:"requests_received"`
	DropMalformed     uint64 `json:"drop_malformed"`
	DropInvalidToken  uint64 `json:"drop_invalid_token"`
	DropProtocol      uint64 `json:"drop_protocol"`
	DropRateLimited   uint64 `json:"drop_rate_limited"`
	DropReplay        uint64 `json:"drop_replay"`
	Denied            uint64 `json:"denied"`
	ChallengesSent    uint64 `json:"challenges_sent"`
	Connected         uint64 `json:"connected"`
	PendingEvicted    uint64 `json:"pending_evicted"`
}

type SessionMetrics struct {
	KeepAlivesSent uint64 `json:"keepalives_sent"`
	Disconnects    uint64 `json:"disconnects"`
	Timeouts       uint64 `json:"timeouts"`
	PayloadPackets uint64 `json:"payload_packets"`
	ClientsActive  uint64 `json:"clients_active"`
}

type Metrics struct {
	requestsReceived atomic.Uint64
	dropMalformed    atomic.Uint64
	dropInvalidToken atomic.Uint64
	dropProtocol     atomic.Uint64
	dropRateLimited  atomic.Uint64
	dropReplay       atomic.Uint64
	denied           atomic.Uint64
	challengesSent   atomic.Uint64
	connected        atomic.Uint64
	pendingEvicted   atomic.Uint64
	keepAlivesSent   atomic.Uint64
	disconnects      atomic.Uint64
	timeouts         atomic.Uint64
	payloadPackets   atomic.Uint64
	clientsActive    atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncRequestsReceived() { m.requestsReceived.Add(1) }
func (m *Metrics) IncDropMalformed()    { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropInvalidToken() { m.dropInvalidToken.Add(1) }
func (m *Metrics) IncDropProtocol()     { m.dropProtocol.Add(1) }
func (m *Metrics) IncDropRateLimited()  { m.dropRateLimited.Add(1) }
func (m *Metrics) IncDropReplay()       { m.dropReplay.Add(1) }
func (m *Metrics) IncDenied()           { m.denied.Add(1) }
func (m *Metrics) IncChallengesSent()   { m.challengesSent.Add(1) }
func (m *Metrics) IncConnected()        { m.connected.Add(1) }
func (m *Metrics) IncPendingEvicted()   { m.pendingEvicted.Add(1) }
func (m *Metrics) IncKeepAlivesSent()   { m.keepAlivesSent.Add(1) }
func (m *Metrics) IncDisconnects()      { m.disconnects.Add(1) }
func (m *Metrics) IncTimeouts()         { m.timeouts.Add(1) }
func (m *Metrics) IncPayloadPackets()   { m.payloadPackets.Add(1) }

func (m *Metrics) SetClientsActive(n uint64) { m.clientsActive.Store(n) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Handshake: HandshakeMetrics{
			RequestsReceived: m.requestsReceived.Load(),
			DropMalformed:    m.dropMalformed.Load(),
			DropInvalidToken: m.dropInvalidToken.Load(),
			DropProtocol:     m.dropProtocol.Load(),
			DropRateLimited:  m.dropRateLimited.Load(),
			DropReplay:       m.dropReplay.Load(),
			Denied:           m.denied.Load(),
			ChallengesSent:   m.challengesSent.Load(),
			Connected:        m.connected.Load(),
			PendingEvicted:   m.pendingEvicted.Load(),
		},
		Session: SessionMetrics{
			KeepAlivesSent: m.keepAlivesSent.Load(),
			Disconnects:    m.disconnects.Load(),
			Timeouts:       m.timeouts.Load(),
			PayloadPackets: m.payloadPackets.Load(),
			ClientsActive:  m.clientsActive.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

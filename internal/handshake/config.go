package handshake

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultConnTimeoutSec    = 10
	defaultPendingTimeoutSec = 5
	defaultKeepAliveSec      = 1
	defaultPendingMax        = 256
	defaultAddrRequestBurst  = 8
	defaultAddrRequestWindow = time.Second
	defaultConnectTimeoutSec = 6
	defaultResendMS          = 250
)

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func connTimeout() time.Duration {
	if v, ok := envInt("NETGATE_TIMEOUT_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultConnTimeoutSec) * time.Second
}

func pendingTimeout() time.Duration {
	if v, ok := envInt("NETGATE_PENDING_TIMEOUT_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultPendingTimeoutSec) * time.Second
}

func keepAliveInterval() time.Duration {
	if v, ok := envInt("NETGATE_KEEPALIVE_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("NETGATE_KEEPALIVE_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultKeepAliveSec) * time.Second
}

// pendingMax bounds the pending-record pool independent of maxClients. A
// spoofed-source request flood tops out here instead of growing memory.
func pendingMax() int {
	if v, ok := envInt("NETGATE_PENDING_MAX"); ok && v > 0 {
		return v
	}
	return defaultPendingMax
}

func addrRequestBurst() int {
	if v, ok := envInt("NETGATE_ADDR_REQUEST_BURST"); ok && v > 0 {
		return v
	}
	return defaultAddrRequestBurst
}

// connectTimeout is the client-side bound on the whole negotiation.
func connectTimeout() time.Duration {
	if v, ok := envInt("NETGATE_CONNECT_TIMEOUT_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultConnectTimeoutSec) * time.Second
}

func resendInterval() time.Duration {
	if v, ok := envInt("NETGATE_RESEND_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultResendMS * time.Millisecond
}

// Package config holds the immutable configuration record the core is
// constructed with (DESIGN NOTES: "global mixer constants ... are an
// immutable configuration record handed at construction, never process
// globals") plus the external collaborators the spec treats as out of
// scope: the TLS root store and DNS resolution policy.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"
)

// Transport selects the SIP signaling transport.
type Transport int

const (
	TransportAll Transport = iota
	TransportUDP
	TransportTCP
	TransportTLS
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "UDP"
	case TransportTCP:
		return "TCP"
	case TransportTLS:
		return "TLS"
	default:
		return "ALL"
	}
}

// ICEServer describes a STUN or TURN server.
type ICEServer struct {
	Host     string
	Port     int
	Username string
	Password string
	IsTURN   bool
}

// CodecEntry is one entry of the static codec priority list (§4.2: "no
// adaptive codec switching policy — selection is a static priority list").
type CodecEntry struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint8
}

// Profile is the master configuration record. It is merged via the
// `config` bus command (spec §4.7) and handed to the user agent at
// construction and on every subsequent merge; no field is read from a
// process global.
type Profile struct {
	Transport    Transport
	EnableIPv4   bool
	EnableIPv6   bool
	ICEServers   []ICEServer
	ICEEnabled   bool
	RTPPortStart uint16
	RTPPortEnd   uint16
	RTCPMux      bool
	DeferRelayed bool

	RegistrationDuration time.Duration
	KeepAliveInterval    time.Duration
	DNSCacheTTL          time.Duration

	CodecPriority []CodecEntry

	UserAgent string

	// MixerChannels is the mixer's fixed channel capacity (§4.3).
	MixerChannels int
	// JitterPrebuffer / JitterHigh are RTP_BUFFER_PREBUFFER / RTP_BUFFER_HIGH (§4.2).
	JitterPrebuffer int
	JitterHigh      int

	// SRTPEnabled turns on SDES/DTLS-SRTP key agreement for new sessions.
	SRTPEnabled bool
	// SRTPUseDTLS selects DTLS-SRTP keying instead of SDES inline keys.
	SRTPUseDTLS bool

	TrustStore *TrustStore

	// BindIP is the local address advertised in outbound SDP `c=` lines
	// (teacher's media_with_sdp.Config.LocalIP); "127.0.0.1" until set.
	BindIP string
}

// LocalIP returns the address a session should advertise in its SDP,
// falling back to loopback when unconfigured (teacher's manager.go
// default).
func (p *Profile) LocalIP() string {
	if p.BindIP == "" {
		return "127.0.0.1"
	}
	return p.BindIP
}

// Default returns the baseline profile used when the user agent is
// constructed without an explicit one; ports follow §6 ("Ports").
func Default() *Profile {
	return &Profile{
		Transport:            TransportAll,
		EnableIPv4:           true,
		EnableIPv6:           false,
		ICEEnabled:           false,
		RTPPortStart:         20000,
		RTPPortEnd:           30000,
		RTCPMux:              false,
		DeferRelayed:         false,
		RegistrationDuration: 3600 * time.Second,
		KeepAliveInterval:    30 * time.Second,
		DNSCacheTTL:          5 * time.Minute,
		CodecPriority: []CodecEntry{
			{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
			{PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
		},
		UserAgent:       "go-uacore/1.0",
		MixerChannels:   8,
		JitterPrebuffer: 3,
		JitterHigh:      50,
		SRTPEnabled:     false,
		SRTPUseDTLS:     false,
		TrustStore:      NewTrustStore(),
		BindIP:          "127.0.0.1",
	}
}

// Merge applies non-zero fields of patch onto a copy of p and returns the
// copy; this backs the `config` bus command, which merges rather than
// replaces the master profile.
func (p *Profile) Merge(patch *Profile) *Profile {
	out := *p
	if patch.Transport != 0 {
		out.Transport = patch.Transport
	}
	if patch.ICEServers != nil {
		out.ICEServers = patch.ICEServers
	}
	if patch.RTPPortStart != 0 {
		out.RTPPortStart = patch.RTPPortStart
	}
	if patch.RTPPortEnd != 0 {
		out.RTPPortEnd = patch.RTPPortEnd
	}
	if patch.RegistrationDuration != 0 {
		out.RegistrationDuration = patch.RegistrationDuration
	}
	if patch.KeepAliveInterval != 0 {
		out.KeepAliveInterval = patch.KeepAliveInterval
	}
	if patch.DNSCacheTTL != 0 {
		out.DNSCacheTTL = patch.DNSCacheTTL
	}
	if len(patch.CodecPriority) > 0 {
		out.CodecPriority = patch.CodecPriority
	}
	if patch.UserAgent != "" {
		out.UserAgent = patch.UserAgent
	}
	if patch.MixerChannels != 0 {
		out.MixerChannels = patch.MixerChannels
	}
	if patch.JitterPrebuffer != 0 {
		out.JitterPrebuffer = patch.JitterPrebuffer
	}
	if patch.JitterHigh != 0 {
		out.JitterHigh = patch.JitterHigh
	}
	out.EnableIPv4 = patch.EnableIPv4 || out.EnableIPv4
	out.EnableIPv6 = patch.EnableIPv6 || out.EnableIPv6
	out.ICEEnabled = patch.ICEEnabled || out.ICEEnabled
	out.RTCPMux = patch.RTCPMux || out.RTCPMux
	out.SRTPEnabled = patch.SRTPEnabled || out.SRTPEnabled
	out.SRTPUseDTLS = patch.SRTPUseDTLS || out.SRTPUseDTLS
	out.DeferRelayed = patch.DeferRelayed || out.DeferRelayed
	if patch.TrustStore != nil {
		out.TrustStore = patch.TrustStore
	}
	if patch.BindIP != "" {
		out.BindIP = patch.BindIP
	}
	return &out
}

// TrustStore wraps the TLS root store external collaborator named in §1
// ("TLS root store ... specified only by the interface the core
// consumes"). There is no third-party X.509 pool library anywhere in the
// retrieved example pack, so this is stdlib by necessity.
type TrustStore struct {
	mu   sync.RWMutex
	pool *x509.CertPool
}

// NewTrustStore returns a trust store seeded with the system root pool,
// falling back to an empty pool if the platform has none available.
func NewTrustStore() *TrustStore {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	return &TrustStore{pool: pool}
}

// AddRootCert installs a PEM-encoded root certificate, backing the
// `add_root_cert` bus command (§4.7).
func (t *TrustStore) AddRootCert(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("config: add_root_cert: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("config: add_root_cert: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pool.AddCert(cert)
	return nil
}

// TLSConfig returns a *tls.Config rooted at the current trust store,
// suitable for the SIP-over-TLS transport or DTLS-SRTP handshakes.
func (t *TrustStore) TLSConfig(serverName string) *tls.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &tls.Config{
		RootCAs:    t.pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}

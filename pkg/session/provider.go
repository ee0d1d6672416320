package session

import (
	"context"

	"github.com/arzzra/go-uacore/pkg/srtp"
)

// Provider is the stream-polymorphism trait surface of DESIGN NOTES §9:
// audio today, video tomorrow, behind one common interface rather than a
// type switch on a tagged union. A MediaStream owns exactly one Provider
// once bound.
type Provider interface {
	// ProcessSendFrame is called once per device-rate frame tick on the
	// capture/send path (§4.2 send path steps 1-7).
	ProcessSendFrame(ctx context.Context, devicePCM []int16) error

	// OnIncomingDatagram is called by the stream's ICE/socket plumbing for
	// every demuxed RTP/RTCP datagram addressed to this provider (§4.2
	// receive path).
	OnIncomingDatagram(payload []byte, fromComponent int) error

	// BuildSDP renders this provider's contribution to an outbound offer
	// or answer's media line parameters.
	BuildSDP(dir Direction) (ProviderSDP, error)

	// ApplyRemoteSDP updates provider state (codec selection, SRTP keys,
	// remote direction) from the peer's SDP for this media line.
	ApplyRemoteSDP(remote ProviderSDP) error

	// Statistics returns a snapshot of this provider's counters for
	// `get_media_stats`.
	Statistics() Statistics

	// Pause/Resume toggle the provider's receive/send enables without
	// rebuilding it (§4.1 pause/resume).
	Pause() error
	Resume() error

	// Close releases provider-owned resources (codecs, mixer channels,
	// SRTP sessions). Idempotent.
	Close() error
}

// ProviderSDP is the provider-level view of one media line's negotiable
// parameters, independent of the wire SDP representation in pkg/sdpcodec.
type ProviderSDP struct {
	RTPPort      int
	RTCPPort     int
	RTCPMux      bool
	PayloadTypes []int
	Direction    Direction
	ICEUfrag     string
	ICEPwd       string

	// RemoteIP is the connection address for the non-ICE send path
	// (§4.1: with ICE disabled the SDP c= line is the only source of the
	// peer's address).
	RemoteIP string

	SRTP bool
	// CryptoOffer is this side's list of offered suites (offerer) or the
	// peer's offered suites to choose from (answerer); CryptoChosen is the
	// single suite both sides settle on.
	CryptoOffer  []*srtp.KeySalt
	CryptoChosen *srtp.KeySalt
	CryptoTag    int
}

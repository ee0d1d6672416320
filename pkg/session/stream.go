package session

import (
	"net"

	"github.com/arzzra/go-uacore/pkg/iceadapter"
	"github.com/arzzra/go-uacore/pkg/sockheap"
)

// MediaStream is one entry in a session's media-stream vector (§3 "Media
// stream"): a provider binding plus the RTP/RTCP socket pair and ICE
// identity for one SDP media line. A stream with no provider is inactive;
// one with both socket handles nil is a placeholder kept to preserve SDP
// media-line ordering across re-offers.
type MediaStream struct {
	Index int

	Provider Provider

	RTPSocket4  *sockheap.Handle
	RTCPSocket4 *sockheap.Handle
	RTPSocket6  *sockheap.Handle
	RTCPSocket6 *sockheap.Handle

	ICEStream *iceadapter.Stream

	RemoteRTCPMux bool
	RemoteAddr    net.Addr
	RemoteUfrag   string

	// Placeholder is true when the remote peer marked this medium
	// inactive; sockets and provider are released but the slot stays in
	// the vector (§3, §4.1 ICE binding).
	Placeholder bool
}

// Active reports whether the stream currently has a bound provider.
func (m *MediaStream) Active() bool { return m.Provider != nil && !m.Placeholder }

// Release tears down the stream's provider and sockets, turning it into a
// placeholder (§4.1: "on remote SDP with inactive media, the stream's
// provider is released, sockets are freed, the ICE stream is removed; the
// session keeps a placeholder").
func (m *MediaStream) Release(heap *sockheap.Heap, ice *iceadapter.Adapter, streamID string) {
	if m.Provider != nil {
		m.Provider.Close()
		m.Provider = nil
	}
	for _, h := range []*sockheap.Handle{m.RTPSocket4, m.RTCPSocket4, m.RTPSocket6, m.RTCPSocket6} {
		if h != nil {
			heap.FreeSocket(h)
		}
	}
	m.RTPSocket4, m.RTCPSocket4, m.RTPSocket6, m.RTCPSocket6 = nil, nil, nil, nil
	if ice != nil && m.ICEStream != nil {
		ice.RemoveStream(streamID)
		m.ICEStream = nil
	}
	m.Placeholder = true
}

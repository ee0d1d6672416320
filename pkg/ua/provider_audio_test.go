package ua

import (
	"context"
	"net"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/iceadapter"
	"github.com/arzzra/go-uacore/pkg/media"
	"github.com/arzzra/go-uacore/pkg/rtp"
	"github.com/arzzra/go-uacore/pkg/session"
	"github.com/arzzra/go-uacore/pkg/sockheap"
)

// newTestAudioProviderFull builds a fully-wired provider (real socket-heap
// handles, resamplers, capture window) and a bare UDP peer socket standing
// in for the remote side, for send-path tests that need real wire bytes.
func newTestAudioProviderFull(t *testing.T) (*audioProvider, *net.UDPConn) {
	t.Helper()
	heap := sockheap.New(33000, 33100)
	t.Cleanup(func() { heap.Close() })

	noop := sockheap.SinkFunc(func([]byte, net.Addr) {})
	rtpH, rtcpH, err := heap.AllocSocketPair(noop, noop, false)
	if err != nil {
		t.Fatalf("AllocSocketPair: %v", err)
	}

	p, err := newAudioProvider(rtpH, rtcpH, config.Default())
	if err != nil {
		t.Fatalf("newAudioProvider: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	p.remoteAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: peerAddr.Port}
	return p, peer
}

func readDTMFPacket(t *testing.T, peer *net.UDPConn) *pionrtp.Packet {
	t.Helper()
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	pkt := &pionrtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return pkt
}

func TestAudioProvider_SendDTMF_EmitsOneEventPacketPerTickThenThreeTerminators(t *testing.T) {
	p, peer := newTestAudioProviderFull(t)

	// 160ms at packet_time=20ms (PCMU's native frame time) => 8 event
	// packets + 3 terminators, per §8 Scenario 5.
	if err := p.SendDTMF(media.DTMF1, 160*time.Millisecond); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}

	var lastDuration uint16
	for i := 0; i < 8; i++ {
		pkt := readDTMFPacket(t, peer)
		if pkt.Marker != (i == 0) {
			t.Fatalf("event packet %d: marker=%v, want %v", i, pkt.Marker, i == 0)
		}
		if pkt.Payload[1]&0x80 != 0 {
			t.Fatalf("event packet %d: end-of-event bit set early", i)
		}
		duration := uint16(pkt.Payload[2])<<8 | uint16(pkt.Payload[3])
		if i > 0 && duration <= lastDuration {
			t.Fatalf("event packet %d: duration did not increase: %d <= %d", i, duration, lastDuration)
		}
		lastDuration = duration
	}
	for i := 0; i < 3; i++ {
		pkt := readDTMFPacket(t, peer)
		if pkt.Marker {
			t.Fatalf("terminator %d: marker should not be set", i)
		}
		if pkt.Payload[1]&0x80 == 0 {
			t.Fatalf("terminator %d: end-of-event bit not set", i)
		}
	}
}

func TestAudioProvider_ProcessSendFrame_EmitsOneRTPPacketPerFullCodecFrame(t *testing.T) {
	p, peer := newTestAudioProviderFull(t)

	devicePCM := make([]int16, 160) // one PCMU frame at 8kHz/20ms
	if err := p.ProcessSendFrame(context.Background(), devicePCM); err != nil {
		t.Fatalf("ProcessSendFrame: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	pkt := &pionrtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if pkt.PayloadType != 0 {
		t.Fatalf("expected PCMU payload type 0, got %d", pkt.PayloadType)
	}
	if len(pkt.Payload) != 160 {
		t.Fatalf("expected a 160-byte PCMU payload, got %d", len(pkt.Payload))
	}
}

func TestAudioProvider_ProcessSendFrame_InbandDTMFSpliceReplacesSilence(t *testing.T) {
	p, peer := newTestAudioProviderFull(t)
	p.QueueInbandDTMF(media.DTMF5, 20*time.Millisecond)

	devicePCM := make([]int16, 160) // silence
	if err := p.ProcessSendFrame(context.Background(), devicePCM); err != nil {
		t.Fatalf("ProcessSendFrame: %v", err)
	}

	pkt := readDTMFPacket(t, peer)
	decoded := p.chosen.NewDecoder().Decode(pkt.Payload)
	energetic := false
	for _, s := range decoded {
		if s > 500 || s < -500 {
			energetic = true
			break
		}
	}
	if !energetic {
		t.Fatalf("expected the inband DTMF tone to replace silence with an audible waveform")
	}
}

func newTestAudioProvider() *audioProvider {
	return &audioProvider{
		chosen: media.NewPCMUCodec(),
		ssrc:   0xC0FFEE,
		stats:  &session.Statistics{},
	}
}

func TestAudioProvider_UpdateJitterLocked_PrimesOnFirstPacket(t *testing.T) {
	p := newTestAudioProvider()
	pkt := &pionrtp.Packet{Header: pionrtp.Header{Timestamp: 8000}}

	p.updateJitterLocked(pkt)

	snap := p.stats.Snapshot()
	if snap.JitterMs != 0 {
		t.Fatalf("expected no jitter sample from the first packet, got %v", snap.JitterMs)
	}
	if !p.haveLastTransit {
		t.Fatalf("expected haveLastTransit to be set after the first packet")
	}
}

func TestAudioProvider_UpdateJitterLocked_SecondPacketProducesSample(t *testing.T) {
	p := newTestAudioProvider()
	p.updateJitterLocked(&pionrtp.Packet{Header: pionrtp.Header{Timestamp: 0}})

	// A 1600-sample (200ms at 8kHz) gap between consecutive packets'
	// RTP timestamps, with negligible wall-clock time passing between the
	// two calls, makes the transit-time delta overwhelmingly dominated by
	// the RTP-timestamp term rather than test scheduling jitter.
	p.updateJitterLocked(&pionrtp.Packet{Header: pionrtp.Header{Timestamp: 1600}})

	snap := p.stats.Snapshot()
	if snap.JitterMs <= 0 {
		t.Fatalf("expected a positive jitter estimate after the second packet, got %v", snap.JitterMs)
	}
}

func TestAudioProvider_OnIncomingRTCP_IgnoresReportsForOtherSSRCs(t *testing.T) {
	p := newTestAudioProvider()

	rr := rtp.NewReceiverReport(0xAAAAAAAA)
	rr.AddReceptionReport(rtp.ReceptionReport{SSRC: 0xDEADBEEF, LastSR: 1, DelaySinceLastSR: 1})
	raw, err := rr.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	p.onIncomingRTCP(raw)

	snap := p.stats.Snapshot()
	if snap.RTTMs != 0 {
		t.Fatalf("expected no RTT sample for a report about a different SSRC, got %v", snap.RTTMs)
	}
	if snap.ReceivedRTCPBytes == 0 {
		t.Fatalf("expected the RTCP byte counter to account for the packet regardless of SSRC match")
	}
}

func TestAudioProvider_OnIncomingRTCP_ComputesRTTFromLastSRAndDelay(t *testing.T) {
	p := newTestAudioProvider()

	// Simulate a sender report we sent ~1s ago (LastSR one full NTP
	// mid-32-bit "second", i.e. 65536 units, behind now) that the peer
	// reports having replied to after a 500ms delay.
	nowMid := uint32(rtp.NTPTimestamp(time.Now()) >> 16)
	lastSR := nowMid - 65536
	const delaySinceLastSR = 32768 // 0.5s in Q16 units

	rr := rtp.NewReceiverReport(0xAAAAAAAA)
	rr.AddReceptionReport(rtp.ReceptionReport{SSRC: p.ssrc, LastSR: lastSR, DelaySinceLastSR: delaySinceLastSR})
	raw, err := rr.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	p.onIncomingRTCP(raw)

	snap := p.stats.Snapshot()
	if snap.RTTMs < 400 || snap.RTTMs > 600 {
		t.Fatalf("expected an RTT sample near 500ms, got %v", snap.RTTMs)
	}
}

func TestAudioProvider_OnIncomingDatagram_RoutesRTCPComponentAway(t *testing.T) {
	p := newTestAudioProvider()
	p.jitter = nil // a real jitter buffer is not needed: RTCP never reaches it

	rr := rtp.NewReceiverReport(0xAAAAAAAA)
	rr.AddReceptionReport(rtp.ReceptionReport{SSRC: p.ssrc, LastSR: 1, DelaySinceLastSR: 1})
	raw, err := rr.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if err := p.OnIncomingDatagram(raw, int(iceadapter.ComponentRTCP)); err != nil {
		t.Fatalf("OnIncomingDatagram: %v", err)
	}

	snap := p.stats.Snapshot()
	if snap.ReceivedRTCPBytes == 0 {
		t.Fatalf("expected the RTCP datagram to be counted as RTCP, not fall through to RTP parsing")
	}
	if snap.ReceivedRTPCount != 0 {
		t.Fatalf("expected an RTCP-tagged datagram not to be counted as a received RTP packet")
	}
}

package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/iceadapter"
	"github.com/arzzra/go-uacore/pkg/sdpcodec"
	"github.com/arzzra/go-uacore/pkg/sockheap"
)

type fakeDialog struct {
	mu       sync.Mutex
	offers   []string
	answers  []string
	rejected []int
	byeCount int
}

func (d *fakeDialog) SendOffer(sdp string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offers = append(d.offers, sdp)
	return nil
}

func (d *fakeDialog) SendAnswer(sdp string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answers = append(d.answers, sdp)
	return nil
}

func (d *fakeDialog) Reject(code int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = append(d.rejected, code)
	return nil
}

func (d *fakeDialog) Bye() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byeCount++
	return nil
}

func (d *fakeDialog) RemoteURI() string { return "sip:peer@example.com" }

func (d *fakeDialog) offerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.offers)
}

func (d *fakeDialog) lastOffer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offers[len(d.offers)-1]
}

type recordingSink struct {
	mu          sync.Mutex
	established []EstablishedKind
	terminated  []TerminatedReason
}

func (r *recordingSink) OnProvisional(*Session) {}
func (r *recordingSink) OnEstablished(_ *Session, kind EstablishedKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established = append(r.established, kind)
}
func (r *recordingSink) OnTerminated(_ *Session, reason TerminatedReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, reason)
}
func (r *recordingSink) OnConnectivityFailed(*Session)       {}
func (r *recordingSink) OnCandidateGathered(*Session, int)   {}

func (r *recordingSink) terminatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.terminated)
}

// newTestSession always builds session id 1, so every caller gets its own
// Registry — session.New's Prometheus counters carry session_id as a const
// label, and registering the same (name, session_id) pair twice against a
// shared registry (including the package default) panics on MustRegister.
func newTestSession(t *testing.T, heap *sockheap.Heap, sink EventSink) *Session {
	t.Helper()
	profile := config.Default()
	profile.ICEEnabled = false
	profile.BindIP = "203.0.113.5"
	s := New(1, "alice", Deps{
		Profile:  profile,
		Heap:     heap,
		Sink:     sink,
		Registry: prometheus.NewRegistry(),
	})
	t.Cleanup(s.Close)
	return s
}

func TestStart_AllocatesStreamAndSendsOffer(t *testing.T) {
	heap := sockheap.New(31000, 31100)
	defer heap.Close()

	s := newTestSession(t, heap, NoopEventSink{})
	if _, err := s.AddStream(); err != nil {
		t.Fatalf("AddStream: %v", err)
	}

	dialog := &fakeDialog{}
	require.NoError(t, s.Start("sip:bob@example.com", dialog))
	require.Equal(t, StateOffering, s.State())
	require.Equal(t, 1, dialog.offerCount())
	require.Contains(t, dialog.lastOffer(), "m=audio")
}

func TestStart_RejectsWhenNotCreated(t *testing.T) {
	heap := sockheap.New(31100, 31200)
	defer heap.Close()

	s := newTestSession(t, heap, NoopEventSink{})
	_, _ = s.AddStream()
	dialog := &fakeDialog{}
	require.NoError(t, s.Start("sip:bob@example.com", dialog))
	require.ErrorIs(t, s.Start("sip:bob@example.com", dialog), ErrWrongState)
}

func TestHandleRemoteOffer_ThenAccept_SendsAnswerAndConnects(t *testing.T) {
	heap := sockheap.New(31200, 31300)
	defer heap.Close()

	sink := &recordingSink{}
	s := newTestSession(t, heap, sink)
	dialog := &fakeDialog{}
	require.NoError(t, s.do(func() error { s.dialog = dialog; return nil }))

	remote := &sdpcodec.Parsed{
		RemoteIP:  "203.0.113.9",
		RTPPort:   40000,
		Direction: sdpcodec.DirSendRecv,
		Codecs:    []sdpcodec.Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}},
	}
	require.NoError(t, s.HandleRemoteOffer(1, remote))
	require.Equal(t, StateOffered, s.State())

	require.NoError(t, s.Accept())
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, 1, len(dialog.answers))

	sink.mu.Lock()
	got := append([]EstablishedKind{}, sink.established...)
	sink.mu.Unlock()
	require.Equal(t, []EstablishedKind{EstablishedSIP}, got)
}

func TestHandleRemoteOffer_NoCodecOverlapRejectsWith488(t *testing.T) {
	heap := sockheap.New(31300, 31400)
	defer heap.Close()

	s := newTestSession(t, heap, NoopEventSink{})
	dialog := &fakeDialog{}
	require.NoError(t, s.do(func() error { s.dialog = dialog; return nil }))

	remote := &sdpcodec.Parsed{RemoteIP: "203.0.113.9", RTPPort: 40000, Direction: sdpcodec.DirSendRecv}
	err := s.HandleRemoteOffer(1, remote)
	require.ErrorIs(t, err, ErrNoCompatibleCodec)
	require.Equal(t, []int{488}, dialog.rejected)
}

func TestHandleRemoteOffer_SameVersionResendsAnswerVerbatim(t *testing.T) {
	heap := sockheap.New(31400, 31500)
	defer heap.Close()

	s := newTestSession(t, heap, NoopEventSink{})
	dialog := &fakeDialog{}
	require.NoError(t, s.do(func() error { s.dialog = dialog; return nil }))

	remote := &sdpcodec.Parsed{
		RemoteIP:  "203.0.113.9",
		RTPPort:   40000,
		Direction: sdpcodec.DirSendRecv,
		Codecs:    []sdpcodec.Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}},
	}
	require.NoError(t, s.HandleRemoteOffer(1, remote))
	require.NoError(t, s.Accept())
	require.Equal(t, 1, len(dialog.answers))

	require.NoError(t, s.HandleRemoteOffer(1, remote))
	require.Equal(t, 2, len(dialog.answers))
	require.Equal(t, dialog.answers[0], dialog.answers[1])
}

func TestStop_FiresTerminatedExactlyOnce(t *testing.T) {
	heap := sockheap.New(31500, 31600)
	defer heap.Close()

	sink := &recordingSink{}
	s := newTestSession(t, heap, sink)
	_, _ = s.AddStream()
	dialog := &fakeDialog{}
	require.NoError(t, s.Start("sip:bob@example.com", dialog))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.Equal(t, 1, sink.terminatedCount())
	require.Equal(t, 1, dialog.byeCount)
}

func TestPauseResume_TogglesDirectionAndReoffers(t *testing.T) {
	heap := sockheap.New(31600, 31700)
	defer heap.Close()

	s := newTestSession(t, heap, NoopEventSink{})
	dialog := &fakeDialog{}
	require.NoError(t, s.do(func() error { s.dialog = dialog; return nil }))

	remote := &sdpcodec.Parsed{
		RemoteIP:  "203.0.113.9",
		RTPPort:   40000,
		Direction: sdpcodec.DirSendRecv,
		Codecs:    []sdpcodec.Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}},
	}
	require.NoError(t, s.HandleRemoteOffer(1, remote))
	require.NoError(t, s.Accept())
	require.Equal(t, StateConnected, s.State())

	require.NoError(t, s.Pause())
	require.Equal(t, DirSendOnly, s.direction)
	require.NoError(t, s.Resume())
	require.Equal(t, DirSendRecv, s.direction)
	require.Equal(t, 2, dialog.offerCount())
}

// noopProvider is a do-nothing Provider for tests that only care about one
// method; embed it and override what's needed.
type noopProvider struct{}

func (noopProvider) ProcessSendFrame(context.Context, []int16) error    { return nil }
func (noopProvider) OnIncomingDatagram([]byte, int) error               { return nil }
func (noopProvider) BuildSDP(Direction) (ProviderSDP, error)            { return ProviderSDP{}, nil }
func (noopProvider) ApplyRemoteSDP(ProviderSDP) error                   { return nil }
func (noopProvider) Statistics() Statistics                             { return Statistics{} }
func (noopProvider) Pause() error                                      { return nil }
func (noopProvider) Resume() error                                     { return nil }
func (noopProvider) Close() error                                      { return nil }

type componentRecordingProvider struct {
	noopProvider
	mu         sync.Mutex
	components []int
}

func (p *componentRecordingProvider) OnIncomingDatagram(payload []byte, fromComponent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.components = append(p.components, fromComponent)
	return nil
}

func (p *componentRecordingProvider) seen() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.components))
	copy(out, p.components)
	return out
}

func TestAllocateStream_RoutesRTPAndRTCPDatagramsToDistinctComponents(t *testing.T) {
	heap := sockheap.New(31900, 32000)
	defer heap.Close()

	s := newTestSession(t, heap, NoopEventSink{})
	st, err := s.EnsureStream()
	require.NoError(t, err)
	require.NotNil(t, st.RTCPSocket4, "RTCPMux defaults to false, so a distinct RTCP socket must be allocated")

	provider := &componentRecordingProvider{}
	st.Provider = provider

	rtpAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: st.RTPSocket4.Port()}
	rtcpAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: st.RTCPSocket4.Port()}

	conn, err := net.ListenUDP("udp", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.WriteToUDP([]byte("rtp-plane"), rtpAddr)
	require.NoError(t, err)
	_, err = conn.WriteToUDP([]byte("rtcp-plane"), rtcpAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(provider.seen()) == 2 }, time.Second, 5*time.Millisecond)

	got := provider.seen()
	require.ElementsMatch(t, []int{int(iceadapter.ComponentRTP), int(iceadapter.ComponentRTCP)}, got)
}

func TestOriginVersion_StrictlyIncreasesAcrossOffers(t *testing.T) {
	heap := sockheap.New(31700, 31800)
	defer heap.Close()

	s := newTestSession(t, heap, NoopEventSink{})
	_, _ = s.AddStream()
	dialog := &fakeDialog{}
	require.NoError(t, s.Start("sip:bob@example.com", dialog))

	first := s.localOriginVersion
	require.NoError(t, s.do(func() error { return s.reofferLocked() }))
	second := s.localOriginVersion
	require.Greater(t, second, first)
}

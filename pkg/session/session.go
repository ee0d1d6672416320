// Package session implements the per-call session state machine of §4.1:
// the Created/Offering/Early/Connected (Initiator) or Created/Offered/
// Accepting/Connected (Acceptor) lifecycle that binds SIP offer/answer,
// ICE candidate gathering and connectivity checks, and the RTP media
// pipeline to one call leg.
//
// Grounded on the teacher's pkg/dialog/dialog.go FSM wiring (looplab/fsm,
// one event set per state machine, an after_event callback that mirrors
// the transition into a plain field) and pkg/dialog/recovery.go's
// panic-to-event conversion; generalized from SIP-dialog-only states to
// the full session lifecycle that also drives ICE and media per DESIGN
// NOTES §9 (recursive locks replaced by a single-owner goroutine reading a
// command mailbox).
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/iceadapter"
	"github.com/arzzra/go-uacore/pkg/logging"
	"github.com/arzzra/go-uacore/pkg/sdpcodec"
	"github.com/arzzra/go-uacore/pkg/sockheap"
	"github.com/arzzra/go-uacore/pkg/srtp"
)

const mailboxCapacity = 64

// Session is one call leg (§3 "Session"). All mutation of its fields is
// serialized through loop() — the single-owner goroutine that replaces the
// teacher's recursive per-session lock (DESIGN NOTES §9). External
// callers, and callbacks from the dialog layer, ICE adapter, or socket
// heap, go through the Do/post helpers rather than touching fields
// directly.
type Session struct {
	ID       int64
	Role     Role
	Account  string
	Profile  *config.Profile

	log     logging.Logger
	metrics *metricsRegistry
	stats   *Statistics
	reg     prometheus.Registerer
	sink    EventSink

	fsm *fsm.FSM

	remoteURI string
	dialog    Dialog

	localOriginVersion  uint64
	sessionIDVersion    uint64
	remoteOriginVersion uint64
	haveRemoteVersion   bool
	lastAnswerSDP       string

	pendingOffer     bool
	pendingAccept    bool
	acceptedByEngine bool
	acceptedByUser   bool

	direction Direction
	icePhase  ICEPhase
	iceEnabled bool

	streams []*MediaStream

	heap *sockheap.Heap
	ice  *iceadapter.Adapter

	mailbox chan func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	terminated int32
}

// Deps bundles the collaborators a Session needs but does not own
// (§1 "Out of scope" — ICE engine, socket heap, SDP codec parameters are
// all constructed by pkg/ua and injected here).
type Deps struct {
	Profile  *config.Profile
	Heap     *sockheap.Heap
	ICE      *iceadapter.Adapter
	Sink     EventSink
	Registry prometheus.Registerer
	Log      logging.Logger
}

// New constructs a Session in state Created. The caller sets Role when
// calling Start (Initiator) or Offered (Acceptor).
func New(id int64, account string, deps Deps) *Session {
	if deps.Sink == nil {
		deps.Sink = NoopEventSink{}
	}
	if deps.Log == nil {
		deps.Log = logging.Default().WithComponent("session")
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.DefaultRegisterer
	}
	sessionIDStr := fmt.Sprintf("%d", id)
	metrics := newMetricsRegistry(sessionIDStr)
	metrics.register(deps.Registry)

	s := &Session{
		ID:               id,
		Account:          account,
		Profile:          deps.Profile,
		log:              deps.Log.WithComponent("session").WithFields(logging.Int64("session_id", id)),
		metrics:          metrics,
		stats:            &Statistics{metrics: metrics},
		reg:              deps.Registry,
		sink:             deps.Sink,
		direction:        DirSendRecv,
		icePhase:         ICEPhaseDisabled,
		iceEnabled:       deps.Profile != nil && deps.Profile.ICEEnabled,
		heap:             deps.Heap,
		ice:              deps.ICE,
		mailbox:          make(chan func(), mailboxCapacity),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		sessionIDVersion: uint64(time.Now().Unix()),
	}
	s.fsm = newFSM()
	go s.loop()
	return s
}

func newFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			{Name: "start", Src: []string{string(StateCreated)}, Dst: string(StateOffering)},
			{Name: "offered", Src: []string{string(StateCreated)}, Dst: string(StateOffered)},
			{Name: "accept", Src: []string{string(StateOffered)}, Dst: string(StateAccepting)},
			{Name: "answer-sent", Src: []string{string(StateAccepting)}, Dst: string(StateConnected)},
			{Name: "provisional", Src: []string{string(StateOffering)}, Dst: string(StateEarly)},
			{Name: "established", Src: []string{string(StateOffering), string(StateEarly)}, Dst: string(StateConnected)},
			{Name: "refresh", Src: []string{string(StateConnected)}, Dst: string(StateConnected)},
			{Name: "reject", Src: []string{string(StateOffered), string(StateEarly), string(StateAccepting)}, Dst: string(StateTerminated)},
			{Name: "bye", Src: []string{
				string(StateCreated), string(StateOffering), string(StateOffered),
				string(StateEarly), string(StateAccepting), string(StateConnected),
			}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{},
	)
}

// State returns the session's current macro state.
func (s *Session) State() State { return State(s.fsm.Current()) }

// loop is the single-owner goroutine: every mutation to session state runs
// here, serialized, so dialog/ICE/socket-heap callbacks can post a closure
// and return immediately without blocking their own thread (§5 "sinks
// must not take the session graph's write lock").
func (s *Session) loop() {
	defer close(s.doneCh)
	for {
		select {
		case fn := <-s.mailbox:
			s.runRecovered(fn)
		case <-s.stopCh:
			// Drain any already-queued work before exiting so a Stop()
			// racing with an in-flight callback still completes.
			for {
				select {
				case fn := <-s.mailbox:
					s.runRecovered(fn)
				default:
					return
				}
			}
		}
	}
}

// runRecovered executes fn under a top-level recover, converting a panic
// into a log event rather than crashing the process (teacher's
// pkg/dialog/recovery.go pattern, SPEC_FULL §7).
func (s *Session) runRecovered(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(context.Background(), "recovered panic in session loop", logging.Any("panic", r))
		}
	}()
	fn()
}

// post enqueues fn onto the mailbox without waiting for completion, used by
// external callbacks (ICE, socket heap, dialog layer).
func (s *Session) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.stopCh:
	}
}

// do enqueues fn and blocks for its result, used by synchronous public API
// calls (Start, Accept, Reject, Stop, ...).
func (s *Session) do(fn func() error) error {
	done := make(chan error, 1)
	select {
	case s.mailbox <- func() { done <- fn() }:
	case <-s.stopCh:
		return ErrAlreadyTerminated
	}
	select {
	case err := <-done:
		return err
	case <-s.doneCh:
		return ErrAlreadyTerminated
	}
}

// nextOriginVersion returns the next strictly-increasing o/a version for
// outbound SDP (§3 invariant: "origin_version is strictly increasing
// across any SDP we emit").
func (s *Session) nextOriginVersion() uint64 {
	s.localOriginVersion++
	return s.localOriginVersion
}

// Start begins an outbound call (§4.1 `start(peer)`): legal only in
// Created. dialog is the already-allocated signaling handle (pkg/ua
// constructs it via the SIP stack; this package only drives it).
func (s *Session) Start(peer string, dialog Dialog) error {
	return s.do(func() error {
		if s.State() != StateCreated {
			return ErrWrongState
		}
		s.Role = RoleInitiator
		s.remoteURI = peer
		s.dialog = dialog
		if err := s.fsm.Event(context.Background(), "start"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if s.iceEnabled {
			s.icePhase = ICEPhaseGathering
			return s.startICEGathering()
		}
		s.icePhase = ICEPhaseDisabled
		return s.sendOfferLocked()
	})
}

// startICEGathering kicks off candidate gathering on every configured
// stream; onICEGathered (posted back onto the mailbox) sends the deferred
// offer/answer once gathering finishes.
func (s *Session) startICEGathering() error {
	for _, st := range s.streams {
		if st.ICEStream == nil {
			continue
		}
		streamCopy := st
		if err := st.ICEStream.GatherCandidates(func() {
			s.post(func() { s.onICEGathered(streamCopy) })
		}); err != nil {
			return fmt.Errorf("session: gathering candidates: %w", err)
		}
	}
	if len(s.streams) == 0 {
		// No media lines configured yet (e.g. media added asynchronously);
		// nothing to gather against, proceed as if complete.
		s.onICEGathered(nil)
	}
	return nil
}

func (s *Session) onICEGathered(stream *MediaStream) {
	if stream != nil {
		s.sink.OnCandidateGathered(s, stream.Index)
	}
	if s.icePhase == ICEPhaseFailed || s.State() == StateTerminated {
		return
	}
	s.icePhase = ICEPhaseComplete
	switch s.State() {
	case StateOffering:
		if err := s.sendOfferLocked(); err != nil {
			s.log.LogError(context.Background(), err, "sending offer after ICE gather")
		}
	case StateAccepting:
		if s.pendingAccept {
			if err := s.sendAnswerLocked(); err != nil {
				s.log.LogError(context.Background(), err, "sending deferred answer after ICE gather")
			}
		}
	}
}

// sendOfferLocked builds and transmits a new offer; caller must be running
// on the session loop.
func (s *Session) sendOfferLocked() error {
	sdpStr, err := s.buildSDP(DirectionOrDefault(s.direction))
	if err != nil {
		return fmt.Errorf("session: building offer: %w", err)
	}
	s.pendingOffer = true
	if err := s.dialog.SendOffer(sdpStr); err != nil {
		return fmt.Errorf("session: sending offer: %w", err)
	}
	return nil
}

// sendAnswerLocked builds and transmits the answer for a pending offer and
// advances the FSM to Connected.
func (s *Session) sendAnswerLocked() error {
	sdpStr, err := s.buildSDP(DirectionOrDefault(s.direction))
	if err != nil {
		return fmt.Errorf("session: building answer: %w", err)
	}
	if err := s.dialog.SendAnswer(sdpStr); err != nil {
		return fmt.Errorf("session: sending answer: %w", err)
	}
	s.lastAnswerSDP = sdpStr
	s.acceptedByEngine = true
	s.pendingAccept = false
	if err := s.fsm.Event(context.Background(), "answer-sent"); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.sink.OnEstablished(s, EstablishedSIP)
	return nil
}

// DirectionOrDefault returns d, or sendrecv if d is empty.
func DirectionOrDefault(d Direction) Direction {
	if d == "" {
		return DirSendRecv
	}
	return d
}

// buildSDP renders the session's current media streams into a
// SessionDescription string via pkg/sdpcodec. Only the first active
// stream is rendered today (audio-only per spec Non-goals); additional
// streams would each contribute one more `m=` line.
func (s *Session) buildSDP(dir Direction) (string, error) {
	if len(s.streams) == 0 {
		return "", fmt.Errorf("session: no media streams configured")
	}
	st := s.streams[0]
	params := sdpcodec.MediaParams{
		LocalIP:   s.Profile.LocalIP(),
		RTCPMux:   s.Profile.RTCPMux,
		Direction: sdpcodec.Direction(dir),
		Codecs:    codecsFromProfile(s.Profile),
	}
	if st.RTPSocket4 != nil {
		params.RTPPort = st.RTPSocket4.Port()
	}
	if st.RTCPSocket4 != nil {
		params.RTCPPort = st.RTCPSocket4.Port()
	} else {
		params.RTCPPort = params.RTPPort
	}
	if s.iceEnabled && st.ICEStream != nil {
		params.ICEUfrag, params.ICEPwd = st.ICEStream.LocalUfragPwd()
		params.Candidates = st.ICEStream.FillCandidateList(iceadapter.ComponentRTP)
	}
	if s.Profile.SRTPEnabled {
		params.SRTP = true
		if st.Provider != nil {
			psdp, err := st.Provider.BuildSDP(dir)
			if err != nil {
				return "", fmt.Errorf("session: provider building SDP: %w", err)
			}
			params.CryptoOffer = psdp.CryptoOffer
			params.CryptoChosen = psdp.CryptoChosen
			params.CryptoTag = psdp.CryptoTag
		}
	}
	desc, err := sdpcodec.Build(s.sessionIDVersion, params)
	if err != nil {
		return "", err
	}
	desc.Origin.SessionVersion = s.nextOriginVersion()
	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("session: marshaling SDP: %w", err)
	}
	return string(raw), nil
}

func codecsFromProfile(p *config.Profile) []sdpcodec.Codec {
	out := make([]sdpcodec.Codec, 0, len(p.CodecPriority))
	for _, c := range p.CodecPriority {
		out = append(out, sdpcodec.Codec{PayloadType: int(c.PayloadType), Name: c.Name, ClockRate: int(c.ClockRate)})
	}
	return out
}

// HandleRemoteOffer processes an inbound offer/re-offer per §4.1's version
// rules: version == last+1 is a new offer (re-process ICE, detect restart
// via ufrag/pwd mismatch); version == last re-sends the prior answer
// verbatim (timer refresh); any other value is tolerated as a new offer.
func (s *Session) HandleRemoteOffer(version uint64, remote *sdpcodec.Parsed) error {
	return s.do(func() error {
		if s.haveRemoteVersion && version == s.remoteOriginVersion && s.lastAnswerSDP != "" {
			return s.dialog.SendAnswer(s.lastAnswerSDP)
		}
		restart := s.haveRemoteVersion && remote.ICEUfrag != "" && len(s.streams) > 0 &&
			s.streams[0].ICEStream != nil && s.streams[0].RemoteUfrag != "" &&
			s.streams[0].RemoteUfrag != remote.ICEUfrag
		s.remoteOriginVersion = version
		s.haveRemoteVersion = true

		if s.State() == StateCreated {
			s.Role = RoleAcceptor
			if err := s.fsm.Event(context.Background(), "offered"); err != nil {
				return fmt.Errorf("session: %w", err)
			}
		}
		return s.applyRemoteMediaLocked(remote, restart)
	})
}

// HandleProvisional processes a SIP provisional response (180/183) on an
// outbound call, advancing Offering→Early (§4.1).
func (s *Session) HandleProvisional() error {
	return s.do(func() error {
		if s.State() != StateOffering {
			return nil
		}
		if err := s.fsm.Event(context.Background(), "provisional"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.sink.OnProvisional(s)
		return nil
	})
}

// HandleRemoteAnswer processes the SDP answer to our own offer (§4.1): for
// ICE-less calls the 200 OK itself proves the media path; with ICE enabled,
// establishment instead waits for HandleConnectivitySuccess.
func (s *Session) HandleRemoteAnswer(remote *sdpcodec.Parsed) error {
	return s.do(func() error {
		st := s.State()
		if st != StateOffering && st != StateEarly {
			return ErrWrongState
		}
		if err := s.applyRemoteMediaLocked(remote, false); err != nil {
			return err
		}
		s.pendingOffer = false
		if s.iceEnabled {
			return nil
		}
		if err := s.fsm.Event(context.Background(), "established"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.acceptedByEngine = true
		s.sink.OnEstablished(s, EstablishedSIP)
		return nil
	})
}

// HandleConnectivitySuccess marks a session established once ICE
// connectivity checks succeed on the given stream's components (§4.1).
func (s *Session) HandleConnectivitySuccess(streamIndex int) error {
	return s.do(func() error {
		st := s.State()
		if st != StateOffering && st != StateEarly {
			return nil
		}
		s.icePhase = ICEPhaseComplete
		if err := s.fsm.Event(context.Background(), "established"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.acceptedByEngine = true
		s.sink.OnEstablished(s, EstablishedICE)
		return nil
	})
}

// HandleConnectivityFailed reports an ICE checklist failure (§4.1
// `connectivity_failed` event) without itself tearing the session down —
// the caller decides whether to Stop() or RefreshMediaPath().
func (s *Session) HandleConnectivityFailed(streamIndex int) error {
	return s.do(func() error {
		s.icePhase = ICEPhaseFailed
		s.sink.OnConnectivityFailed(s)
		return nil
	})
}

func (s *Session) applyRemoteMediaLocked(remote *sdpcodec.Parsed, iceRestart bool) error {
	if len(s.streams) == 0 {
		st, err := s.allocateStreamLocked(0)
		if err != nil {
			return err
		}
		s.streams = append(s.streams, st)
	}
	st := s.streams[0]

	if remote.Direction == sdpcodec.DirInactive {
		st.Release(s.heap, s.ice, fmt.Sprintf("%d:%d", s.ID, st.Index))
		return nil
	}

	compatible := false
	for _, rc := range remote.Codecs {
		for _, lc := range s.Profile.CodecPriority {
			if int(lc.PayloadType) == rc.PayloadType {
				compatible = true
			}
		}
	}
	if !compatible {
		if err := s.dialog.Reject(488); err != nil {
			s.log.LogError(context.Background(), err, "sending 488 for no-compatible-codec")
		}
		return ErrNoCompatibleCodec
	}

	st.RemoteRTCPMux = remote.RTCPMux

	if remote.ICEUfrag != "" && st.ICEStream != nil {
		if err := st.ICEStream.ProcessSDPOffer(remote.ICEUfrag, remote.ICEPwd, remote.Candidates, remote.RemoteIP, remote.RTPPort, false); err != nil {
			return fmt.Errorf("session: processing remote ICE candidates: %w", err)
		}
		st.RemoteUfrag = remote.ICEUfrag
		if iceRestart {
			s.icePhase = ICEPhaseChecking
		}
	} else if remote.RemoteIP != "" {
		st.RemoteAddr = &net.UDPAddr{IP: net.ParseIP(remote.RemoteIP), Port: remote.RTPPort}
	}

	if st.Provider != nil {
		payloadTypes := make([]int, 0, len(remote.Codecs))
		for _, c := range remote.Codecs {
			payloadTypes = append(payloadTypes, c.PayloadType)
		}
		var cryptoOffer []*srtp.KeySalt
		for _, c := range remote.Crypto {
			cryptoOffer = append(cryptoOffer, c.Key)
		}
		if err := st.Provider.ApplyRemoteSDP(ProviderSDP{
			RTPPort:      remote.RTPPort,
			RTCPPort:     remote.RTCPPort,
			RTCPMux:      remote.RTCPMux,
			PayloadTypes: payloadTypes,
			Direction:    Direction(remote.Direction),
			ICEUfrag:     remote.ICEUfrag,
			ICEPwd:       remote.ICEPwd,
			RemoteIP:     remote.RemoteIP,
			SRTP:         remote.SRTP,
			CryptoOffer:  cryptoOffer,
		}); err != nil {
			return fmt.Errorf("session: provider applying remote SDP: %w", err)
		}
	}

	return nil
}

func (s *Session) allocateStreamLocked(index int) (*MediaStream, error) {
	st := &MediaStream{Index: index}
	rtpSink := sockSink{s: s, streamIndex: index, component: iceadapter.ComponentRTP}
	rtcpSink := sockSink{s: s, streamIndex: index, component: iceadapter.ComponentRTCP}
	rtp, rtcp, err := s.heap.AllocSocketPair(rtpSink, rtcpSink, s.Profile.RTCPMux)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	st.RTPSocket4 = rtp
	st.RTCPSocket4 = rtcp
	if s.iceEnabled && s.ice != nil {
		streamID := fmt.Sprintf("%d:%d", s.ID, index)
		iceStream, err := s.ice.AddStream(streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		if _, err := iceStream.AddComponent(iceadapter.ComponentRTP, s.ice); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		if !s.Profile.RTCPMux {
			if _, err := iceStream.AddComponent(iceadapter.ComponentRTCP, s.ice); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
			}
		}
		st.ICEStream = iceStream
	}
	return st, nil
}

// sockSink adapts a Session to sockheap.Sink, dispatching datagrams back
// onto the session loop rather than handling them on the I/O goroutine
// (§5: "sinks must not take the session graph's write lock"). Each stream's
// RTP and RTCP socket gets its own sockSink value so the provider learns
// which plane a datagram actually arrived on, rather than every datagram
// being reported as RTP regardless of which socket received it.
type sockSink struct {
	s           *Session
	streamIndex int
	component   iceadapter.ComponentID
}

func (sk sockSink) OnDatagram(payload []byte, from net.Addr) {
	sk.s.post(func() { sk.s.onDatagramLocked(sk.streamIndex, sk.component, payload) })
}

func (s *Session) onDatagramLocked(streamIndex int, component iceadapter.ComponentID, payload []byte) {
	if streamIndex >= len(s.streams) || s.streams[streamIndex].Provider == nil {
		return
	}
	if err := s.streams[streamIndex].Provider.OnIncomingDatagram(payload, int(component)); err != nil {
		s.stats.AddDropped()
	}
}

// Accept answers a pending offer (§4.1 `accept()`): legal only in Offered.
func (s *Session) Accept() error {
	return s.do(func() error {
		if s.State() != StateOffered {
			return ErrWrongState
		}
		if err := s.fsm.Event(context.Background(), "accept"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.acceptedByUser = true
		if s.icePhase == ICEPhaseComplete || s.icePhase == ICEPhaseDisabled {
			return s.sendAnswerLocked()
		}
		s.pendingAccept = true
		return nil
	})
}

// Reject declines a pending offer with a SIP status code (§4.1
// `reject(code)`): legal in Offered/Early/Accepting.
func (s *Session) Reject(code int) error {
	return s.do(func() error {
		st := s.State()
		if st != StateOffered && st != StateEarly && st != StateAccepting {
			return ErrWrongState
		}
		if err := s.dialog.Reject(code); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if err := s.fsm.Event(context.Background(), "reject"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.finishTerminateLocked(ReasonRejected)
		return nil
	})
}

// Stop ends the session from any non-terminated state (§4.1 `stop()`).
func (s *Session) Stop() error {
	return s.do(func() error {
		if s.State() == StateTerminated {
			return nil
		}
		if s.dialog != nil {
			if err := s.dialog.Bye(); err != nil {
				s.log.LogError(context.Background(), err, "sending bye")
			}
		}
		if err := s.fsm.Event(context.Background(), "bye"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.finishTerminateLocked(ReasonLocalBye)
		return nil
	})
}

// HandleRemoteBye processes a peer-initiated BYE, tearing the session down
// with ReasonRemoteBye (§4.1).
func (s *Session) HandleRemoteBye() error {
	return s.do(func() error {
		if s.State() == StateTerminated {
			return nil
		}
		if err := s.fsm.Event(context.Background(), "bye"); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.finishTerminateLocked(ReasonRemoteBye)
		return nil
	})
}

// finishTerminateLocked releases every stream, unregisters metrics, and
// fires session_terminated exactly once (guarded by the atomic terminated
// flag per §3's "transitions to terminated exactly once" invariant).
func (s *Session) finishTerminateLocked(reason TerminatedReason) {
	if !atomic.CompareAndSwapInt32(&s.terminated, 0, 1) {
		return
	}
	for i, st := range s.streams {
		st.Release(s.heap, s.ice, fmt.Sprintf("%d:%d", s.ID, i))
	}
	s.metrics.unregister(s.reg)
	s.sink.OnTerminated(s, reason)
}

// Pause toggles each provider to stop sending while still receiving, and
// schedules a re-offer reflecting the new direction (§4.1 `pause()`,
// testable property: direction flips to sendonly).
func (s *Session) Pause() error {
	return s.do(func() error {
		if s.State() != StateConnected {
			return ErrWrongState
		}
		s.direction = DirSendOnly
		for _, st := range s.streams {
			if st.Provider != nil {
				if err := st.Provider.Pause(); err != nil {
					return err
				}
			}
		}
		return s.reofferLocked()
	})
}

// Resume restores sendrecv and re-arms encoding (§4.1 `resume()`).
func (s *Session) Resume() error {
	return s.do(func() error {
		if s.State() != StateConnected {
			return ErrWrongState
		}
		s.direction = DirSendRecv
		for _, st := range s.streams {
			if st.Provider != nil {
				if err := st.Provider.Resume(); err != nil {
					return err
				}
			}
		}
		return s.reofferLocked()
	})
}

func (s *Session) reofferLocked() error {
	if err := s.fsm.Event(context.Background(), "refresh"); err != nil {
		// Connected -> Connected is a self-transition, which looplab/fsm
		// reports as NoTransitionError; that is not a failure here.
		if _, ok := err.(fsm.NoTransitionError); !ok {
			return fmt.Errorf("session: %w", err)
		}
	}
	return s.sendOfferLocked()
}

// RefreshMediaPath closes and reallocates media sockets, requests new ICE
// ufrag/pwd, and re-gathers, marking "send offer after gather finished"
// (§4.1 `refreshMediaPath()` — network-change recovery). Statistics
// counters are not reset (§8 scenario 4).
func (s *Session) RefreshMediaPath() error {
	return s.do(func() error {
		if s.State() == StateTerminated {
			return ErrAlreadyTerminated
		}
		for i, st := range s.streams {
			oldIndex := st.Index
			st.Release(s.heap, s.ice, fmt.Sprintf("%d:%d", s.ID, oldIndex))
			fresh, err := s.allocateStreamLocked(oldIndex)
			if err != nil {
				return err
			}
			fresh.Provider = st.Provider // media provider carries over across path refresh
			s.streams[i] = fresh
		}
		if s.iceEnabled {
			s.icePhase = ICEPhaseGathering
			return s.startICEGathering()
		}
		return s.sendOfferLocked()
	})
}

// AddStream appends a new, as-yet-unbound media stream placeholder,
// allocating its sockets and ICE identity. Called by pkg/ua when wiring a
// provider to the session.
func (s *Session) AddStream() (*MediaStream, error) {
	var out *MediaStream
	err := s.do(func() error {
		st, err := s.allocateStreamLocked(len(s.streams))
		if err != nil {
			return err
		}
		s.streams = append(s.streams, st)
		out = st
		return nil
	})
	return out, err
}

// EnsureStream returns the session's first media stream, allocating one if
// none exists yet. An inbound session already has stream 0 by the time its
// first offer arrives (applyRemoteMediaLocked allocates it eagerly); an
// outbound session does not until pkg/ua calls this before Start. Either
// way, pkg/ua wants to bind a Provider to exactly one stream, never a
// second one layered on top.
func (s *Session) EnsureStream() (*MediaStream, error) {
	var out *MediaStream
	err := s.do(func() error {
		if len(s.streams) > 0 {
			out = s.streams[0]
			return nil
		}
		st, err := s.allocateStreamLocked(0)
		if err != nil {
			return err
		}
		s.streams = append(s.streams, st)
		out = st
		return nil
	})
	return out, err
}

// StreamCount reports how many media streams the session currently holds.
func (s *Session) StreamCount() int {
	var n int
	_ = s.do(func() error {
		n = len(s.streams)
		return nil
	})
	return n
}

// Statistics returns a point-in-time snapshot of the session's counters.
func (s *Session) Statistics() Statistics {
	return s.stats.Snapshot()
}

// Close stops the session's loop goroutine without sending a BYE — used
// after Stop()/Reject() have already finished the dialog, or when
// discarding a session that never left Created.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

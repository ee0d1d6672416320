package ua

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/arzzra/go-uacore/pkg/audio"
	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/iceadapter"
	"github.com/arzzra/go-uacore/pkg/media"
	"github.com/arzzra/go-uacore/pkg/mixer"
	"github.com/arzzra/go-uacore/pkg/rtp"
	"github.com/arzzra/go-uacore/pkg/session"
	"github.com/arzzra/go-uacore/pkg/sockheap"
	"github.com/arzzra/go-uacore/pkg/srtp"
	"github.com/arzzra/go-uacore/pkg/wavfile"
)

// rtcpReportInterval is how often a provider sends its own RTCP sender
// report, so the peer can echo receiver reports we can turn into an RTT
// sample (RFC 3550 §6.2 suggests 5s as a sane non-adaptive default).
const rtcpReportInterval = 5 * time.Second

// dtmfPayloadType is the RFC 2833/4733 telephone-event payload type this
// module advertises in SDP (§6 "telephone-event/<rate>").
const dtmfPayloadType = 101

// audioProvider is the session.Provider audio implementation: it owns no
// socket itself (§4.5: the socket heap is the sole owner of UDP sockets)
// and instead reads/writes through the sockheap.Handle pair the session
// already allocated, encoding/decoding with a media.Codec and
// protecting/unprotecting with an optional pkg/srtp.Session. This
// supersedes the teacher's pkg/rtp.Session/Transport, which binds its own
// socket and therefore cannot share one with pkg/sockheap.
type audioProvider struct {
	mu sync.Mutex

	rtpHandle  *sockheap.Handle
	rtcpHandle *sockheap.Handle

	codecs         []media.Codec // priority order, per §4.2
	chosen         media.Codec
	remotePTs      []int
	direction      session.Direction
	remoteAddr     *net.UDPAddr
	remoteRTCPAddr *net.UDPAddr

	ssrc      uint32
	seq       uint32
	timestamp uint32

	// lastTransitMs/haveLastTransit track the RFC 3550 §6.4.1 jitter
	// estimator's running transit-time sample across received RTP
	// packets.
	lastTransitMs   float64
	haveLastTransit bool

	rtcpStop chan struct{}

	jitter       *media.JitterBuffer
	dtmfSender   *media.DTMFSender
	dtmfReceiver *media.DTMFReceiver
	toneGen      *media.DTMFToneGenerator

	// deviceRate/resamplers convert the device callback's fixed-rate PCM to
	// and from the negotiated codec's rate (§4.2 send-path step 3, receive
	// path's mirror splice); captureWindow is the sliding PCM window that
	// accumulates resampled audio until a full codec frame is available
	// (§2 "Sliding PCM window").
	deviceRate    audio.Rate
	resamplers    *audio.Set
	captureWindow *audio.Window

	// wavReadSink, when set, overwrites every outgoing device-rate frame
	// with samples read from a wav file instead of the live capture (§4.2
	// send-path step 1, "wav-read-outgoing").
	wavReadSink *wavfile.Reader

	// mirrorEnabled/mirrorBuf implement the loopback self-test: when on,
	// the outgoing frame is overwritten with previously-received audio
	// instead of the live microphone (§4.2 send-path step 2). mirrorBuf is
	// fed device-rate PCM from the receive path in DecodeNext.
	mirrorEnabled bool
	mirrorBuf     *audio.Window

	srtpEnabled     bool
	supportedSuites []srtp.Suite
	offeredKeys     map[srtp.Suite]*srtp.KeySalt
	chosenSuite     srtp.Suite
	srtpSession     *srtp.Session

	paused bool
	closed bool

	// recordSink mirrors every decoded receive-path frame to a wav file
	// (§4 data model's "Audio stream ... optional wav read/write sinks",
	// wired through use_stream_for_session's "wav" mode). Nil unless a
	// caller has attached one.
	recordSink *wavfile.Writer

	// confMixer/confKey, when confMixer is non-nil, route this provider's
	// decoded receive-path frames into a shared mixer.Mixer (§4.3) keyed by
	// confKey/ssrc instead of playing them back solo, and DecodeNext returns
	// the mix of every active channel, this provider's own included (no
	// channel is left out of the mix) — wired through
	// use_stream_for_session's "mixer" mode.
	confMixer *mixer.Mixer
	confKey   interface{}

	stats *session.Statistics
}

// ChosenCodec returns the codec currently negotiated for this provider, so
// callers (e.g. a wav recording sink) can match its sample rate/channels.
func (p *audioProvider) ChosenCodec() media.Codec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chosen
}

// SetRecordSink attaches (or, with nil, detaches) a wav writer that mirrors
// every frame this provider decodes off the receive path. The caller owns
// the writer's lifetime — closing the previous one, if any, is the
// caller's responsibility.
func (p *audioProvider) SetRecordSink(w *wavfile.Writer) {
	p.mu.Lock()
	p.recordSink = w
	p.mu.Unlock()
}

// SetMixer joins this provider's receive path to a shared conference mixer
// under key (or, with m nil, leaves whatever mixer it was previously
// joined to — callers should UnregisterChannel(key) first when tearing a
// session down).
func (p *audioProvider) SetMixer(m *mixer.Mixer, key interface{}) {
	p.mu.Lock()
	p.confMixer = m
	p.confKey = key
	p.mu.Unlock()
}

// SetWavReadSink attaches (or, with nil, detaches) a wav reader whose
// samples overwrite the send path's device-rate buffer instead of the live
// microphone capture (§4.2 send-path step 1, "wav-read-outgoing").
func (p *audioProvider) SetWavReadSink(r *wavfile.Reader) {
	p.mu.Lock()
	p.wavReadSink = r
	p.mu.Unlock()
}

// SetMirror toggles the loopback self-test: while on, the send path plays
// back previously-received audio instead of the live microphone (§4.2
// send-path step 2, "mirror is on and prebuffered").
func (p *audioProvider) SetMirror(enabled bool) {
	p.mu.Lock()
	p.mirrorEnabled = enabled
	if !enabled {
		p.mirrorBuf.Reset()
	}
	p.mu.Unlock()
}

// QueueInbandDTMF queues duration d of digit's inband tone to splice into
// the outgoing audio stream (§4.2 send-path step 5, §8's inband queuing
// law), as an alternative to the RFC 4733 out-of-band SendDTMF path.
func (p *audioProvider) QueueInbandDTMF(digit media.DTMFDigit, d time.Duration) {
	p.mu.Lock()
	gen := p.toneGen
	p.mu.Unlock()
	gen.Queue(digit, d)
}

// newAudioProvider builds a provider for one media stream's RTP/RTCP
// socket pair, offering codecs in the priority order of profile's
// CodecPriority (entries this module doesn't implement a codec for are
// skipped — §4.2 "a static priority list picks the first mutually
// supported entry").
func newAudioProvider(rtpH, rtcpH *sockheap.Handle, profile *config.Profile) (*audioProvider, error) {
	codecs := codecsFromProfile(profile)
	if len(codecs) == 0 {
		return nil, fmt.Errorf("ua: no implemented codec in profile's codec priority list")
	}

	jb, err := media.NewJitterBuffer(media.JitterBufferConfig{
		BufferSize:   profile.JitterHigh,
		InitialDelay: time.Duration(profile.JitterPrebuffer) * time.Millisecond,
		PacketTime:   codecs[0].FrameDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("ua: building jitter buffer: %w", err)
	}

	const deviceRate = audio.Rate8k // AUDIO_SAMPLERATE (§4.2 send path), 8kHz mono

	frameSamples := codecs[0].PayloadSize()
	p := &audioProvider{
		rtpHandle:     rtpH,
		rtcpHandle:    rtcpH,
		codecs:        codecs,
		chosen:        codecs[0],
		direction:     session.DirSendRecv,
		ssrc:          randomSSRC(),
		jitter:        jb,
		dtmfSender:    media.NewDTMFSender(dtmfPayloadType),
		dtmfReceiver:  media.NewDTMFReceiver(dtmfPayloadType),
		toneGen:       media.NewDTMFToneGenerator(int(codecs[0].SampleRate())),
		deviceRate:    deviceRate,
		resamplers:    audio.NewSet(deviceRate),
		captureWindow: audio.NewWindow(frameSamples * 4),
		mirrorBuf:     audio.NewWindow(int(deviceRate) / 2), // 500ms of loopback history
		stats:         &session.Statistics{},
		rtcpStop:      make(chan struct{}),
	}
	p.dtmfSender.SetSSRC(p.ssrc)
	go p.runRTCPReports()

	if profile.SRTPEnabled {
		p.srtpEnabled = true
		p.supportedSuites = []srtp.Suite{srtp.SuiteAES128CM_SHA1_80, srtp.SuiteAES256CM_SHA1_80}
		p.offeredKeys = make(map[srtp.Suite]*srtp.KeySalt, len(p.supportedSuites))
		for _, suite := range p.supportedSuites {
			ks, err := srtp.GenerateKeySalt(suite)
			if err != nil {
				return nil, fmt.Errorf("ua: generating SRTP key for %s: %w", suite, err)
			}
			p.offeredKeys[suite] = ks
		}
	}

	return p, nil
}

// runRTCPReports periodically sends an RTCP sender report on the RTCP
// socket so the peer's receiver reports carry an LSR/DLSR pair we can turn
// into an RTT sample in OnIncomingDatagram. Stops when Close fires
// rtcpStop.
func (p *audioProvider) runRTCPReports() {
	ticker := time.NewTicker(rtcpReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.rtcpStop:
			return
		case <-ticker.C:
			p.sendRTCPSenderReport()
		}
	}
}

// sendRTCPSenderReport builds and writes one RTCP SR for this provider's
// send-path SSRC, recording its NTP timestamp so a later receiver report
// referencing it can be turned into an RTT sample.
func (p *audioProvider) sendRTCPSenderReport() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	handle := p.rtcpHandle
	addr := p.remoteRTCPAddr
	if addr == nil {
		addr = p.remoteAddr
	}
	if handle == nil || addr == nil {
		p.mu.Unlock()
		return
	}
	ssrc := p.ssrc
	ts := atomic.LoadUint32(&p.timestamp)
	sent := p.stats.Snapshot()
	p.mu.Unlock()

	now := time.Now()
	ntp := rtp.NTPTimestamp(now)
	sr := rtp.NewSenderReport(ssrc, ntp, ts, uint32(sent.SentRTPCount), uint32(sent.SentRTPBytes))
	raw, err := sr.Marshal()
	if err != nil {
		return
	}
	if _, err := handle.WriteTo(raw, addr); err != nil {
		return
	}
}

func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// codecsFromProfile maps the profile's CodecPriority entries onto the
// codecs this module actually implements (§4.2: PCMU/PCMA; entries this
// module has no implementation for, e.g. G.722/GSM, are skipped rather
// than offered and then failing to encode).
func codecsFromProfile(profile *config.Profile) []media.Codec {
	var out []media.Codec
	for _, entry := range profile.CodecPriority {
		switch entry.PayloadType {
		case 0:
			out = append(out, media.NewPCMUCodec())
		case 8:
			out = append(out, media.NewPCMACodec())
		}
	}
	if len(out) == 0 {
		out = []media.Codec{media.NewPCMUCodec(), media.NewPCMACodec()}
	}
	return out
}

// ProcessSendFrame runs one device-rate PCM frame through the full send
// path (§4.2 steps 1-7): optional wav-read-outgoing overwrite, optional
// mirror/loopback splice, resample to the codec's rate, optional inband
// DTMF splice, accumulate into the sliding capture window, and emit one RTP
// packet per full codec frame the window yields.
func (p *audioProvider) ProcessSendFrame(ctx context.Context, devicePCM []int16) error {
	p.mu.Lock()
	if p.closed || p.paused || p.direction == session.DirRecvOnly || p.direction == session.DirInactive {
		p.mu.Unlock()
		return nil
	}
	if p.remoteAddr == nil {
		p.mu.Unlock()
		return nil
	}
	codec := p.chosen
	handle := p.rtpHandle
	addr := p.remoteAddr
	srtpSess := p.srtpSession
	wavRead := p.wavReadSink
	mirrorOn := p.mirrorEnabled
	mirrorBuf := p.mirrorBuf
	resamplers := p.resamplers
	deviceRate := p.deviceRate
	window := p.captureWindow
	toneGen := p.toneGen
	p.mu.Unlock()

	frame := make([]int16, len(devicePCM))
	copy(frame, devicePCM)

	// 1. wav-read-outgoing overwrite.
	if wavRead != nil {
		n, err := wavRead.ReadSamples(frame)
		if err != nil && err != io.EOF {
			return fmt.Errorf("ua: reading wav-read-outgoing source: %w", err)
		}
		for i := n; i < len(frame); i++ {
			frame[i] = 0
		}
	}

	// 2. mirror/loopback splice, only once enough receive-path history has
	// accumulated to fill the whole frame.
	if mirrorOn && mirrorBuf != nil && mirrorBuf.Available() >= len(frame) {
		mirrorBuf.Read(frame)
	}

	// 3. resample device rate -> codec rate (channel conversion is a no-op:
	// every codec this module implements is mono, matching the device).
	codecPCM := frame
	if resamplers != nil && audio.Rate(codec.SampleRate()) != deviceRate {
		codecPCM = resamplers.FromDevice(audio.Rate(codec.SampleRate()), frame)
	}

	// 5. inband DTMF splice, replacing audio outright while a tone plays.
	if toneGen != nil && toneGen.Active() {
		toneGen.Fill(codecPCM)
	}

	// 6. accumulate into the sliding window and emit one packet per full
	// codec frame it yields (usually exactly one per call).
	if window == nil {
		return p.sendEncodedFrame(codecPCM, codec, handle, addr, srtpSess)
	}
	window.Write(codecPCM)
	frameSamples := codec.PayloadSize()
	chunk := make([]int16, frameSamples)
	for window.Available() >= frameSamples {
		window.Read(chunk)
		if err := p.sendEncodedFrame(chunk, codec, handle, addr, srtpSess); err != nil {
			return err
		}
	}
	return nil
}

// sendEncodedFrame encodes one codec-rate PCM frame, packetizes it as RTP,
// optionally protects it with SRTP, and writes it to the remote peer (§4.2
// send-path steps 6-7).
func (p *audioProvider) sendEncodedFrame(pcm []int16, codec media.Codec, handle *sockheap.Handle, addr *net.UDPAddr, srtpSess *srtp.Session) error {
	payload := codec.NewEncoder().Encode(pcm)

	seq := uint16(atomic.AddUint32(&p.seq, 1))
	ts := atomic.AddUint32(&p.timestamp, uint32(len(pcm)))

	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    codec.PayloadType(),
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("ua: marshaling RTP packet: %w", err)
	}
	if srtpSess != nil {
		raw, err = srtpSess.ProtectRTP(raw)
		if err != nil {
			return fmt.Errorf("ua: protecting RTP packet: %w", err)
		}
	}
	if _, err := handle.WriteTo(raw, addr); err != nil {
		return fmt.Errorf("ua: writing RTP packet: %w", err)
	}
	p.stats.AddSentRTP(len(raw))
	return nil
}

// OnIncomingDatagram is the socket heap's sink callback for this stream
// (§4.2 receive path): SRTP-unprotect, parse the RTP header, hand DTMF
// events to the receiver, and everything else to the jitter buffer.
func (p *audioProvider) OnIncomingDatagram(payload []byte, fromComponent int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	srtpSess := p.srtpSession
	p.mu.Unlock()

	if iceadapter.ComponentID(fromComponent) == iceadapter.ComponentRTCP {
		p.onIncomingRTCP(payload)
		return nil
	}

	raw := payload
	if srtpSess != nil {
		plain, err := srtpSess.UnprotectRTP(payload)
		if err != nil {
			p.stats.AddDecryptFailure()
			p.stats.AddDropped()
			return nil
		}
		raw = plain
	}

	pkt := &pionrtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		p.stats.AddDropped()
		return fmt.Errorf("ua: unmarshaling RTP packet: %w", err)
	}

	if pkt.PayloadType == dtmfPayloadType {
		if _, err := p.dtmfReceiver.ProcessPacket(pkt); err != nil {
			p.stats.AddDropped()
		}
		return nil
	}

	p.stats.AddReceivedRTP(len(raw))
	p.updateJitterLocked(pkt)
	if err := p.jitter.Put(pkt); err != nil {
		p.stats.AddDropped()
	}
	return nil
}

// updateJitterLocked feeds one received RTP packet's arrival into the RFC
// 3550 §6.4.1 transit-time jitter estimator. transit is arrival wall-clock
// time minus the packet's media-clock timestamp, both expressed in ms;
// only the delta between successive transit samples is meaningful, so the
// first packet after a (re)start just primes lastTransitMs.
func (p *audioProvider) updateJitterLocked(pkt *pionrtp.Packet) {
	p.mu.Lock()
	codec := p.chosen
	p.mu.Unlock()
	rate := codec.SampleRate()
	if rate == 0 {
		return
	}
	arrivalMs := float64(time.Now().UnixNano()) / 1e6
	tsMs := float64(pkt.Timestamp) * 1000 / float64(rate)
	transit := arrivalMs - tsMs

	p.mu.Lock()
	if !p.haveLastTransit {
		p.lastTransitMs = transit
		p.haveLastTransit = true
		p.mu.Unlock()
		return
	}
	delta := transit - p.lastTransitMs
	p.lastTransitMs = transit
	p.mu.Unlock()

	p.stats.UpdateJitter(delta)
}

// onIncomingRTCP parses an RTCP datagram arriving on this stream's RTCP
// plane. A receiver report carrying a reception block for our own SSRC
// with a non-zero LastSR echoes one of our sent sender reports' NTP
// timestamp, letting us compute an RTT sample (RFC 3550 §6.4.1's "delay
// since last SR" calculation, using the middle 32 bits of NTP time as the
// common clock).
func (p *audioProvider) onIncomingRTCP(payload []byte) {
	p.stats.AddReceivedRTCP(len(payload))
	pkt, err := rtp.ParseRTCPPacket(payload)
	if err != nil {
		return
	}

	var reports []rtp.ReceptionReport
	switch v := pkt.(type) {
	case *rtp.ReceiverReport:
		reports = v.ReceptionReports
	case *rtp.SenderReport:
		reports = v.ReceptionReports
	default:
		return
	}

	p.mu.Lock()
	ssrc := p.ssrc
	p.mu.Unlock()

	now := rtp.NTPTimestamp(time.Now())
	nowMid := uint32(now >> 16)
	for _, rr := range reports {
		if rr.SSRC != ssrc || rr.LastSR == 0 {
			continue
		}
		roundTrip := nowMid - rr.LastSR - rr.DelaySinceLastSR
		rttMs := float64(roundTrip) * 1000 / 65536
		if rttMs < 0 || rttMs > 60000 {
			continue
		}
		p.stats.UpdateRTT(rttMs)
	}
}

// DecodeNext pulls the next ready packet out of the jitter buffer and
// decodes it into linear PCM, for the playback side of the receive path.
// Returns ok=false when nothing is ready yet.
func (p *audioProvider) DecodeNext() (pcm []int16, ok bool) {
	pkt, ready := p.jitter.Get()
	if !ready || pkt == nil {
		return nil, false
	}
	p.mu.Lock()
	codec := p.chosen
	sink := p.recordSink
	confMixer := p.confMixer
	confKey := p.confKey
	ssrc := p.ssrc
	resamplers := p.resamplers
	deviceRate := p.deviceRate
	mirrorBuf := p.mirrorBuf
	p.mu.Unlock()

	pcm = codec.NewDecoder().Decode(pkt.Payload)
	out := pcm
	if confMixer != nil {
		rate := audio.Rate(codec.SampleRate())
		confMixer.AddPCM(confKey, ssrc, pcm, rate, false)
		out = confMixer.MixAndGetPCM(len(pcm))
	}
	if sink != nil {
		if err := sink.WriteSamples(out); err != nil {
			p.stats.AddDropped()
		}
	}
	if resamplers != nil && mirrorBuf != nil {
		mirrorBuf.Write(resamplers.ToDevice(audio.Rate(codec.SampleRate()), out))
	}
	return out, true
}

// SendDTMF drives one full RFC 4733 telephone-event for digit: one event
// packet per packet-time tick spanning duration, each carrying cumulative
// elapsed duration, followed by three end-of-event packets (§4.2, §8
// Scenario 5: 160ms at packet_time=20ms yields 8 event packets + 3
// terminators with monotonic durations and marker=1 on the first only).
func (p *audioProvider) SendDTMF(digit media.DTMFDigit, duration time.Duration) error {
	p.mu.Lock()
	handle := p.rtpHandle
	addr := p.remoteAddr
	srtpSess := p.srtpSession
	packetTime := p.chosen.FrameDuration()
	ts := atomic.LoadUint32(&p.timestamp)
	p.mu.Unlock()
	if addr == nil {
		return fmt.Errorf("ua: no remote address for DTMF send")
	}
	if packetTime <= 0 {
		packetTime = 20 * time.Millisecond
	}

	p.dtmfSender.StartDigit(digit, -10, ts)
	ticks := int((duration + packetTime - 1) / packetTime) // ⌈duration/packet_time⌉, §8
	for i := 0; i < ticks; i++ {
		pkt, err := p.dtmfSender.Tick(packetTime)
		if err != nil {
			return fmt.Errorf("ua: advancing DTMF event: %w", err)
		}
		if err := p.writeDTMFPacket(pkt, handle, addr, srtpSess); err != nil {
			return err
		}
	}
	endPkts, err := p.dtmfSender.EndDigit()
	if err != nil {
		return fmt.Errorf("ua: ending DTMF event: %w", err)
	}
	for _, pkt := range endPkts {
		if err := p.writeDTMFPacket(pkt, handle, addr, srtpSess); err != nil {
			return err
		}
	}
	return nil
}

func (p *audioProvider) writeDTMFPacket(pkt *pionrtp.Packet, handle *sockheap.Handle, addr *net.UDPAddr, srtpSess *srtp.Session) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("ua: marshaling DTMF packet: %w", err)
	}
	if srtpSess != nil {
		raw, err = srtpSess.ProtectRTP(raw)
		if err != nil {
			return fmt.Errorf("ua: protecting DTMF packet: %w", err)
		}
	}
	if _, err := handle.WriteTo(raw, addr); err != nil {
		return fmt.Errorf("ua: writing DTMF packet: %w", err)
	}
	return nil
}

// OnDTMF registers the callback invoked per received DTMF digit.
func (p *audioProvider) OnDTMF(cb func(media.DTMFEvent)) {
	p.dtmfReceiver.SetCallback(cb)
}

// BuildSDP renders this provider's codec/port/SRTP state into the
// session-level SDP builder's input (§4.2 "Codec factory surface").
func (p *audioProvider) BuildSDP(dir session.Direction) (session.ProviderSDP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := session.ProviderSDP{
		RTPPort:   p.rtpHandle.Port(),
		Direction: dir,
	}
	if p.rtcpHandle != nil {
		out.RTCPPort = p.rtcpHandle.Port()
	} else {
		out.RTCPPort = out.RTPPort
		out.RTCPMux = true
	}
	for _, c := range p.codecs {
		out.PayloadTypes = append(out.PayloadTypes, int(c.PayloadType()))
	}

	if p.srtpEnabled {
		out.SRTP = true
		if p.chosenSuite != "" {
			out.CryptoChosen = p.offeredKeys[p.chosenSuite]
			out.CryptoTag = 1
		} else {
			for _, suite := range p.supportedSuites {
				out.CryptoOffer = append(out.CryptoOffer, p.offeredKeys[suite])
			}
		}
	}
	return out, nil
}

// ApplyRemoteSDP updates the codec choice, remote send address, and SRTP
// keying from the peer's SDP for this media line (§4.2 receive path setup).
func (p *audioProvider) ApplyRemoteSDP(remote session.ProviderSDP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.direction = remoteDirectionToLocal(remote.Direction)

	if codec, ok := media.CodecPriority(p.codecs, remote.PayloadTypes); ok {
		p.chosen = codec
	} else if len(remote.PayloadTypes) > 0 {
		return session.ErrNoCompatibleCodec
	}

	if remote.RemoteIP != "" && remote.RTPPort != 0 {
		ip := net.ParseIP(remote.RemoteIP)
		if ip == nil {
			return fmt.Errorf("ua: invalid remote IP %q", remote.RemoteIP)
		}
		p.remoteAddr = &net.UDPAddr{IP: ip, Port: remote.RTPPort}
		rtcpPort := remote.RTCPPort
		if rtcpPort == 0 {
			rtcpPort = remote.RTPPort
		}
		p.remoteRTCPAddr = &net.UDPAddr{IP: ip, Port: rtcpPort}
	}

	if p.srtpEnabled && remote.SRTP && len(remote.CryptoOffer) > 0 {
		peerSuites := make([]srtp.Suite, 0, len(remote.CryptoOffer))
		for _, ks := range remote.CryptoOffer {
			if ks != nil {
				peerSuites = append(peerSuites, ks.Suite)
			}
		}
		suite, err := srtp.NegotiateSuite(p.supportedSuites, peerSuites)
		if err != nil {
			return fmt.Errorf("ua: negotiating SRTP suite: %w", err)
		}
		var peerKey *srtp.KeySalt
		for _, ks := range remote.CryptoOffer {
			if ks != nil && ks.Suite == suite {
				peerKey = ks
				break
			}
		}
		localKey := p.offeredKeys[suite]
		sess, err := srtp.NewSession(localKey, peerKey)
		if err != nil {
			return fmt.Errorf("ua: installing SRTP session: %w", err)
		}
		p.srtpSession = sess
		p.chosenSuite = suite
	}

	return nil
}

func remoteDirectionToLocal(remote session.Direction) session.Direction {
	switch remote {
	case session.DirSendOnly:
		return session.DirRecvOnly
	case session.DirRecvOnly:
		return session.DirSendOnly
	case session.DirInactive:
		return session.DirInactive
	default:
		return session.DirSendRecv
	}
}

// Statistics returns a snapshot of this provider's running counters.
func (p *audioProvider) Statistics() session.Statistics {
	return p.stats.Snapshot()
}

// Pause stops the send path without releasing any resources (§4.1
// pause/resume).
func (p *audioProvider) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

// Resume re-enables the send path.
func (p *audioProvider) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

// Close stops the jitter buffer's background worker. Idempotent.
func (p *audioProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	confMixer := p.confMixer
	confKey := p.confKey
	p.mu.Unlock()
	close(p.rtcpStop)
	if confMixer != nil {
		confMixer.UnregisterChannel(confKey)
	}
	p.jitter.Stop()
	return nil
}

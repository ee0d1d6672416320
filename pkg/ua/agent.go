// Package ua is the user agent: the top-level object the command/event bus
// (§4.7) drives. It owns the accounts and sessions (§3 "Ownership" — strong
// references, exclusively), the SIP stack, the socket heap, and the ICE
// adapter, and wires pkg/session's Dialog/Provider/EventSink collaborator
// interfaces onto the teacher's pkg/dialog signaling layer and this
// package's own audioProvider. Modeled on the teacher's
// pkg/dialog/user_agent.go + manager.go composition root.
package ua

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/ice/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/go-uacore/pkg/audio"
	"github.com/arzzra/go-uacore/pkg/busproto"
	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/dialog"
	"github.com/arzzra/go-uacore/pkg/iceadapter"
	"github.com/arzzra/go-uacore/pkg/logging"
	"github.com/arzzra/go-uacore/pkg/mixer"
	"github.com/arzzra/go-uacore/pkg/session"
	"github.com/arzzra/go-uacore/pkg/sockheap"
)

// eventQueueCapacity bounds the event FIFO (§3 "Command/event queue");
// Dispatch never blocks producing events, so a full queue drops the oldest.
const eventQueueCapacity = 256

// Agent is the process-wide user agent instance. One Agent per process per
// spec scope.
type Agent struct {
	mu      sync.RWMutex
	profile *config.Profile
	log     logging.Logger
	reg     prometheus.Registerer

	heap  *sockheap.Heap
	ice   *iceadapter.Adapter
	stack *dialog.Stack
	mixer *mixer.Mixer

	accounts      map[int]*account
	nextAccountID int

	sessions      map[int64]*uaSession
	nextSessionID int64

	eventsMu sync.Mutex
	eventsCV *sync.Cond
	events   []*busproto.Event

	started bool
}

// New constructs an Agent bound to profile without starting the signaling
// stack (§4.7 `start`/`stop` toggle that separately).
func New(profile *config.Profile, log logging.Logger) (*Agent, error) {
	if profile == nil {
		profile = config.Default()
	}
	if log == nil {
		log = logging.Default().WithComponent("ua")
	}

	heap := sockheap.New(int(profile.RTPPortStart), int(profile.RTPPortEnd))

	iceCfg := iceadapter.Config{
		PortMin: profile.RTPPortStart,
		PortMax: profile.RTPPortEnd,
		Log:     log.WithComponent("iceadapter"),
	}
	urls, err := iceServerURLs(profile.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("ua: parsing ICE servers: %w", err)
	}
	iceCfg.Urls = urls
	iceAdapter := iceadapter.New(iceCfg)

	transportCfg := dialog.DefaultTransportConfig()
	transportCfg.Protocol = sipProtocol(profile.Transport)
	transportCfg.Address = profile.LocalIP()

	stack, err := dialog.NewStack(&dialog.StackConfig{
		Transport: transportCfg,
		UserAgent: profile.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("ua: building SIP stack: %w", err)
	}

	a := &Agent{
		profile:  profile,
		log:      log,
		reg:      prometheus.DefaultRegisterer,
		heap:     heap,
		ice:      iceAdapter,
		stack:    stack,
		mixer:    mixer.New(profile.MixerChannels, audio.Rate8k),
		accounts: make(map[int]*account),
		sessions: make(map[int64]*uaSession),
	}
	a.eventsCV = sync.NewCond(&a.eventsMu)
	stack.OnIncomingDialog(a.handleIncomingDialog)
	return a, nil
}

// iceServerURLs translates the profile's ICEServer entries into pion/ice
// URLs (§4.6), setting TURN credentials the way the pack's WebRTC wrapper
// validates and assigns them (ice.ParseURL, then url.Username/url.Password
// for TURN/TURNS schemes).
func iceServerURLs(servers []config.ICEServer) ([]*ice.URL, error) {
	var urls []*ice.URL
	for _, s := range servers {
		scheme := "stun"
		if s.IsTURN {
			scheme = "turn"
		}
		raw := fmt.Sprintf("%s:%s:%d", scheme, s.Host, s.Port)
		u, err := ice.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("ua: parsing ICE server URL %q: %w", raw, err)
		}
		if u.Scheme == ice.SchemeTypeTURN || u.Scheme == ice.SchemeTypeTURNS {
			u.Username = s.Username
			u.Password = s.Password
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// sipProtocol maps the profile's transport selection onto the lowercase
// protocol string dialog.TransportConfig.Validate accepts. TransportAll
// (listen on both UDP and TCP, §4.1's transport-agnostic framing) has no
// single-protocol equivalent at this layer, so it falls back to UDP, the
// teacher's own DefaultTransportConfig choice.
func sipProtocol(t config.Transport) string {
	switch t {
	case config.TransportTCP:
		return "tcp"
	case config.TransportTLS:
		return "tls"
	default:
		return "udp"
	}
}

// Start brings signaling online (§4.7 `start`).
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	go func() {
		if err := a.stack.Start(ctx); err != nil {
			a.log.LogError(ctx, err, "SIP stack stopped")
			a.pushEvent(&busproto.Event{Event: busproto.EventSIPConnectionFailed, Reason: err.Error()})
		}
	}()
	a.pushEvent(&busproto.Event{Event: busproto.EventUAStart})
	return nil
}

// Stop shuts signaling down gracefully, tearing down every session first
// (§4.7 `stop`).
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	sessions := make([]*uaSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.started = false
	a.mu.Unlock()

	for _, s := range sessions {
		_ = s.core.Stop()
	}
	err := a.stack.Shutdown(ctx)
	a.pushEvent(&busproto.Event{Event: busproto.EventUAStop})
	return err
}

// handleIncomingDialog is the SIP stack's entry point for a fresh inbound
// INVITE (§4.1: arrives before the first offer body). It allocates a
// session in Acceptor role and lets HandleRemoteOffer drive the rest once
// the body callback fires.
func (a *Agent) handleIncomingDialog(dlg dialog.IDialog) {
	adapter := newInboundDialogAdapter(dlg, a.log)
	sess := a.newSession(0, adapter)
	a.pushEvent(&busproto.Event{Event: busproto.EventSessionNew, SessionID: int(sess.core.ID)})
}

// newSession allocates the next session id, builds the session.Session with
// this agent as its EventSink, binds adapter to it, and registers it in the
// session map.
func (a *Agent) newSession(accountID int, adapter *dialogAdapter) *uaSession {
	a.mu.Lock()
	a.nextSessionID++
	id := a.nextSessionID
	a.mu.Unlock()

	account := ""
	if accountID != 0 {
		account = fmt.Sprintf("%d", accountID)
	}

	core := session.New(id, account, session.Deps{
		Profile:  a.profile,
		Heap:     a.heap,
		ICE:      a.ice,
		Sink:     (*agentEventSink)(a),
		Registry: a.reg,
		Log:      a.log,
	})
	ua := &uaSession{id: id, accountID: accountID, core: core, dialogAdapter: adapter}
	adapter.bindSession(core)

	a.mu.Lock()
	a.sessions[id] = ua
	a.mu.Unlock()
	return ua
}

// lookupSession returns the wrapper for sessionID, or (nil, false).
func (a *Agent) lookupSession(sessionID int64) (*uaSession, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[sessionID]
	return s, ok
}

// removeSession drops sessionID from the session map (called once the
// session_terminated event fires).
func (a *Agent) removeSession(sessionID int64) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	a.mixer.UnregisterChannel(sessionID)
}

// attachAudioProvider binds a fresh audioProvider to the session's first
// media stream, allocating it first if the session doesn't have one yet
// (a fresh outbound session) or reusing the one an inbound offer already
// allocated (§3 "Media stream").
func (a *Agent) attachAudioProvider(core *session.Session) error {
	st, err := core.EnsureStream()
	if err != nil {
		return err
	}
	if st.Provider != nil {
		return nil
	}
	provider, err := newAudioProvider(st.RTPSocket4, st.RTCPSocket4, a.profile)
	if err != nil {
		return err
	}
	st.Provider = provider
	return nil
}

// parseTarget resolves a peer address-of-record string into a sip.Uri for
// Stack.NewInvite.
func parseTarget(peer string) (sip.Uri, error) {
	return dialog.ParseUri(peer)
}

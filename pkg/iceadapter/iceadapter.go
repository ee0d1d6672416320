// Package iceadapter wraps github.com/pion/ice/v2 behind the stream/
// component contract of §4.6: add_stream → add_component → gather_candidates
// → (async) on_gathered → fill_candidate_list → process_sdp_offer →
// check_connectivity → on_success/on_failed, with remote_address and
// refresh_pwd_ufrag.
//
// One ICE Stream corresponds to one SDP media line; each Component inside it
// owns exactly one *ice.Agent (pion/ice models a single checklist per Agent,
// so this package gives RTP and RTCP their own Agent unless rtcp-mux
// collapses them to one component).
package iceadapter

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/ice/v2"
	"github.com/arzzra/go-uacore/pkg/logging"
)

// ComponentID distinguishes RTP from RTCP within a stream.
type ComponentID int

const (
	ComponentRTP  ComponentID = 1
	ComponentRTCP ComponentID = 2
)

// Candidate is the adapter's transport-agnostic view of one local or remote
// ICE candidate, rendered to/parsed from the `a=candidate:` SDP line.
type Candidate struct {
	Foundation string
	Component  ComponentID
	Priority   uint32
	Address    string
	Port       int
	Typ        string // host | srflx | prflx | relay
	RelAddr    string
	RelPort    int
}

// Component owns one pion/ice Agent and the candidates it has gathered.
type Component struct {
	id    ComponentID
	agent *ice.Agent

	mu         sync.Mutex
	candidates []Candidate
	nominated  net.Addr
	failed     bool
}

// ID returns the component's RTP/RTCP identity.
func (c *Component) ID() ComponentID { return c.id }

// Stream groups the components (RTP, and RTCP unless rtcp-mux) for one
// media line.
type Stream struct {
	id         string
	components map[ComponentID]*Component
	ufrag      string
	pwd        string
	log        logging.Logger

	mu           sync.Mutex
	onGathered   func()
	gatherPending int
}

// Config parameterizes every Agent created by the adapter: STUN/TURN
// servers, the local port range to bind from (so ICE candidates come out of
// the socket heap's range, §4.5), and network families to gather.
type Config struct {
	Urls      []*ice.URL
	PortMin   uint16
	PortMax   uint16
	Log       logging.Logger
}

// Adapter is the top-level session-facing handle: add_stream creates a
// Stream, which owns its Components.
type Adapter struct {
	cfg     Config
	mu      sync.Mutex
	streams map[string]*Stream
}

// New builds an ICE adapter bound to cfg. One Adapter typically lives for
// the whole process; streams are scoped to individual calls.
func New(cfg Config) *Adapter {
	if cfg.Log == nil {
		cfg.Log = logging.Default().WithComponent("iceadapter")
	}
	return &Adapter{cfg: cfg, streams: make(map[string]*Stream)}
}

// AddStream creates a new ICE stream identified by streamID (typically the
// owning media stream's index), per §4.6 `add_stream`.
func (a *Adapter) AddStream(streamID string) (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.streams[streamID]; exists {
		return nil, fmt.Errorf("iceadapter: stream %q already added", streamID)
	}
	s := &Stream{id: streamID, components: make(map[ComponentID]*Component), log: a.cfg.Log}
	a.streams[streamID] = s
	return s, nil
}

// RemoveStream tears down every component's agent for streamID, used when a
// re-offer marks that media line inactive (§4.1: "the stream's provider is
// released, sockets are freed, the ICE stream is removed").
func (a *Adapter) RemoveStream(streamID string) {
	a.mu.Lock()
	s, ok := a.streams[streamID]
	delete(a.streams, streamID)
	a.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range s.components {
		c.agent.Close()
	}
}

// AddComponent creates one ICE component (RTP or RTCP) bound to a locally
// allocated UDP port, per §4.6 `add_component(local_port4, local_port6)`.
// Only one family is passed per call in this adapter; callers wanting
// dual-stack add two components with the same ComponentID against separate
// Streams, matching how the session keeps per-family socket pairs (§4.2).
func (s *Stream) AddComponent(id ComponentID, a *Adapter) (*Component, error) {
	agentCfg := &ice.AgentConfig{
		Urls:           a.cfg.Urls,
		PortMin:        a.cfg.PortMin,
		PortMax:        a.cfg.PortMax,
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
	}
	agent, err := ice.NewAgent(agentCfg)
	if err != nil {
		return nil, fmt.Errorf("iceadapter: creating agent for stream %q component %d: %w", s.id, id, err)
	}
	if s.ufrag == "" {
		s.ufrag, s.pwd = agent.GetLocalUserCredentials()
	}
	comp := &Component{id: id, agent: agent}
	s.components[id] = comp

	agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			s.mu.Lock()
			s.gatherPending--
			pending := s.gatherPending
			cb := s.onGathered
			s.mu.Unlock()
			if pending <= 0 && cb != nil {
				cb()
			}
			return
		}
		comp.mu.Lock()
		comp.candidates = append(comp.candidates, fromICECandidate(id, c))
		comp.mu.Unlock()
	})

	agent.OnConnectionStateChange(func(state ice.ConnectionState) {
		switch state {
		case ice.ConnectionStateFailed, ice.ConnectionStateDisconnected:
			comp.mu.Lock()
			comp.failed = true
			comp.mu.Unlock()
		}
	})

	agent.OnSelectedCandidatePairChange(func(local, remote ice.Candidate) {
		comp.mu.Lock()
		comp.nominated = &net.UDPAddr{IP: net.ParseIP(remote.Address()), Port: remote.Port()}
		comp.mu.Unlock()
	})

	return comp, nil
}

// LocalUfragPwd returns the stream's local ICE credentials for the
// `a=ice-ufrag`/`a=ice-pwd` SDP lines.
func (s *Stream) LocalUfragPwd() (ufrag, pwd string) { return s.ufrag, s.pwd }

// GatherCandidates starts trickle gathering on every component and invokes
// onGathered once all components have signalled end-of-candidates, per
// §4.6's async `on_gathered` callback.
func (s *Stream) GatherCandidates(onGathered func()) error {
	s.mu.Lock()
	s.onGathered = onGathered
	s.gatherPending = len(s.components)
	s.mu.Unlock()

	for _, c := range s.components {
		if err := c.agent.GatherCandidates(); err != nil {
			return fmt.Errorf("iceadapter: gathering candidates for stream %q: %w", s.id, err)
		}
	}
	return nil
}

// FillCandidateList returns the local candidates gathered so far for
// component id, per §4.6 `fill_candidate_list(stream, component, &out)`.
func (s *Stream) FillCandidateList(id ComponentID) []Candidate {
	c, ok := s.components[id]
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Candidate, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// ProcessSDPOffer installs the peer's ufrag/pwd and remote candidates, per
// §4.6 `process_sdp_offer(stream, remote_candidates, default_ip,
// default_port, defer_relayed)`. defaultIP/defaultPort seed a synthetic
// host candidate when the peer's SDP carries no explicit `a=candidate`
// lines (ICE-less / legacy peers still get a best-effort destination).
// deferRelayed, when true, skips adding relay candidates immediately —
// reserved for callers that gate TURN usage behind a later decision; this
// adapter does not currently defer, and accepts the flag for contract
// compatibility.
func (s *Stream) ProcessSDPOffer(remoteUfrag, remotePwd string, remoteCandidates []Candidate, defaultIP string, defaultPort int, deferRelayed bool) error {
	for id, c := range s.components {
		if err := c.agent.SetRemoteCredentials(remoteUfrag, remotePwd); err != nil {
			return fmt.Errorf("iceadapter: setting remote credentials for component %d: %w", id, err)
		}
		candidates := remoteCandidates
		if len(candidates) == 0 && defaultIP != "" {
			candidates = []Candidate{{Foundation: "default", Component: id, Priority: 1, Address: defaultIP, Port: defaultPort, Typ: "host"}}
		}
		for _, rc := range candidates {
			if rc.Component != id {
				continue
			}
			iceCand, err := toICECandidate(rc)
			if err != nil {
				s.log.Warn(context.Background(), "skipping unparseable remote candidate", logging.String("stream", s.id), logging.Err(err))
				continue
			}
			if err := c.agent.AddRemoteCandidate(iceCand); err != nil {
				return fmt.Errorf("iceadapter: adding remote candidate to component %d: %w", id, err)
			}
		}
	}
	return nil
}

// CheckConnectivity starts ICE connectivity checks on every component of
// the stream and calls onSuccess/onFailed once each component resolves, per
// §4.6 `check_connectivity` / `on_success`/`on_failed`. controlling decides
// whether this side drives nomination (true for the offerer).
func (s *Stream) CheckConnectivity(ctx context.Context, controlling bool, onSuccess func(ComponentID), onFailed func(ComponentID)) {
	for id, c := range s.components {
		go func(id ComponentID, c *Component) {
			var conn *ice.Conn
			var err error
			if controlling {
				conn, err = c.agent.Dial(ctx, s.ufrag, s.pwd)
			} else {
				conn, err = c.agent.Accept(ctx, s.ufrag, s.pwd)
			}
			if err != nil {
				if onFailed != nil {
					onFailed(id)
				}
				return
			}
			_ = conn // consent-freshness and close are driven by the session once connected
			if onSuccess != nil {
				onSuccess(id)
			}
		}(id, c)
	}
}

// RemoteAddress returns the nominated destination for component id, per
// §4.6 `remote_address(stream, component)` — used as the RTP/RTCP
// destination once ICE has concluded.
func (s *Stream) RemoteAddress(id ComponentID) (net.Addr, bool) {
	c, ok := s.components[id]
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nominated, c.nominated != nil
}

// RefreshPwdUfrag forces an ICE restart on every component of the stream by
// discarding the cached credentials, per §4.6 `refresh_pwd_ufrag` — the next
// AddComponent-less gather reuses the existing agents but a fresh
// GatherCandidates call re-derives new ufrag/pwd from the restarted agent.
func (s *Stream) RefreshPwdUfrag() error {
	for _, c := range s.components {
		if err := c.agent.Restart("", ""); err != nil {
			return fmt.Errorf("iceadapter: restarting stream %q: %w", s.id, err)
		}
	}
	s.ufrag, s.pwd = "", ""
	for _, c := range s.components {
		s.ufrag, s.pwd = c.agent.GetLocalUserCredentials()
		break
	}
	return nil
}

func fromICECandidate(id ComponentID, c ice.Candidate) Candidate {
	out := Candidate{
		Foundation: c.Foundation(),
		Component:  id,
		Priority:   c.Priority(),
		Address:    c.Address(),
		Port:       c.Port(),
		Typ:        c.Type().String(),
	}
	if rel := c.RelatedAddress(); rel != nil {
		out.RelAddr = rel.Address
		out.RelPort = rel.Port
	}
	return out
}

func toICECandidate(c Candidate) (ice.Candidate, error) {
	switch c.Typ {
	case "host":
		return ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:   "udp",
			Address:   c.Address,
			Port:      c.Port,
			Component: uint16(c.Component),
			Foundation: c.Foundation,
			Priority:  c.Priority,
		})
	case "srflx":
		return ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
			Network:   "udp",
			Address:   c.Address,
			Port:      c.Port,
			Component: uint16(c.Component),
			Foundation: c.Foundation,
			Priority:  c.Priority,
			RelAddr:   c.RelAddr,
			RelPort:   c.RelPort,
		})
	case "relay":
		return ice.NewCandidateRelay(&ice.CandidateRelayConfig{
			Network:   "udp",
			Address:   c.Address,
			Port:      c.Port,
			Component: uint16(c.Component),
			Foundation: c.Foundation,
			Priority:  c.Priority,
			RelAddr:   c.RelAddr,
			RelPort:   c.RelPort,
		})
	case "prflx":
		return ice.NewCandidatePeerReflexive(&ice.CandidatePeerReflexiveConfig{
			Network:   "udp",
			Address:   c.Address,
			Port:      c.Port,
			Component: uint16(c.Component),
			Foundation: c.Foundation,
			Priority:  c.Priority,
			RelAddr:   c.RelAddr,
			RelPort:   c.RelPort,
		})
	default:
		return nil, fmt.Errorf("iceadapter: unknown candidate type %q", c.Typ)
	}
}

// Package sdpcodec renders and parses the offer/answer SDP of §6 on top of
// github.com/pion/sdp/v3: `m=audio <port> RTP/AVP|RTP/SAVP <pts>`, a
// default `c=` line, `a=rtcp`/`a=rtcp-mux`, `a=ice-ufrag`/`a=ice-pwd`,
// `a=candidate:` lines, `a=crypto:` lines, direction markers, and
// `telephone-event/<rate>`.
//
// Grounded on the teacher's pkg/media_with_sdp/sdp_builder.go (WithCodec,
// WithPropertyAttribute, WithValueAttribute builder chain, offer/answer
// codec-intersection logic), generalized to the ICE and SRTP attributes
// that builder never emitted.
package sdpcodec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/go-uacore/pkg/iceadapter"
	"github.com/arzzra/go-uacore/pkg/srtp"
)

// Direction is the flow direction attribute of a media line.
type Direction string

const (
	DirSendRecv Direction = "sendrecv"
	DirSendOnly Direction = "sendonly"
	DirRecvOnly Direction = "recvonly"
	DirInactive Direction = "inactive"
)

// Codec is one negotiable audio payload type, including the telephone-event
// RFC 2833/4733 entry.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
}

// MediaParams describes one `m=audio` line's worth of local state used to
// build an offer or answer.
type MediaParams struct {
	LocalIP      string
	RTPPort      int
	RTCPPort     int // equal to RTPPort when rtcp-mux
	RTCPMux      bool
	Codecs       []Codec
	Direction    Direction
	ICEUfrag     string
	ICEPwd       string
	Candidates   []iceadapter.Candidate
	SRTP         bool
	CryptoOffer  []*srtp.KeySalt   // one per supported suite, offer side
	CryptoChosen *srtp.KeySalt     // chosen suite, answer side
	CryptoTag    int
}

// Codec name for RFC 2833/4733 DTMF events, clock rate matches the audio
// codec's per §6 "telephone-event/<rate>".
const telephoneEventName = "telephone-event"

// Build renders a complete SessionDescription for one audio media line,
// used both for the initial offer and for re-offers (§4.1).
func Build(sessionID uint64, p MediaParams) (*sdp.SessionDescription, error) {
	now := uint64(time.Now().Unix())
	origin := sdp.Origin{
		Username:       "-",
		SessionID:      sessionID,
		SessionVersion: now,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: p.LocalIP,
	}

	desc := &sdp.SessionDescription{
		Version:      0,
		Origin:       origin,
		SessionName:  "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.LocalIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	proto := "RTP/AVP"
	if p.SRTP {
		proto = "RTP/SAVP"
	}

	formats := make([]string, 0, len(p.Codecs)+1)
	for _, c := range p.Codecs {
		formats = append(formats, strconv.Itoa(c.PayloadType))
	}
	formats = append(formats, "101") // telephone-event payload type, per convention

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: p.RTPPort},
			Protos:  strings.Split(proto, "/"),
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.LocalIP},
		},
	}

	for _, c := range p.Codecs {
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate),
		})
	}
	dtmfRate := 8000
	if len(p.Codecs) > 0 {
		dtmfRate = p.Codecs[0].ClockRate
	}
	media.Attributes = append(media.Attributes, sdp.Attribute{
		Key:   "rtpmap",
		Value: fmt.Sprintf("101 %s/%d", telephoneEventName, dtmfRate),
	})

	if !p.RTCPMux {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "rtcp", Value: strconv.Itoa(p.RTCPPort)})
	} else {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "rtcp-mux", Value: ""})
	}

	if p.ICEUfrag != "" {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "ice-ufrag", Value: p.ICEUfrag})
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "ice-pwd", Value: p.ICEPwd})
		for _, cand := range p.Candidates {
			media.Attributes = append(media.Attributes, sdp.Attribute{Key: "candidate", Value: cand.SDPLine()})
		}
	}

	if p.SRTP {
		if p.CryptoChosen != nil {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "crypto",
				Value: fmt.Sprintf("%d %s %s", p.CryptoTag, p.CryptoChosen.Suite, p.CryptoChosen.InlineBase64()),
			})
		} else {
			tag := 1
			for _, ks := range p.CryptoOffer {
				media.Attributes = append(media.Attributes, sdp.Attribute{
					Key:   "crypto",
					Value: fmt.Sprintf("%d %s %s", tag, ks.Suite, ks.InlineBase64()),
				})
				tag++
			}
		}
	}

	dir := p.Direction
	if dir == "" {
		dir = DirSendRecv
	}
	media.Attributes = append(media.Attributes, sdp.Attribute{Key: string(dir), Value: ""})

	desc.MediaDescriptions = []*sdp.MediaDescription{media}
	return desc, nil
}

// Parsed is the decoded subset of a remote SDP this codebase acts on.
type Parsed struct {
	RemoteIP   string
	RTPPort    int
	RTCPPort   int
	RTCPMux    bool
	Codecs     []Codec
	Direction  Direction
	ICEUfrag   string
	ICEPwd     string
	Candidates []iceadapter.Candidate
	SRTP       bool
	Crypto     []CryptoOffer
}

// CryptoOffer is one `a=crypto` line's parsed suite/tag/inline key.
type CryptoOffer struct {
	Tag   int
	Suite srtp.Suite
	Key   *srtp.KeySalt
}

// Parse extracts the audio media line's parameters from a remote
// SessionDescription.
func Parse(desc *sdp.SessionDescription) (*Parsed, error) {
	if desc == nil {
		return nil, fmt.Errorf("sdpcodec: nil session description")
	}
	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("sdpcodec: no audio media line")
	}

	out := &Parsed{
		RTPPort:  audio.MediaName.Port.Value,
		RTCPPort: audio.MediaName.Port.Value + 1,
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		out.RemoteIP = audio.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		out.RemoteIP = desc.ConnectionInformation.Address.Address
	}
	for _, proto := range audio.MediaName.Protos {
		if proto == "SAVP" {
			out.SRTP = true
		}
	}

	rtpmaps := make(map[string]string)
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "rtpmap":
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) == 2 {
				rtpmaps[parts[0]] = parts[1]
			}
		case "rtcp":
			if p, err := strconv.Atoi(attr.Value); err == nil {
				out.RTCPPort = p
			}
		case "rtcp-mux":
			out.RTCPMux = true
			out.RTCPPort = out.RTPPort
		case "ice-ufrag":
			out.ICEUfrag = attr.Value
		case "ice-pwd":
			out.ICEPwd = attr.Value
		case "candidate":
			if c, err := parseCandidateLine(attr.Value); err == nil {
				out.Candidates = append(out.Candidates, c)
			}
		case "crypto":
			if c, err := parseCryptoLine(attr.Value); err == nil {
				out.Crypto = append(out.Crypto, c)
			}
		case string(DirSendRecv), string(DirSendOnly), string(DirRecvOnly), string(DirInactive):
			out.Direction = Direction(attr.Key)
		}
	}
	if out.Direction == "" {
		out.Direction = DirSendRecv
	}

	for _, fmtID := range audio.MediaName.Formats {
		if fmtID == "101" {
			continue // telephone-event, not a media codec
		}
		rtpmap, ok := rtpmaps[fmtID]
		if !ok {
			continue
		}
		nameRate := strings.SplitN(rtpmap, "/", 2)
		pt, _ := strconv.Atoi(fmtID)
		codec := Codec{PayloadType: pt, Name: nameRate[0]}
		if len(nameRate) == 2 {
			if rate, err := strconv.Atoi(nameRate[1]); err == nil {
				codec.ClockRate = rate
			}
		}
		out.Codecs = append(out.Codecs, codec)
	}

	return out, nil
}

func parseCandidateLine(v string) (iceadapter.Candidate, error) {
	// foundation component udp priority address port typ type [raddr x rport y]
	fields := strings.Fields(v)
	if len(fields) < 8 {
		return iceadapter.Candidate{}, fmt.Errorf("sdpcodec: malformed candidate line %q", v)
	}
	component, _ := strconv.Atoi(fields[1])
	priority, _ := strconv.ParseUint(fields[3], 10, 32)
	port, _ := strconv.Atoi(fields[5])
	c := iceadapter.Candidate{
		Foundation: fields[0],
		Component:  iceadapter.ComponentID(component),
		Priority:   uint32(priority),
		Address:    fields[4],
		Port:       port,
		Typ:        fields[7],
	}
	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelAddr = fields[i+1]
		case "rport":
			c.RelPort, _ = strconv.Atoi(fields[i+1])
		}
	}
	return c, nil
}

func parseCryptoLine(v string) (CryptoOffer, error) {
	fields := strings.Fields(v)
	if len(fields) < 3 {
		return CryptoOffer{}, fmt.Errorf("sdpcodec: malformed crypto line %q", v)
	}
	tag, _ := strconv.Atoi(fields[0])
	suite := srtp.Suite(fields[1])
	ks, err := srtp.ParseInlineBase64(suite, fields[2])
	if err != nil {
		return CryptoOffer{}, err
	}
	return CryptoOffer{Tag: tag, Suite: suite, Key: ks}, nil
}

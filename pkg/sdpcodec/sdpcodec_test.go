package sdpcodec

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_NoICE_NoSRTP_PlainAVP(t *testing.T) {
	desc, err := Build(1, MediaParams{
		LocalIP: "203.0.113.1",
		RTPPort: 5004,
		Codecs:  []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}},
	})
	require.NoError(t, err)
	require.Len(t, desc.MediaDescriptions, 1)
	media := desc.MediaDescriptions[0]
	assert.Equal(t, "RTP/AVP", media.MediaName.Protos[0]+"/"+media.MediaName.Protos[1])
	assert.Contains(t, media.MediaName.Formats, "0")
	assert.Contains(t, media.MediaName.Formats, "101")

	var sawICEUfrag bool
	for _, a := range media.Attributes {
		if a.Key == "ice-ufrag" {
			sawICEUfrag = true
		}
	}
	assert.False(t, sawICEUfrag, "no ice-ufrag expected when ICE disabled")
}

func TestBuild_WithRTCPMux_OmitsExplicitRTCPPort(t *testing.T) {
	desc, err := Build(1, MediaParams{
		LocalIP:  "203.0.113.1",
		RTPPort:  5004,
		RTCPMux:  true,
		RTCPPort: 5004,
		Codecs:   []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}},
	})
	require.NoError(t, err)
	media := desc.MediaDescriptions[0]
	var sawMux, sawRTCP bool
	for _, a := range media.Attributes {
		if a.Key == "rtcp-mux" {
			sawMux = true
		}
		if a.Key == "rtcp" {
			sawRTCP = true
		}
	}
	assert.True(t, sawMux)
	assert.False(t, sawRTCP)
}

func TestParse_RoundTripsCodecsAndDirection(t *testing.T) {
	built, err := Build(1, MediaParams{
		LocalIP:   "203.0.113.1",
		RTPPort:   5004,
		Codecs:    []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}, {PayloadType: 8, Name: "PCMA", ClockRate: 8000}},
		Direction: DirSendOnly,
	})
	require.NoError(t, err)

	parsed, err := Parse(built)
	require.NoError(t, err)
	assert.Equal(t, DirSendOnly, parsed.Direction)
	assert.Equal(t, 5004, parsed.RTPPort)
	require.Len(t, parsed.Codecs, 2)
	assert.Equal(t, "PCMU", parsed.Codecs[0].Name)
	assert.Equal(t, "PCMA", parsed.Codecs[1].Name)
}

func TestParse_RejectsMissingAudioLine(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)

	_, err = Parse(&sdp.SessionDescription{})
	assert.Error(t, err)
}

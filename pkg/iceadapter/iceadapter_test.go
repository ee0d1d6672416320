package iceadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddStream_RejectsDuplicateID(t *testing.T) {
	a := New(Config{})
	_, err := a.AddStream("stream-0")
	require.NoError(t, err)
	_, err = a.AddStream("stream-0")
	assert.Error(t, err)
}

func TestAddComponent_AssignsLocalCredentials(t *testing.T) {
	a := New(Config{})
	s, err := a.AddStream("stream-0")
	require.NoError(t, err)

	comp, err := s.AddComponent(ComponentRTP, a)
	require.NoError(t, err)
	assert.Equal(t, ComponentRTP, comp.ID())

	ufrag, pwd := s.LocalUfragPwd()
	assert.NotEmpty(t, ufrag)
	assert.NotEmpty(t, pwd)
}

func TestCandidateSDPLine_HostFormat(t *testing.T) {
	c := Candidate{Foundation: "1", Component: ComponentRTP, Priority: 2130706431, Address: "192.0.2.1", Port: 5004, Typ: "host"}
	assert.Equal(t, "1 1 udp 2130706431 192.0.2.1 5004 typ host", c.SDPLine())
}

func TestCandidateSDPLine_RelayIncludesRelatedAddress(t *testing.T) {
	c := Candidate{Foundation: "2", Component: ComponentRTCP, Priority: 1, Address: "198.51.100.2", Port: 6000, Typ: "relay", RelAddr: "192.0.2.1", RelPort: 5004}
	assert.Contains(t, c.SDPLine(), "raddr 192.0.2.1 rport 5004")
}

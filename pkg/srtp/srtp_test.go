package srtp

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestProtectUnprotectRoundTrip(t *testing.T) {
	ks, err := GenerateKeySalt(SuiteAES128CM_SHA1_80)
	require.NoError(t, err)

	tx, err := NewSession(ks, ks) // loopback: same key both directions
	require.NoError(t, err)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 1000,
			Timestamp:      160000,
			SSRC:           0xCAFEBABE,
		},
		Payload: []byte("hello rtp"),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	protected, err := tx.ProtectRTP(raw)
	require.NoError(t, err)
	require.NotEqual(t, raw, protected[:len(raw)])

	plain, err := tx.UnprotectRTP(protected)
	require.NoError(t, err)
	require.Equal(t, raw, plain)
}

func TestNegotiateSuitePicksPeerTopPreferred(t *testing.T) {
	supported := []Suite{SuiteAES128CM_SHA1_80}
	offered := []Suite{SuiteAES256CM_SHA1_80, SuiteAES128CM_SHA1_80}
	got, err := NegotiateSuite(supported, offered)
	require.NoError(t, err)
	require.Equal(t, SuiteAES128CM_SHA1_80, got)
}

func TestNegotiateSuiteNoCommon(t *testing.T) {
	_, err := NegotiateSuite([]Suite{SuiteAES128CM_SHA1_80}, []Suite{SuiteAES256CM_SHA1_80})
	require.Error(t, err)
}

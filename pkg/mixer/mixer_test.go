package mixer

import (
	"testing"

	"github.com/arzzra/go-uacore/pkg/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMixAndGetPCM_SumsAndSaturates(t *testing.T) {
	m := New(4, audio.Rate8k)
	frame := make([]int16, 160)
	for i := range frame {
		frame[i] = 20000
	}
	m.AddPCM("ctxA", 1, frame, audio.Rate8k, false)
	m.AddPCM("ctxA", 2, frame, audio.Rate8k, false)

	out := m.MixAndGetPCM(160)
	require.Len(t, out, 160)
	for _, s := range out {
		assert.LessOrEqual(t, int(s), 32767)
		assert.GreaterOrEqual(t, int(s), -32768)
	}
	// Two equal-amplitude inputs of 20000 saturate at int16 max, not wrap.
	assert.Equal(t, int16(32767), out[0])
}

func TestMixAndGetPCM_SilenceWhenInactive(t *testing.T) {
	m := New(2, audio.Rate8k)
	out := m.MixAndGetPCM(80)
	for _, s := range out {
		assert.Equal(t, int16(0), s)
	}
}

func TestUnregisterChannel_DropsOwner(t *testing.T) {
	m := New(2, audio.Rate8k)
	frame := make([]int16, 80)
	m.AddPCM("owner", 7, frame, audio.Rate8k, false)
	require.Equal(t, 1, m.ActiveChannels())
	m.UnregisterChannel("owner")
	assert.Equal(t, 0, m.ActiveChannels())
}

func TestEvictsLeastRecentlyUsedInactiveChannel(t *testing.T) {
	m := New(1, audio.Rate8k)
	frame := make([]int16, 8)
	m.AddPCM("a", 1, frame, audio.Rate8k, false)
	// Drain it so it goes inactive.
	m.MixAndGetPCM(8)
	require.Equal(t, 0, m.ActiveChannels())
	// A second distinct channel should be able to allocate by evicting the
	// first, since capacity is 1 and channel "a" is inactive.
	m.AddPCM("b", 2, frame, audio.Rate8k, false)
	assert.Equal(t, 1, m.ActiveChannels())
}

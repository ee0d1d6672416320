package sockheap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	got chan []byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan []byte, 4)}
}

func (s *recordingSink) OnDatagram(payload []byte, _ net.Addr) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.got <- cp
}

func TestAllocSocketPair_NonMultiplex_ConsecutiveEvenFirst(t *testing.T) {
	h := New(30000, 30200)
	defer h.Close()

	rtp, rtcp, err := h.AllocSocketPair(newRecordingSink(), newRecordingSink(), false)
	require.NoError(t, err)
	require.NotNil(t, rtp)
	require.NotNil(t, rtcp)

	require.Equal(t, 0, rtp.Port()%2, "rtp port must be even")
	require.Equal(t, rtp.Port()+1, rtcp.Port())
}

func TestAllocSocketPair_Multiplex_SameSocket(t *testing.T) {
	h := New(30300, 30400)
	defer h.Close()

	sink := newRecordingSink()
	rtp, rtcp, err := h.AllocSocketPair(sink, sink, true)
	require.NoError(t, err)
	require.Equal(t, rtp, rtcp)
}

func TestAllocSocket_DispatchesDatagramToSink(t *testing.T) {
	h := New(30500, 30600)
	defer h.Close()

	sink := newRecordingSink()
	handle, err := h.AllocSocket(sink)
	require.NoError(t, err)

	sender, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer sender.Close()

	addr := handle.LocalAddr().(*net.UDPAddr)
	_, err = sender.WriteToUDP([]byte("hello"), addr)
	require.NoError(t, err)

	select {
	case got := <-sink.got:
		require.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram dispatch")
	}
}

func TestFreeSocket_StopsDispatch(t *testing.T) {
	h := New(30700, 30800)
	defer h.Close()

	sink := newRecordingSink()
	handle, err := h.AllocSocket(sink)
	require.NoError(t, err)

	h.FreeSocket(handle)
	time.Sleep(50 * time.Millisecond)

	h.mu.Lock()
	_, stillRegistered := h.sockets[handle.id]
	h.mu.Unlock()
	require.False(t, stillRegistered)
}

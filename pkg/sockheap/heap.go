// Package sockheap implements the socket heap of §4.5: a port-range UDP
// allocator backed by a single I/O goroutine that fans incoming datagrams
// out to per-socket sinks, instead of one goroutine per socket.
//
// Grounded on the teacher's pkg/rtp/transport_udp.go (ListenUDP dialing,
// voice socket options). Neither that file nor its OS-specific socket
// files are part of this module; the only socket-level tuning applied to
// every allocated socket is setVoiceSocketOptions' 256 KiB read buffer.
package sockheap

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// MaxValidUDPPacketSize is the largest datagram the I/O loop will hand to a
// sink; anything bigger is dropped as per §4.5 (oversized datagrams are
// protocol noise, not a session-ending error).
const MaxValidUDPPacketSize = 1500

// pollInterval is the length of one polling round of the single I/O
// goroutine, matching the 10ms select() timeout of §4.5; run splits it
// evenly across the registered sockets as their read deadlines.
const pollInterval = 10 * time.Millisecond

// Sink receives datagrams read off one allocated socket.
type Sink interface {
	OnDatagram(payload []byte, from net.Addr)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(payload []byte, from net.Addr)

func (f SinkFunc) OnDatagram(payload []byte, from net.Addr) { f(payload, from) }

// Handle is a single allocated UDP socket, returned by AllocSocket.
type Handle struct {
	id   uint64
	conn *net.UDPConn
	port int
}

// LocalAddr returns the socket's bound local address.
func (h *Handle) LocalAddr() net.Addr { return h.conn.LocalAddr() }

// Port returns the bound local UDP port.
func (h *Handle) Port() int { return h.port }

// WriteTo sends a datagram from this socket to addr.
func (h *Handle) WriteTo(payload []byte, addr *net.UDPAddr) (int, error) {
	return h.conn.WriteToUDP(payload, addr)
}

type registered struct {
	handle *Handle
	sink   Sink
}

// Heap owns a contiguous UDP port range and the single goroutine that polls
// every socket allocated from it.
type Heap struct {
	portStart int
	portEnd   int

	mu       sync.Mutex
	sockets  map[uint64]*registered
	pendingFree []uint64
	nextID   uint64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a socket heap over the inclusive [portStart, portEnd] range
// and starts its I/O goroutine.
func New(portStart, portEnd int) *Heap {
	h := &Heap{
		portStart: portStart,
		portEnd:   portEnd,
		sockets:   make(map[uint64]*registered),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go h.run()
	return h
}

// AllocSocket binds a single UDP socket to a random free port in range and
// registers sink to receive its datagrams. Per §4.5, it retries on
// EADDRINUSE up to half the size of the port range before giving up.
func (h *Heap) AllocSocket(sink Sink) (*Handle, error) {
	attempts := (h.portEnd-h.portStart)/2 + 1
	if attempts < 8 {
		attempts = 8
	}
	for i := 0; i < attempts; i++ {
		port := h.randomPort()
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		if err := setVoiceSocketOptions(conn); err != nil {
			conn.Close()
			continue
		}
		handle := h.register(conn, sink)
		return handle, nil
	}
	return nil, fmt.Errorf("sockheap: no free port in [%d,%d] after %d attempts", h.portStart, h.portEnd, attempts)
}

// AllocSocketPair allocates an RTP/RTCP pair per §4.5: when multiplex is
// true, a single socket carries both (rtp == rtcp); otherwise two sockets
// are allocated with consecutive ports, rtp on the even one.
func (h *Heap) AllocSocketPair(rtpSink, rtcpSink Sink, multiplex bool) (rtp, rtcp *Handle, err error) {
	if multiplex {
		rtpHandle, err := h.AllocSocket(rtpSink)
		if err != nil {
			return nil, nil, err
		}
		return rtpHandle, rtpHandle, nil
	}

	attempts := (h.portEnd-h.portStart)/2 + 1
	if attempts < 8 {
		attempts = 8
	}
	for i := 0; i < attempts; i++ {
		port := h.randomEvenPort()
		if port+1 > h.portEnd {
			continue
		}
		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
		if err != nil {
			rtpConn.Close()
			continue
		}
		if err := setVoiceSocketOptions(rtpConn); err != nil {
			rtpConn.Close()
			rtcpConn.Close()
			continue
		}
		if err := setVoiceSocketOptions(rtcpConn); err != nil {
			rtpConn.Close()
			rtcpConn.Close()
			continue
		}
		rtpHandle := h.register(rtpConn, rtpSink)
		rtcpHandle := h.register(rtcpConn, rtcpSink)
		return rtpHandle, rtcpHandle, nil
	}
	return nil, nil, fmt.Errorf("sockheap: no free consecutive port pair in [%d,%d] after %d attempts", h.portStart, h.portEnd, attempts)
}

func (h *Heap) register(conn *net.UDPConn, sink Sink) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	handle := &Handle{id: h.nextID, conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port}
	h.sockets[handle.id] = &registered{handle: handle, sink: sink}
	return handle
}

// FreeSocket defers closing and unregistering handle to the I/O goroutine,
// so a socket is never closed out from under an in-flight read (§4.5).
func (h *Heap) FreeSocket(handle *Handle) {
	if handle == nil {
		return
	}
	h.mu.Lock()
	h.pendingFree = append(h.pendingFree, handle.id)
	h.mu.Unlock()
}

func (h *Heap) randomPort() int {
	span := h.portEnd - h.portStart
	if span <= 0 {
		return h.portStart
	}
	return h.portStart + rand.Intn(span+1)
}

func (h *Heap) randomEvenPort() int {
	p := h.randomPort()
	if p%2 != 0 {
		p--
		if p < h.portStart {
			p += 2
		}
	}
	return p
}

// run is the single I/O goroutine: it round-robins the registered sockets,
// giving each a read deadline of 10ms divided by the number of sockets (at
// least 1ms) in turn, and drains deferred frees
// between rounds. This is the Go-idiomatic analogue of the select()-based
// I/O thread described by §4.5 — one goroutine, not one per socket.
func (h *Heap) run() {
	defer close(h.doneCh)
	buf := make([]byte, MaxValidUDPPacketSize+1)
	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		h.drainPendingFree()

		h.mu.Lock()
		active := make([]*registered, 0, len(h.sockets))
		for _, r := range h.sockets {
			active = append(active, r)
		}
		h.mu.Unlock()

		if len(active) == 0 {
			time.Sleep(pollInterval)
			continue
		}

		perSocket := pollInterval / time.Duration(len(active))
		if perSocket <= 0 {
			perSocket = time.Millisecond
		}
		for _, r := range active {
			r.handle.conn.SetReadDeadline(time.Now().Add(perSocket))
			n, addr, err := r.handle.conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			if n > MaxValidUDPPacketSize {
				continue // oversized datagram dropped per §4.5
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			r.sink.OnDatagram(payload, addr)
		}
	}
}

func (h *Heap) drainPendingFree() {
	h.mu.Lock()
	toFree := h.pendingFree
	h.pendingFree = nil
	for _, id := range toFree {
		if r, ok := h.sockets[id]; ok {
			r.handle.conn.Close()
			delete(h.sockets, id)
		}
	}
	h.mu.Unlock()
}

// Close stops the I/O goroutine and closes every outstanding socket.
func (h *Heap) Close() error {
	h.once.Do(func() {
		close(h.stopCh)
		<-h.doneCh
		h.mu.Lock()
		for id, r := range h.sockets {
			r.handle.conn.Close()
			delete(h.sockets, id)
		}
		h.mu.Unlock()
	})
	return nil
}

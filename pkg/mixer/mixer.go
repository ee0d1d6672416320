// Package mixer implements the per-session PCM mixer (§4.3): a fixed
// capacity of N channels keyed by (context, ssrc), summing active inputs
// sample-by-sample with per-channel fade-out and saturating clamp.
//
// Grounded in the teacher's PCM buffer/mutex style (pkg/media's audio
// handling) generalized into a free-standing component, since no pack
// library covers audio mixing.
package mixer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/go-uacore/pkg/audio"
)

// key identifies one mixer channel: an owning context (e.g. an audio
// stream pointer or session id) plus the RTP SSRC contributing to it.
type key struct {
	context interface{}
	ssrc    uint32
}

// channel holds one input's resampled PCM and fade-out state.
type channel struct {
	key        key
	buf        []int16
	resampler  *audio.Resampler
	active     bool
	fadeOut    bool
	fadeGain   float64 // 1.0 down to 0.0 while fading
	lastTouch  time.Time
}

// Mixer sums up to Capacity concurrently active PCM channels into a single
// output stream at deviceRate, per §4.3.
type Mixer struct {
	mu         sync.Mutex
	capacity   int
	deviceRate audio.Rate
	channels   map[key]*channel
	order      []key // insertion order; evictLocked scans it for the LRU inactive channel
	activeN    int32 // atomic active-channel counter (§4.3: "allows the caller to skip generation work")
}

// New builds a mixer with a fixed channel capacity.
func New(capacity int, deviceRate audio.Rate) *Mixer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mixer{
		capacity:   capacity,
		deviceRate: deviceRate,
		channels:   make(map[key]*channel),
	}
}

// ActiveChannels returns the number of channels currently holding data,
// letting callers skip generation work when the mixer already has enough
// (§4.3).
func (m *Mixer) ActiveChannels() int {
	return int(atomic.LoadInt32(&m.activeN))
}

// AddPCM routes pcm (at the given rate) into the channel keyed by
// (context, ssrc), allocating it on first use and evicting the
// least-recently-used inactive channel if the mixer is already at
// capacity. fadeOut arms the fade-out envelope for when this channel next
// goes inactive.
func (m *Mixer) AddPCM(context interface{}, ssrc uint32, pcm []int16, rate audio.Rate, fadeOut bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{context: context, ssrc: ssrc}
	ch, ok := m.channels[k]
	if !ok {
		if len(m.channels) >= m.capacity {
			m.evictLocked()
			if len(m.channels) >= m.capacity {
				return
			}
		}
		resampler, _ := audio.NewResampler(rate, m.deviceRate)
		ch = &channel{key: k, resampler: resampler}
		m.channels[k] = ch
		m.order = append(m.order, k)
	}
	if !ch.active {
		atomic.AddInt32(&m.activeN, 1)
	}
	ch.active = true
	ch.fadeOut = fadeOut
	ch.fadeGain = 1.0
	ch.lastTouch = time.Now()

	resampled := pcm
	if ch.resampler != nil {
		resampled = ch.resampler.Process(pcm)
	}
	ch.buf = append(ch.buf, resampled...)
}

// evictLocked drops the least-recently-used inactive channel to make room
// for a new one; if every channel is active, nothing is evicted (the new
// channel simply fails to allocate and AddPCM's caller drops that SSRC's audio —
// this is the spec's documented capacity back-pressure, not an error).
func (m *Mixer) evictLocked() {
	victim := -1
	for i, k := range m.order {
		ch, ok := m.channels[k]
		if ok && !ch.active && (victim < 0 || ch.lastTouch.Before(m.channels[m.order[victim]].lastTouch)) {
			victim = i
		}
	}
	if victim >= 0 {
		delete(m.channels, m.order[victim])
		m.order = append(m.order[:victim], m.order[victim+1:]...)
	}
}

// MixAndGetPCM sums all active channels sample-by-sample into a buffer of
// the requested length, applying fade-out envelopes and int16 saturation
// (never wrap-around). If a channel runs dry mid-mix, remaining samples
// for it are treated as silence for this call. A channel that was armed
// with fadeOut and has fully drained its buffer is marked inactive after
// its envelope reaches zero.
func (m *Mixer) MixAndGetPCM(length int) []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int32, length)
	anyActive := false

	for _, ch := range m.channels {
		if !ch.active {
			continue
		}
		anyActive = true
		n := len(ch.buf)
		if n > length {
			n = length
		}
		for i := 0; i < n; i++ {
			sample := float64(ch.buf[i])
			if ch.fadeOut {
				sample *= ch.fadeGain
				ch.fadeGain -= 1.0 / float64(length)
				if ch.fadeGain < 0 {
					ch.fadeGain = 0
				}
			}
			out[i] += int32(sample)
		}
		if n < len(ch.buf) {
			ch.buf = ch.buf[n:]
		} else {
			ch.buf = ch.buf[:0]
		}
		if len(ch.buf) == 0 {
			if ch.fadeOut && ch.fadeGain <= 0 {
				ch.active = false
				atomic.AddInt32(&m.activeN, -1)
			} else if !ch.fadeOut {
				// No fade requested: channel goes inactive as soon as it
				// runs dry, matching "silence when all inputs are inactive".
				ch.active = false
				atomic.AddInt32(&m.activeN, -1)
			}
		}
	}

	if !anyActive {
		return make([]int16, length)
	}

	result := make([]int16, length)
	for i, v := range out {
		result[i] = saturate(v)
	}
	return result
}

// saturate clamps to the int16 range by clipping, never wrapping — the
// invariant tested by §8 ("no wrap-around").
func saturate(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// UnregisterChannel evicts every channel owned by context, used before
// dropping an audio stream (§4.3).
func (m *Mixer) UnregisterChannel(context interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	newOrder := m.order[:0:0]
	for _, k := range m.order {
		if k.context == context {
			if ch, ok := m.channels[k]; ok && ch.active {
				atomic.AddInt32(&m.activeN, -1)
			}
			delete(m.channels, k)
			continue
		}
		newOrder = append(newOrder, k)
	}
	m.order = newOrder
}

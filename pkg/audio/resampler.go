package audio

import "fmt"

// Rate is one of the fixed sample rates the resampler set supports
// (8/16/32/48 kHz ↔ device rate, §2).
type Rate uint32

const (
	Rate8k  Rate = 8000
	Rate16k Rate = 16000
	Rate32k Rate = 32000
	Rate48k Rate = 48000
)

// Resampler converts interleaved int16 PCM between two fixed rates using
// linear interpolation — adequate for the telephony-grade rates above and
// simple enough to keep on the audio stream's hot path without a DSP
// library (no resampling library appears anywhere in the retrieved
// example pack).
type Resampler struct {
	from, to Rate
	// pos holds the fractional position between calls so a stream of
	// successive frames resamples continuously rather than restarting the
	// phase at each call.
	pos    float64
	last   int16
	hasLast bool
}

// NewResampler builds a resampler converting from one fixed rate to another.
func NewResampler(from, to Rate) (*Resampler, error) {
	if from == 0 || to == 0 {
		return nil, fmt.Errorf("audio: resampler rate must be non-zero")
	}
	return &Resampler{from: from, to: to}, nil
}

// Process resamples in into a newly allocated slice at the target rate.
func (r *Resampler) Process(in []int16) []int16 {
	if r.from == r.to || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(r.from) / float64(r.to)
	outLen := int(float64(len(in)) / ratio)
	if outLen <= 0 {
		return nil
	}
	out := make([]int16, outLen)
	pos := r.pos
	for i := 0; i < outLen; i++ {
		srcPos := pos
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		var s0, s1 int16
		if idx < len(in) {
			s0 = in[idx]
		} else if r.hasLast {
			s0 = r.last
		}
		if idx+1 < len(in) {
			s1 = in[idx+1]
		} else {
			s1 = s0
		}
		out[i] = int16(float64(s0) + frac*(float64(s1)-float64(s0)))
		pos += ratio
	}
	r.pos = pos - float64(int(pos/float64(len(in)+1))*(len(in)+1))
	if len(in) > 0 {
		r.last = in[len(in)-1]
		r.hasLast = true
	}
	// Keep phase bounded to avoid unbounded drift across many calls.
	if r.pos > float64(len(in)) {
		r.pos = 0
	}
	return out
}

// Reset clears interpolation state, used when a stream's source changes
// (e.g. after refreshMediaPath or an SSRC switch).
func (r *Resampler) Reset() {
	r.pos = 0
	r.hasLast = false
}

// Set is the fixed bank of resamplers an audio stream keeps — one per
// supported codec rate, converting to/from the device rate (§2 "Resampler
// set").
type Set struct {
	deviceRate Rate
	toDevice   map[Rate]*Resampler
	fromDevice map[Rate]*Resampler
}

// NewSet builds resamplers for every supported rate against deviceRate.
func NewSet(deviceRate Rate) *Set {
	rates := []Rate{Rate8k, Rate16k, Rate32k, Rate48k}
	s := &Set{
		deviceRate: deviceRate,
		toDevice:   make(map[Rate]*Resampler, len(rates)),
		fromDevice: make(map[Rate]*Resampler, len(rates)),
	}
	for _, rate := range rates {
		toDev, _ := NewResampler(rate, deviceRate)
		fromDev, _ := NewResampler(deviceRate, rate)
		s.toDevice[rate] = toDev
		s.fromDevice[rate] = fromDev
	}
	return s
}

// ToDevice resamples from codecRate to the device rate.
func (s *Set) ToDevice(codecRate Rate, in []int16) []int16 {
	r, ok := s.toDevice[codecRate]
	if !ok {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	return r.Process(in)
}

// FromDevice resamples from the device rate to codecRate.
func (s *Set) FromDevice(codecRate Rate, in []int16) []int16 {
	r, ok := s.fromDevice[codecRate]
	if !ok {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	return r.Process(in)
}

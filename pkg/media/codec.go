package media

import "time"

// Codec is the opaque factory surface that keeps callers ignorant of a
// specific codec's internals (§4.2 "Codec factory surface"): only the
// encoder/decoder pair and the framing parameters needed to build RTP
// packets and SDP attributes are exposed.
type Codec interface {
	NewEncoder() Encoder
	NewDecoder() Decoder
	PayloadType() uint8
	Name() string
	SampleRate() uint32
	Channels() uint8
	FrameDuration() time.Duration
	// PayloadSize is the encoded octet count for one frame of
	// FrameDuration at SampleRate.
	PayloadSize() int
}

// Encoder turns one frame of linear PCM into its wire payload.
type Encoder interface {
	Encode(pcm []int16) []byte
}

// Decoder turns one RTP payload back into linear PCM.
type Decoder interface {
	Decode(payload []byte) []int16
}

// CodecPriority walks local in priority order and returns the first entry
// whose payload type also appears in remotePTs (§4.2: "a static priority
// list picks the first mutually supported entry — no adaptive switching").
func CodecPriority(local []Codec, remotePTs []int) (Codec, bool) {
	for _, c := range local {
		for _, pt := range remotePTs {
			if int(c.PayloadType()) == pt {
				return c, true
			}
		}
	}
	return nil, false
}

// Package wavfile provides minimal WAV read/write sinks for capturing or
// replaying a call's PCM audio, used by test tooling and the `uactl`
// recorder command. No WAV library appears anywhere in the retrieved
// example pack, so this is built directly on encoding/binary + io, per the
// stdlib justification recorded in DESIGN.md.
package wavfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	riffHeaderSize = 44
	formatPCM      = 1
)

// Writer streams 16-bit PCM samples into a canonical 44-byte-header WAV
// file. The RIFF/data chunk sizes are backpatched on Close, so the
// underlying writer must support Seek (an *os.File satisfies this).
type Writer struct {
	w          io.WriteSeeker
	sampleRate int
	channels   int
	dataBytes  uint32
}

// NewWriter writes a placeholder WAV header and returns a Writer ready for
// sample data.
func NewWriter(w io.WriteSeeker, sampleRate, channels int) (*Writer, error) {
	wr := &Writer{w: w, sampleRate: sampleRate, channels: channels}
	if err := wr.writeHeader(0); err != nil {
		return nil, err
	}
	return wr, nil
}

func (wr *Writer) writeHeader(dataBytes uint32) error {
	byteRate := wr.sampleRate * wr.channels * 2
	blockAlign := wr.channels * 2

	buf := make([]byte, riffHeaderSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataBytes)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(wr.channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(wr.sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataBytes)

	if _, err := wr.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wavfile: seeking to header: %w", err)
	}
	_, err := wr.w.Write(buf)
	return err
}

// WriteSamples appends PCM samples to the file.
func (wr *Writer) WriteSamples(samples []int16) error {
	if _, err := wr.w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wavfile: seeking to end: %w", err)
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	n, err := wr.w.Write(buf)
	if err != nil {
		return fmt.Errorf("wavfile: writing samples: %w", err)
	}
	wr.dataBytes += uint32(n)
	return nil
}

// Close backpatches the RIFF/data chunk sizes now that the final length is
// known.
func (wr *Writer) Close() error {
	return wr.writeHeader(wr.dataBytes)
}

// Reader decodes 16-bit PCM samples out of a canonical WAV file.
type Reader struct {
	r          io.Reader
	SampleRate int
	Channels   int
}

// NewReader parses the RIFF/WAVE header and positions the reader at the
// start of sample data.
func NewReader(r io.Reader) (*Reader, error) {
	header := make([]byte, riffHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("wavfile: reading header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, fmt.Errorf("wavfile: not a RIFF/WAVE file")
	}
	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	if audioFormat != formatPCM {
		return nil, fmt.Errorf("wavfile: unsupported audio format %d, want PCM", audioFormat)
	}
	return &Reader{
		r:          r,
		Channels:   int(binary.LittleEndian.Uint16(header[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(header[24:28])),
	}, nil
}

// ReadSamples fills dst with up to len(dst) samples, returning the number
// read and io.EOF at end of stream.
func (r *Reader) ReadSamples(dst []int16) (int, error) {
	buf := make([]byte, len(dst)*2)
	n, err := io.ReadFull(r.r, buf)
	full := n / 2
	for i := 0; i < full; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return full, err
}

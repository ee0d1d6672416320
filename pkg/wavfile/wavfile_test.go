package wavfile

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSeeker struct {
	buf *bytes.Buffer
	pos int
}

func newMemSeeker() *memSeeker { return &memSeeker{buf: &bytes.Buffer{}} }

func (m *memSeeker) Write(p []byte) (int, error) {
	data := m.buf.Bytes()
	if m.pos == len(data) {
		n, err := m.buf.Write(p)
		m.pos += n
		return n, err
	}
	// overwrite in place (header backpatch)
	end := m.pos + len(p)
	if end > len(data) {
		end = len(data)
	}
	copy(data[m.pos:end], p[:end-m.pos])
	m.pos = end
	return len(p), nil
}

func (m *memSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = int(offset)
	case io.SeekEnd:
		m.pos = m.buf.Len()
	}
	return int64(m.pos), nil
}

func TestWriteThenRead_RoundTripsSamplesAndFormat(t *testing.T) {
	seeker := newMemSeeker()
	w, err := NewWriter(seeker, 8000, 1)
	require.NoError(t, err)

	samples := []int16{100, -200, 300, -400}
	require.NoError(t, w.WriteSamples(samples))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(seeker.buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 8000, r.SampleRate)
	assert.Equal(t, 1, r.Channels)

	got := make([]int16, 4)
	n, err := r.ReadSamples(got)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, samples, got)
}

func TestNewReader_RejectsNonRIFF(t *testing.T) {
	_, err := NewReader(bytes.NewReader(make([]byte, 44)))
	assert.Error(t, err)
}

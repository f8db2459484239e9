// Package audio accumulates captured frames into transmit-ready chunks.
package audio

import (
	"encoding/binary"
	"sync"
	"time"

	"live-transcription-client/internal/service/capture"
)

// DefaultMinSamples is the smallest chunk sent to the recognizer: 500 ms at 16 kHz.
const DefaultMinSamples = 8000

// MinSamplesFor converts a minimum chunk duration into a sample threshold.
func MinSamplesFor(d time.Duration) int {
	n := int(d * capture.SampleRateHz / time.Second)
	if n <= 0 {
		return DefaultMinSamples
	}
	return n
}

// Chunk is a contiguous run of whole frames, in capture order.
type Chunk struct {
	Seq        uint64
	Samples    []int16
	FirstFrame uint64
	LastFrame  uint64
}

// Bytes encodes the samples as little-endian signed 16-bit PCM.
func (c Chunk) Bytes() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration returns the audio duration of the chunk.
func (c Chunk) Duration() time.Duration {
	return time.Duration(len(c.Samples)) * time.Second / capture.SampleRateHz
}

// Chunker buffers frames until the pending sample count reaches the
// threshold, then emits every pending frame as one chunk and starts over.
// A frame is never split across chunks.
type Chunker struct {
	minSamples int

	mu      sync.Mutex
	pending []capture.Frame
	count   int
	seq     uint64
}

// NewChunker creates a chunker. A non-positive threshold uses DefaultMinSamples.
func NewChunker(minSamples int) *Chunker {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Chunker{minSamples: minSamples}
}

// Push appends a frame. When the threshold is crossed it returns the chunk
// and clears the buffer in the same critical section.
func (c *Chunker) Push(f capture.Frame) (Chunk, bool) {
	if len(f.Samples) == 0 {
		return Chunk{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, f)
	c.count += len(f.Samples)
	if c.count < c.minSamples {
		return Chunk{}, false
	}

	samples := make([]int16, 0, c.count)
	for _, p := range c.pending {
		samples = append(samples, p.Samples...)
	}
	chunk := Chunk{
		Seq:        c.seq,
		Samples:    samples,
		FirstFrame: c.pending[0].Seq,
		LastFrame:  c.pending[len(c.pending)-1].Seq,
	}
	c.seq++
	c.pending = c.pending[:0]
	c.count = 0
	return chunk, true
}

// Reset abandons buffered frames and returns how many samples were discarded.
func (c *Chunker) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.count
	c.pending = c.pending[:0]
	c.count = 0
	return n
}

// Pending returns the number of buffered samples.
func (c *Chunker) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// MinSamples returns the emission threshold.
func (c *Chunker) MinSamples() int {
	return c.minSamples
}

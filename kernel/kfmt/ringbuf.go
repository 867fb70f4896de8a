package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. The ring buffer size must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer captures the output of Printf before an output sink is
// registered. Once full, new writes overwrite the oldest unread bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)

		// Drop the oldest byte when the writer catches up with the reader
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Read reads up to len(p) bytes into p. It returns io.EOF once all buffered
// data has been consumed.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	avail := rb.Len()
	if avail == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && n < avail {
		// Copy the contiguous chunk up to the end of the backing array
		chunkEnd := rb.rIndex + (avail - n)
		if chunkEnd > ringBufferSize {
			chunkEnd = ringBufferSize
		}

		copied := copy(p[n:], rb.buffer[rb.rIndex:chunkEnd])
		n += copied
		rb.rIndex = (rb.rIndex + copied) & (ringBufferSize - 1)
	}

	return n, nil
}

// Package stream accumulates the output of a child process.
package stream

import (
	"bytes"
	"sync"
)

// ChunkFunc observes each chunk as it is accepted. It must not retain p.
type ChunkFunc func(p []byte)

// Accumulator is an append-only io.Writer for one output channel.
// It keeps up to limit bytes (no cap when limit <= 0) and silently
// discards the rest. Once sealed, further writes are dropped.
type Accumulator struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	sealed    bool
	onChunk   ChunkFunc
}

// NewAccumulator returns an Accumulator. onChunk may be nil.
func NewAccumulator(limit int, onChunk ChunkFunc) *Accumulator {
	return &Accumulator{limit: limit, onChunk: onChunk}
}

// Write appends p. It always reports len(p) bytes consumed so that the
// copying goroutine never fails on a short write.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed || len(p) == 0 {
		return len(p), nil
	}
	if a.onChunk != nil {
		a.onChunk(p)
	}

	if a.limit <= 0 {
		return a.buf.Write(p)
	}
	remaining := a.limit - a.buf.Len()
	if remaining <= 0 {
		a.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		a.buf.Write(p[:remaining])
		a.truncated = true
		return len(p), nil
	}
	return a.buf.Write(p)
}

// Seal stops accepting writes. It is idempotent.
func (a *Accumulator) Seal() {
	a.mu.Lock()
	a.sealed = true
	a.mu.Unlock()
}

// String returns the accumulated text.
func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Len returns the number of bytes kept.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// Truncated reports whether any accepted bytes were dropped by the limit.
func (a *Accumulator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncated
}

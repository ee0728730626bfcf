package docker

import (
	"sync"
)

const defaultTailSize = 64 * 1024

// tailBuffer keeps the last size bytes written to it. Commands like `yes`
// cannot exhaust memory; only the tail of their output is kept.
type tailBuffer struct {
	mu      sync.Mutex
	buf     []byte
	head    int // next write position
	full    bool
	dropped int64
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = defaultTailSize
	}
	return &tailBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Once full, the oldest bytes are overwritten.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	size := len(b.buf)
	if n >= size {
		b.dropped += int64(b.length() + n - size)
		copy(b.buf, p[n-size:])
		b.head = 0
		b.full = true
		return n, nil
	}

	for _, c := range p {
		if b.full {
			b.dropped++
		}
		b.buf[b.head] = c
		b.head = (b.head + 1) % size
		if b.head == 0 {
			b.full = true
		}
	}
	return n, nil
}

// length returns the number of buffered bytes. Callers must hold mu.
func (b *tailBuffer) length() int {
	if b.full {
		return len(b.buf)
	}
	return b.head
}

// String returns the buffered bytes oldest first.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return string(b.buf[:b.head])
	}
	return string(b.buf[b.head:]) + string(b.buf[:b.head])
}

// Truncated reports whether output was dropped.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

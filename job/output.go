package job

import (
	"context"
	"sync"
)

// Output is the in-memory, append-only output of one running job. Any number
// of subscribers replay what was written so far and then follow live chunks.
// Chunks are delivered whole and in append order; slow subscribers never lose
// chunks and never block Append.
type Output struct {
	mu      sync.Mutex
	chunks  [][]byte
	size    int
	closed  bool
	changed chan struct{}
}

// NewOutput returns an empty, open buffer
func NewOutput() *Output {
	return &Output{changed: make(chan struct{})}
}

// Append adds a chunk. Appending to a closed buffer is a no-op.
func (o *Output) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.chunks = append(o.chunks, chunk)
	o.size += len(chunk)
	o.notifyLocked()
}

// Close ends the stream; subscribers drain and their channels close
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.notifyLocked()
}

// notifyLocked wakes every waiting subscriber. REQUIRES: o.mu held.
func (o *Output) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

// Bytes returns a copy of everything appended so far
func (o *Output) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]byte, 0, o.size)
	for _, c := range o.chunks {
		out = append(out, c...)
	}
	return out
}

// Closed reports whether Close has been called
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Subscribe returns a channel that yields every chunk from the first one on,
// and closes once the buffer is closed and drained, or ctx is done.
func (o *Output) Subscribe(ctx context.Context) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		next := 0
		for {
			o.mu.Lock()
			if next < len(o.chunks) {
				chunk := o.chunks[next]
				o.mu.Unlock()
				next++
				select {
				case ch <- chunk:
					continue
				case <-ctx.Done():
					return
				}
			}
			if o.closed {
				o.mu.Unlock()
				return
			}
			changed := o.changed
			o.mu.Unlock()

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

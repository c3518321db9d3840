package golin

import (
	"context"
	"sync"
	"time"
)

// BufferedReader is a Listener that queues every frame it is handed so that
// a foreground goroutine can pull them with Pop. The queue is unbounded.
//
// After Stop no more frames are accepted, frames already queued can still be
// popped.
type BufferedReader struct {
	mu      sync.Mutex
	queue   []Frame
	stopped bool
	count   uint64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewBufferedReader() *BufferedReader {
	return &BufferedReader{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends a frame to the queue
func (r *BufferedReader) Push(f Frame) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrReaderStopped
	}
	r.queue = append(r.queue, f)
	r.count++
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *BufferedReader) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// tryPop returns the oldest frame if there is one, and whether the reader is stopped.
func (r *BufferedReader) tryPop() (Frame, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		r.queue = nil
		return Frame{}, false, r.stopped
	}
	f := r.queue[0]
	r.queue[0] = Frame{}
	r.queue = r.queue[1:]
	if len(r.queue) > 0 {
		// pass the wakeup on to the next waiting Pop
		r.signal()
	}
	return f, true, r.stopped
}

// Pop returns the oldest queued frame, waiting at most timeout for one to
// arrive. A negative timeout waits until a frame arrives or the reader is
// stopped. Once stopped and empty Pop returns immediately.
func (r *BufferedReader) Pop(timeout time.Duration) (Frame, bool) {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		f, ok, stopped := r.tryPop()
		if ok {
			return f, true
		}
		if stopped {
			return Frame{}, false
		}
		select {
		case <-r.wake:
		case <-r.done:
		case <-expired:
			f, ok, _ := r.tryPop()
			return f, ok
		}
	}
}

// PopContext waits for a frame until ctx is done. It returns ErrReaderStopped
// once the reader is stopped and drained.
func (r *BufferedReader) PopContext(ctx context.Context) (Frame, error) {
	for {
		f, ok, stopped := r.tryPop()
		if ok {
			return f, nil
		}
		if stopped {
			return Frame{}, ErrReaderStopped
		}
		select {
		case <-r.wake:
		case <-r.done:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Drain removes and returns every queued frame without blocking.
func (r *BufferedReader) Drain() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.queue))
	copy(out, r.queue)
	r.queue = nil
	return out
}

// Len returns the number of queued frames
func (r *BufferedReader) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Count returns the number of frames accepted since creation
func (r *BufferedReader) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *BufferedReader) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Stop prohibits any more additions to the reader.
func (r *BufferedReader) Stop() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *BufferedReader) OnFrame(f Frame) error {
	return r.Push(f)
}

func (r *BufferedReader) OnError(error) bool {
	return false
}

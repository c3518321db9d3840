package golin

import (
	"sync"
	"sync/atomic"
	"time"
)

// step is one scripted Receive result. A step with neither frame nor error
// is a receive timeout.
type step struct {
	frame *Frame
	err   error
}

func rx(id uint8, data ...byte) step {
	f := MustFrame(id, data)
	return step{frame: &f}
}

func timeout() step {
	return step{}
}

func fail(err error) step {
	return step{err: err}
}

// testBus plays back a script and then times out until shut down.
type testBus struct {
	name string

	mu     sync.Mutex
	script []step

	closeOnce sync.Once
	closed    chan struct{}
	shutdowns atomic.Int32
	receives  atomic.Int32
}

func newTestBus(name string, script ...step) *testBus {
	return &testBus{
		name:   name,
		script: script,
		closed: make(chan struct{}),
	}
}

func (b *testBus) Name() string {
	return b.name
}

func (b *testBus) Receive(timeout time.Duration) (*Frame, error) {
	b.receives.Add(1)
	b.mu.Lock()
	if len(b.script) > 0 {
		s := b.script[0]
		b.script = b.script[1:]
		b.mu.Unlock()
		return s.frame, s.err
	}
	b.mu.Unlock()

	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-expired:
	case <-b.closed:
	}
	return nil, nil
}

func (b *testBus) Send(Frame, time.Duration) error {
	return nil
}

func (b *testBus) Shutdown() error {
	b.shutdowns.Add(1)
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// stuckBus ignores the receive timeout and blocks until released.
type stuckBus struct {
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func newStuckBus() *stuckBus {
	return &stuckBus{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *stuckBus) Name() string {
	return "stuck"
}

func (b *stuckBus) Receive(time.Duration) (*Frame, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil, nil
}

func (b *stuckBus) Send(Frame, time.Duration) error {
	return nil
}

func (b *stuckBus) Shutdown() error {
	return nil
}

// recordingListener records frame ids, errors and stops.
type recordingListener struct {
	mu      sync.Mutex
	ids     []uint8
	errs    []error
	stops   int
	handle  bool
	onFrame func(Frame) error
}

func (l *recordingListener) OnFrame(f Frame) error {
	l.mu.Lock()
	l.ids = append(l.ids, f.ID())
	fn := l.onFrame
	l.mu.Unlock()
	if fn != nil {
		return fn(f)
	}
	return nil
}

func (l *recordingListener) OnError(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
	return l.handle
}

func (l *recordingListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
}

func (l *recordingListener) IDs() []uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint8(nil), l.ids...)
}

func (l *recordingListener) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *recordingListener) Stops() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops
}

func ids(frames []Frame) []uint8 {
	out := make([]uint8, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.ID())
	}
	return out
}

// waitFor polls cond until it holds or d expires.
func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

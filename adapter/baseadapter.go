package adapter

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/golin"
)

var (
	ErrDroppedFrame = errors.New("incoming buffer full, frame dropped")
	ErrSendTimeout  = errors.New("send timeout")
)

const defaultReceiveBuffer = 1024

// BaseAdapter holds the receive side every adapter shares: a buffered frame
// channel feeding Receive, an error channel and the close signal.
type BaseAdapter struct {
	name      string
	cfg       *golin.BusConfig
	log       *slog.Logger
	recv      chan golin.Frame
	err       chan error
	closeChan chan struct{}
	closeOnce sync.Once
	start     time.Time
	dropped   atomic.Uint64
}

func NewBaseAdapter(name string, cfg *golin.BusConfig) *BaseAdapter {
	if cfg == nil {
		cfg = &golin.BusConfig{}
	}
	size := cfg.ReceiveBuffer
	if size <= 0 {
		size = defaultReceiveBuffer
	}
	return &BaseAdapter{
		name:      name,
		cfg:       cfg,
		log:       cfg.Log().With("bus", name),
		recv:      make(chan golin.Frame, size),
		err:       make(chan error, 10),
		closeChan: make(chan struct{}),
		start:     time.Now(),
	}
}

func (base *BaseAdapter) Name() string {
	return base.name
}

// Receive implements golin.Bus. Queued frames are handed out before a
// pending error or the closed state is reported.
func (base *BaseAdapter) Receive(timeout time.Duration) (*golin.Frame, error) {
	select {
	case f := <-base.recv:
		return &f, nil
	default:
	}
	if timeout == 0 {
		select {
		case err := <-base.err:
			return nil, err
		case <-base.closeChan:
			return nil, golin.ErrClosed
		default:
			return nil, nil
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case f := <-base.recv:
		return &f, nil
	case err := <-base.err:
		return nil, err
	case <-base.closeChan:
		return nil, golin.ErrClosed
	case <-expired:
		return nil, nil
	}
}

// Timestamp returns the seconds elapsed since the adapter was created
func (base *BaseAdapter) Timestamp() float64 {
	return time.Since(base.start).Seconds()
}

// Deliver queues a frame for Receive without blocking. Frames arriving while
// the buffer is full are counted and dropped.
func (base *BaseAdapter) Deliver(f golin.Frame) {
	select {
	case base.recv <- f:
	default:
		if base.dropped.Add(1) == 1 || base.cfg.Debug {
			base.log.Warn(ErrDroppedFrame.Error(), "id", f.ID(), "dropped", base.dropped.Load())
		}
	}
}

// Enqueue queues a frame for Receive, waiting at most timeout for buffer
// space. A zero timeout fails right away with ErrDroppedFrame.
func (base *BaseAdapter) Enqueue(f golin.Frame, timeout time.Duration) error {
	if base.Closed() {
		return golin.ErrClosed
	}
	select {
	case base.recv <- f:
		return nil
	default:
	}
	if timeout == 0 {
		return ErrDroppedFrame
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case base.recv <- f:
		return nil
	case <-base.closeChan:
		return golin.ErrClosed
	case <-expired:
		return ErrSendTimeout
	}
}

// Dropped returns the number of frames lost to a full receive buffer
func (base *BaseAdapter) Dropped() uint64 {
	return base.dropped.Load()
}

// SetError reports an error to the next Receive call.
func (base *BaseAdapter) SetError(err error) {
	select {
	case base.err <- err:
	default:
		base.log.Error("adapter error channel full", "error", err)
	}
}

func (base *BaseAdapter) Closed() bool {
	select {
	case <-base.closeChan:
		return true
	default:
		return false
	}
}

// Close marks the adapter closed; it reports whether this call closed it.
func (base *BaseAdapter) Close() bool {
	closed := false
	base.closeOnce.Do(func() {
		close(base.closeChan)
		closed = true
	})
	return closed
}

package golin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

// Formatter renders a frame for the collector printer
type Formatter func(Frame) string

// Stats is a snapshot of the current or last collecting session.
type Stats struct {
	Session   string
	Total     uint64
	Elapsed   time.Duration
	Rate      float64 // frames per second
	QueueSize int
	Alive     int // delivery tasks still running
}

func (s Stats) String() string {
	return fmt.Sprintf("frames: %d elapsed: %.3fs rate: %.1f/s queued: %d", s.Total, s.Elapsed.Seconds(), s.Rate, s.QueueSize)
}

// Collector owns a bus and runs a Notifier with a BufferedReader on it,
// exposing a start/stop/collect surface. Close shuts the bus down.
type Collector struct {
	log            *slog.Logger
	printer        io.Writer
	formatter      Formatter
	listeners      []Listener
	onEvent        func(Event)
	receiveTimeout time.Duration
	stopTimeout    time.Duration
	attempts       uint
	retryDelay     time.Duration

	mu        sync.Mutex
	bus       Bus
	notifier  *Notifier
	reader    *BufferedReader
	session   string
	startedAt time.Time
	stoppedAt time.Time
	closed    bool
}

type CollectorOpt func(c *Collector)

func OptCollectorLogger(logger *slog.Logger) CollectorOpt {
	return func(c *Collector) {
		if logger != nil {
			c.log = logger
		}
	}
}

// OptPrinter writes every collected frame to w. A nil formatter uses Frame.String.
func OptPrinter(w io.Writer, formatter Formatter) CollectorOpt {
	return func(c *Collector) {
		c.printer = w
		if formatter != nil {
			c.formatter = formatter
		}
	}
}

// OptListener adds l to every session next to the internal reader. The
// notifier stops l together with the session.
func OptListener(l Listener) CollectorOpt {
	return func(c *Collector) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

func OptCollectorEvents(fn func(Event)) CollectorOpt {
	return func(c *Collector) {
		c.onEvent = fn
	}
}

func OptCollectorReceiveTimeout(timeout time.Duration) CollectorOpt {
	return func(c *Collector) {
		c.receiveTimeout = timeout
	}
}

// OptStopTimeout bounds how long stopping waits for the delivery task
func OptStopTimeout(timeout time.Duration) CollectorOpt {
	return func(c *Collector) {
		c.stopTimeout = timeout
	}
}

// OptRetry sets how many times RegisterBus tries to construct the bus
func OptRetry(attempts uint, delay time.Duration) CollectorOpt {
	return func(c *Collector) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.retryDelay = delay
	}
}

func NewCollector(opts ...CollectorOpt) *Collector {
	c := &Collector{
		log:            slog.Default(),
		formatter:      Frame.String,
		receiveTimeout: DefaultReceiveTimeout,
		stopTimeout:    2 * time.Second,
		attempts:       3,
		retryDelay:     100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterBus constructs a bus with the named adapter and takes ownership of
// it. A previously registered bus is shut down first. On failure the
// collector is left without a bus and a *BusInitError is returned.
func (c *Collector) RegisterBus(ctx context.Context, adapterName string, cfg *BusConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.releaseLocked()

	var bus Bus
	err := retry.Do(func() error {
		b, err := NewBus(adapterName, cfg)
		if err != nil {
			return err
		}
		bus = b
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.RetryIf(IsRecoverable),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("bus init failed", "adapter", adapterName, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &BusInitError{Adapter: adapterName, Cause: err}
	}
	c.bus = bus
	c.log.Info("bus registered", "adapter", adapterName, "bus", bus.Name())
	return nil
}

// SetBus hands an already constructed bus to the collector, which then owns it.
func (c *Collector) SetBus(bus Bus) error {
	if bus == nil {
		return ErrNilBus
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.bus != bus {
		c.releaseLocked()
	}
	c.bus = bus
	return nil
}

// releaseLocked stops collecting and shuts down the current bus
func (c *Collector) releaseLocked() {
	if c.bus == nil {
		return
	}
	if err := c.stopLocked(); err != nil {
		c.log.Warn("stop collecting", "error", err)
	}
	if err := c.bus.Shutdown(); err != nil {
		c.log.Warn("bus shutdown", "bus", c.bus.Name(), "error", err)
	}
	c.bus = nil
}

// Bus returns the registered bus, nil when there is none.
func (c *Collector) Bus() Bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

func (c *Collector) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus != nil
}

// StartCollecting starts a new session. Frames and statistics of a previous
// session are discarded.
func (c *Collector) StartCollecting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.bus == nil {
		return ErrNotRegistered
	}
	if err := c.stopLocked(); err != nil {
		c.log.Warn("stop previous session", "error", err)
	}

	c.reader = NewBufferedReader()
	listeners := []Listener{c.reader}
	if c.printer != nil {
		listeners = append(listeners, NewCallback(c.print))
	}
	listeners = append(listeners, c.listeners...)
	c.session = uuid.NewString()
	c.startedAt = time.Now()
	c.stoppedAt = time.Time{}

	log := c.log.With("session", c.session)
	c.notifier = NewNotifier(
		[]Bus{c.bus},
		listeners,
		OptReceiveTimeout(c.receiveTimeout),
		OptLogger(log),
		OptEventHandler(c.onEvent),
	)
	log.Info("started collecting LIN frames", "bus", c.bus.Name())
	return nil
}

func (c *Collector) print(f Frame) {
	fmt.Fprintln(c.printer, c.formatter(f))
}

// StopCollecting stops the notifier; collected frames stay available.
func (c *Collector) StopCollecting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Collector) stopLocked() error {
	if c.notifier == nil || !c.notifier.Running() {
		return nil
	}
	err := c.notifier.Stop(c.stopTimeout)
	c.stoppedAt = time.Now()
	c.log.Info("stopped collecting LIN frames", "session", c.session, "frames", c.reader.Count())
	return err
}

// Messages drains and returns the frames collected so far.
func (c *Collector) Messages() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	return c.reader.Drain()
}

// StopAndGetMessages stops collecting and returns every collected frame. The
// frames are returned even when stopping reported an error.
func (c *Collector) StopAndGetMessages() ([]Frame, error) {
	err := c.StopCollecting()
	return c.Messages(), err
}

// CollectForDuration collects for d, or until ctx is done, and returns the frames.
func (c *Collector) CollectForDuration(ctx context.Context, d time.Duration) ([]Frame, error) {
	if err := c.StartCollecting(); err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	frames, err := c.StopAndGetMessages()
	if err == nil {
		err = ctx.Err()
	}
	return frames, err
}

func (c *Collector) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st Stats
	st.Session = c.session
	if c.reader != nil {
		st.Total = c.reader.Count()
		st.QueueSize = c.reader.Len()
	}
	if c.notifier != nil {
		st.Alive = c.notifier.Alive()
	}
	if !c.startedAt.IsZero() {
		end := time.Now()
		if !c.stoppedAt.IsZero() {
			end = c.stoppedAt
		}
		st.Elapsed = end.Sub(c.startedAt)
	}
	if st.Elapsed > 0 {
		st.Rate = float64(st.Total) / st.Elapsed.Seconds()
	}
	return st
}

// Err returns the last delivery error of the current session
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifier == nil {
		return nil
	}
	return c.notifier.Err()
}

// Close stops collecting and shuts the bus down. It is safe to call more than once.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.stopLocked(); err != nil {
		c.log.Warn("stop collecting", "error", err)
	}
	if c.bus == nil {
		return nil
	}
	c.log.Debug("closing bus", "bus", c.bus.Name())
	return c.bus.Shutdown()
}

package golin

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReceiveTimeout bounds each Receive call, and with it how long Stop
	// has to wait for a delivery task to notice it should exit.
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultStopTimeout    = 5 * time.Second
)

// Notifier runs one delivery goroutine per bus and fans every received frame
// out to the registered listeners, in registration order.
type Notifier struct {
	timeout           time.Duration
	log               *slog.Logger
	onEvent           func(Event)
	continueOnHandled bool

	mu        sync.RWMutex
	listeners []Listener // copy on write
	tasks     []*deliveryTask

	running  atomic.Bool
	stopOnce sync.Once
	group    errgroup.Group

	errMu   sync.Mutex
	lastErr error
}

type deliveryTask struct {
	bus  Bus
	name string

	// held while a frame is handed to the listeners
	deliverMu sync.Mutex
	alive     atomic.Bool
	done      chan struct{}
	err       error // guarded by Notifier.errMu
}

// TaskState is a snapshot of one delivery task
type TaskState struct {
	Bus   string
	Alive bool
	Err   error
}

type NotifierOpt func(n *Notifier)

// OptReceiveTimeout sets the timeout passed to every Bus.Receive call
func OptReceiveTimeout(timeout time.Duration) NotifierOpt {
	return func(n *Notifier) {
		n.timeout = timeout
	}
}

func OptLogger(logger *slog.Logger) NotifierOpt {
	return func(n *Notifier) {
		if logger != nil {
			n.log = logger
		}
	}
}

// OptEventHandler receives task lifecycle events. It is called from the
// delivery goroutines and must not block.
func OptEventHandler(fn func(Event)) NotifierOpt {
	return func(n *Notifier) {
		n.onEvent = fn
	}
}

// OptContinueOnHandledError keeps a delivery task running after a listener
// handled its error. By default the task ends on any error.
func OptContinueOnHandledError(enabled bool) NotifierOpt {
	return func(n *Notifier) {
		n.continueOnHandled = enabled
	}
}

// NewNotifier starts one delivery task per bus right away.
func NewNotifier(buses []Bus, listeners []Listener, opts ...NotifierOpt) *Notifier {
	n := &Notifier{
		timeout: DefaultReceiveTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(n)
	}
	n.running.Store(true)
	for _, l := range listeners {
		n.AddListener(l)
	}
	for _, bus := range buses {
		if err := n.AddBus(bus); err != nil {
			n.log.Warn("bus not added", "error", err)
		}
	}
	return n
}

// AddBus starts a delivery task for one more bus.
func (n *Notifier) AddBus(bus Bus) error {
	if bus == nil {
		return ErrNilBus
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running.Load() {
		return ErrNotifierStopped
	}
	t := &deliveryTask{
		bus:  bus,
		name: bus.Name(),
		done: make(chan struct{}),
	}
	t.alive.Store(true)
	n.tasks = append(n.tasks, t)
	n.group.Go(func() error {
		return n.run(t)
	})
	return nil
}

// AddListener appends l to the notification list. Adding a listener that is
// already registered does nothing and returns false.
func (n *Notifier) AddListener(l Listener) bool {
	if l == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.listeners {
		if sameListener(existing, l) {
			n.log.Warn("listener already added", "listener", fmt.Sprintf("%T", l))
			return false
		}
	}
	next := make([]Listener, len(n.listeners), len(n.listeners)+1)
	copy(next, n.listeners)
	n.listeners = append(next, l)
	return true
}

// RemoveListener removes l from the notification list. It returns false if l
// was not registered.
func (n *Notifier) RemoveListener(l Listener) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.listeners {
		if sameListener(existing, l) {
			next := make([]Listener, 0, len(n.listeners)-1)
			next = append(next, n.listeners[:i]...)
			n.listeners = append(next, n.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns the registered listeners in delivery order
func (n *Notifier) Listeners() []Listener {
	snap := n.snapshot()
	out := make([]Listener, len(snap))
	copy(out, snap)
	return out
}

func (n *Notifier) snapshot() []Listener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.listeners
}

func (n *Notifier) Running() bool {
	return n.running.Load()
}

// Alive returns the number of delivery tasks that have not exited
func (n *Notifier) Alive() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var alive int
	for _, t := range n.tasks {
		if t.alive.Load() {
			alive++
		}
	}
	return alive
}

func (n *Notifier) Tasks() []TaskState {
	n.mu.RLock()
	tasks := append([]*deliveryTask(nil), n.tasks...)
	n.mu.RUnlock()
	n.errMu.Lock()
	defer n.errMu.Unlock()
	out := make([]TaskState, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskState{Bus: t.name, Alive: t.alive.Load(), Err: t.err})
	}
	return out
}

// Err returns the last error raised in any delivery task
func (n *Notifier) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.lastErr
}

func (n *Notifier) setErr(t *deliveryTask, err error) {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	t.err = err
	n.lastErr = err
}

func (n *Notifier) emit(evt Event) {
	if n.onEvent != nil {
		n.onEvent(evt)
	}
}

// Stop stops all delivery tasks, waiting at most timeout in total for them to
// exit, and then calls Stop on every listener. Tasks still running when the
// timeout expires are left behind and reported with ErrStopTimeout. If one of
// them is inside a listener's OnFrame, Stop returns without waiting for it and
// the listeners are stopped once that call has returned.
// Otherwise the first error that ended a task unhandled is returned.
// Only the first call has any effect.
func (n *Notifier) Stop(timeout time.Duration) error {
	var err error
	n.stopOnce.Do(func() {
		err = n.stop(timeout)
	})
	return err
}

func (n *Notifier) stop(timeout time.Duration) error {
	n.running.Store(false)

	n.mu.RLock()
	tasks := append([]*deliveryTask(nil), n.tasks...)
	n.mu.RUnlock()

	var expired <-chan time.Time
	if timeout >= 0 {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		expired = deadline.C
	}

	var abandoned []string
	var busy []*deliveryTask
	timedOut := false
	for _, t := range tasks {
		if !timedOut {
			select {
			case <-t.done:
				continue
			case <-expired:
				timedOut = true
			}
		}
		select {
		case <-t.done:
			continue
		default:
		}
		abandoned = append(abandoned, t.name)
		// a held lock means a listener is still handling a frame
		if !t.deliverMu.TryLock() {
			busy = append(busy, t)
			continue
		}
		t.deliverMu.Unlock()
	}

	var err error
	if len(abandoned) > 0 {
		err = fmt.Errorf("%w: %s", ErrStopTimeout, strings.Join(abandoned, ", "))
		n.log.Warn("delivery tasks abandoned", "buses", abandoned, "delivering", len(busy), "timeout", timeout)
		n.emit(Event{Type: EventTypeWarning, Details: err.Error()})
	} else {
		err = n.group.Wait()
	}

	if len(busy) == 0 {
		n.stopListeners()
	} else {
		// listeners are stopped once the deliveries in flight have returned
		go func() {
			for _, t := range busy {
				t.deliverMu.Lock()
				t.deliverMu.Unlock()
			}
			n.stopListeners()
		}()
	}
	n.log.Debug("notifier stopped", "buses", len(tasks))
	return err
}

func (n *Notifier) stopListeners() {
	for _, l := range n.Listeners() {
		l.Stop()
	}
}

func (n *Notifier) run(t *deliveryTask) error {
	defer close(t.done)
	defer t.alive.Store(false)

	n.log.Debug("delivery task started", "bus", t.name)
	n.emit(Event{Type: EventTypeDebug, Bus: t.name, Details: "delivery task started"})

	for n.running.Load() {
		frame, err := t.bus.Receive(n.timeout)
		if err == nil && frame != nil {
			err = n.deliver(t, *frame)
		}
		if err == nil {
			continue
		}
		if !n.running.Load() {
			// errors while shutting down are expected, the bus may already be gone
			break
		}
		derr := &DeliveryError{Bus: t.name, Err: err}
		n.setErr(t, derr)
		if !n.onError(derr) {
			n.log.Error("delivery task terminated", "bus", t.name, "error", err)
			n.emit(Event{Type: EventTypeError, Bus: t.name, Details: derr.Error()})
			return derr
		}
		n.log.Debug("suppressed exception", "bus", t.name, "error", err)
		if !n.continueOnHandled {
			n.emit(Event{Type: EventTypeWarning, Bus: t.name, Details: "delivery task ended after handled error: " + err.Error()})
			return nil
		}
	}

	n.emit(Event{Type: EventTypeDebug, Bus: t.name, Details: "delivery task stopped"})
	return nil
}

func (n *Notifier) deliver(t *deliveryTask, f Frame) error {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	if !n.running.Load() {
		return nil
	}
	for _, l := range n.snapshot() {
		if err := l.OnFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// onError offers err to every listener and reports whether at least one handled it.
func (n *Notifier) onError(err error) bool {
	handled := false
	for _, l := range n.snapshot() {
		if l.OnError(err) {
			handled = true
		}
	}
	return handled
}

package golin

import "reflect"

// Listener receives frames from a Notifier.
//
// OnFrame is called synchronously from the delivery goroutine of the bus the
// frame came from; a slow listener delays every listener registered after it.
// A non-nil error from OnFrame is handled like a receive error.
//
// OnError is offered every delivery error and reports whether it handled it.
// Stop is called once when the notifier stops.
type Listener interface {
	OnFrame(Frame) error
	OnError(error) bool
	Stop()
}

// NopListener provides the default OnError and Stop. Embed it in listeners
// that only care about frames.
type NopListener struct{}

func (NopListener) OnError(error) bool { return false }

func (NopListener) Stop() {}

// Callback adapts a plain function to a Listener.
type Callback struct {
	fn      func(Frame)
	onError func(error) bool
	onStop  func()
}

type CallbackOpt func(c *Callback)

// OptOnError installs an error handler, it reports whether the error was handled.
func OptOnError(fn func(error) bool) CallbackOpt {
	return func(c *Callback) {
		c.onError = fn
	}
}

func OptOnStop(fn func()) CallbackOpt {
	return func(c *Callback) {
		c.onStop = fn
	}
}

func NewCallback(fn func(Frame), opts ...CallbackOpt) *Callback {
	c := &Callback{fn: fn}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Callback) OnFrame(f Frame) error {
	if c.fn != nil {
		c.fn(f)
	}
	return nil
}

func (c *Callback) OnError(err error) bool {
	if c.onError == nil {
		return false
	}
	return c.onError(err)
}

func (c *Callback) Stop() {
	if c.onStop != nil {
		c.onStop()
	}
}

// sameListener compares by identity. Values of non comparable dynamic types
// never match, comparing them with == would panic.
func sameListener(a, b Listener) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

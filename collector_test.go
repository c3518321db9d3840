package golin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCollector_CollectForDuration(t *testing.T) {
	bus := newTestBus("scripted", rx(0x10), timeout(), rx(0x20), timeout())
	c := NewCollector(OptCollectorReceiveTimeout(500 * time.Millisecond))
	if err := c.SetBus(bus); err != nil {
		t.Fatalf("SetBus() error = %v", err)
	}
	defer c.Close()

	frames, err := c.CollectForDuration(context.Background(), 1100*time.Millisecond)
	if err != nil {
		t.Fatalf("CollectForDuration() error = %v", err)
	}
	got := ids(frames)
	if len(got) != 2 || got[0] != 0x10 || got[1] != 0x20 {
		t.Fatalf("CollectForDuration() ids = %v, want [0x10 0x20]", got)
	}
}

func TestCollector_CollectCancelled(t *testing.T) {
	c := NewCollector(OptCollectorReceiveTimeout(10 * time.Millisecond))
	c.SetBus(newTestBus("cancel", rx(0x01)))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	frames, err := c.CollectForDuration(ctx, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CollectForDuration() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("CollectForDuration() ignored the context")
	}
	if len(frames) != 1 {
		t.Errorf("got %d frames, want 1", len(frames))
	}
}

func TestCollector_RegisterBusFailure(t *testing.T) {
	c := NewCollector(OptRetry(2, 0))
	defer c.Close()

	err := c.RegisterBus(context.Background(), "no-such-adapter", nil)
	var ierr *BusInitError
	if !errors.As(err, &ierr) {
		t.Fatalf("RegisterBus() error = %v, want *BusInitError", err)
	}
	if !errors.Is(err, ErrUnknownAdapter) {
		t.Errorf("RegisterBus() error = %v, want it to wrap %v", err, ErrUnknownAdapter)
	}
	if c.Registered() {
		t.Error("collector registered after failed RegisterBus")
	}
	if err := c.StartCollecting(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("StartCollecting() error = %v, want %v", err, ErrNotRegistered)
	}
}

func TestCollector_RegisterBusRetry(t *testing.T) {
	var calls atomic.Int32
	name := "flaky-collector-test"
	err := RegisterAdapter(&AdapterInfo{
		Name: name,
		New: func(cfg *BusConfig) (Bus, error) {
			if calls.Add(1) < 3 {
				return nil, fmt.Errorf("port busy")
			}
			return newTestBus(name), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	c := NewCollector(OptRetry(3, time.Millisecond))
	defer c.Close()
	if err := c.RegisterBus(context.Background(), name, &BusConfig{}); err != nil {
		t.Fatalf("RegisterBus() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("adapter constructed %d times, want 3", calls.Load())
	}
	if !c.Registered() {
		t.Error("collector not registered")
	}
}

func TestCollector_Statistics(t *testing.T) {
	c := NewCollector()
	c.reader = NewBufferedReader()
	for i := 0; i < 100; i++ {
		c.reader.Push(MustFrame(0x01, nil))
	}
	c.startedAt = time.Now().Add(-5 * time.Second)

	st := c.Statistics()
	if st.Total != 100 {
		t.Errorf("Total = %d, want 100", st.Total)
	}
	if math.Abs(st.Elapsed.Seconds()-5) > 0.5 {
		t.Errorf("Elapsed = %v, want about 5s", st.Elapsed)
	}
	if math.Abs(st.Rate-20) > 2 {
		t.Errorf("Rate = %f, want about 20", st.Rate)
	}
	if st.QueueSize != 100 {
		t.Errorf("QueueSize = %d, want 100", st.QueueSize)
	}
}

func TestCollector_StatisticsEmpty(t *testing.T) {
	st := NewCollector().Statistics()
	if st.Total != 0 || st.Elapsed != 0 || st.Rate != 0 {
		t.Errorf("Statistics() before collecting = %+v", st)
	}
}

func TestCollector_Restart(t *testing.T) {
	c := NewCollector(OptCollectorReceiveTimeout(10 * time.Millisecond))
	c.SetBus(newTestBus("restart", rx(0x01)))
	defer c.Close()

	if err := c.StartCollecting(); err != nil {
		t.Fatal(err)
	}
	first := c.Statistics().Session
	waitFor(time.Second, func() bool { return c.Statistics().Total == 1 })

	if err := c.StartCollecting(); err != nil {
		t.Fatal(err)
	}
	st := c.Statistics()
	if st.Session == first || st.Session == "" {
		t.Errorf("session id not renewed: %q -> %q", first, st.Session)
	}
	if st.Total != 0 {
		t.Errorf("Total after restart = %d, want 0", st.Total)
	}
	frames, err := c.StopAndGetMessages()
	if err != nil || len(frames) != 0 {
		t.Errorf("StopAndGetMessages() = %v, %v", frames, err)
	}
}

func TestCollector_Printer(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(
		OptCollectorReceiveTimeout(10*time.Millisecond),
		OptPrinter(&buf, func(f Frame) string { return fmt.Sprintf("id=%02X", f.ID()) }),
	)
	c.SetBus(newTestBus("printer", rx(0x10), rx(0x11)))
	defer c.Close()

	c.StartCollecting()
	waitFor(time.Second, func() bool { return c.Statistics().Total == 2 })
	if _, err := c.StopAndGetMessages(); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "id=10\nid=11\n" {
		t.Errorf("printed %q", got)
	}
}

func TestCollector_DefaultPrinter(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(OptCollectorReceiveTimeout(10*time.Millisecond), OptPrinter(&buf, nil))
	c.SetBus(newTestBus("default-printer", rx(0x10, 0x01)))
	defer c.Close()

	c.StartCollecting()
	waitFor(time.Second, func() bool { return c.Statistics().Total == 1 })
	c.StopCollecting()
	if !strings.Contains(buf.String(), "Frame ID: 10") {
		t.Errorf("printed %q", buf.String())
	}
}

func TestCollector_Close(t *testing.T) {
	bus := newTestBus("close")
	c := NewCollector(OptCollectorReceiveTimeout(10 * time.Millisecond))
	c.SetBus(bus)
	c.StartCollecting()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if got := bus.shutdowns.Load(); got != 1 {
		t.Errorf("bus shut down %d times, want 1", got)
	}
	if err := c.StartCollecting(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartCollecting() after Close error = %v", err)
	}
	if err := c.SetBus(newTestBus("other")); !errors.Is(err, ErrClosed) {
		t.Errorf("SetBus() after Close error = %v", err)
	}
}

func TestCollector_SetBusReplaces(t *testing.T) {
	first := newTestBus("first")
	c := NewCollector()
	defer c.Close()
	if err := c.SetBus(nil); !errors.Is(err, ErrNilBus) {
		t.Errorf("SetBus(nil) error = %v", err)
	}
	c.SetBus(first)
	c.SetBus(newTestBus("second"))
	if first.shutdowns.Load() != 1 {
		t.Error("replaced bus was not shut down")
	}
}

func TestCollector_DeliveryError(t *testing.T) {
	c := NewCollector(OptCollectorReceiveTimeout(10 * time.Millisecond))
	c.SetBus(newTestBus("err", rx(0x01), fail(errBoom)))
	defer c.Close()

	c.StartCollecting()
	waitFor(time.Second, func() bool { return c.Statistics().Alive == 0 })
	if !errors.Is(c.Err(), errBoom) {
		t.Errorf("Err() = %v", c.Err())
	}
	frames, err := c.StopAndGetMessages()
	if !errors.Is(err, errBoom) {
		t.Errorf("StopAndGetMessages() error = %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("got %d frames, want the one received before the error", len(frames))
	}
}

func TestCollector_ExtraListener(t *testing.T) {
	l := &recordingListener{}
	c := NewCollector(OptCollectorReceiveTimeout(10*time.Millisecond), OptListener(l))
	bus := newTestBus("extra", rx(0x10), rx(0x11))
	c.SetBus(bus)
	defer c.Close()

	if c.Bus() != bus {
		t.Fatal("Bus() should return the registered bus")
	}
	c.StartCollecting()
	waitFor(time.Second, func() bool { return len(l.IDs()) == 2 })
	frames, err := c.StopAndGetMessages()
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(frames); len(got) != 2 {
		t.Errorf("collected %v", got)
	}
	if got := l.IDs(); len(got) != 2 || got[0] != 0x10 || got[1] != 0x11 {
		t.Errorf("listener saw %v", got)
	}
	if l.Stops() != 1 {
		t.Errorf("listener stopped %d times, want 1", l.Stops())
	}
}

package recorder

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"github.com/roffe/golin"
)

var ErrReadOnly = errors.New("replay bus is read only")

func init() {
	if err := golin.RegisterAdapter(&golin.AdapterInfo{
		Name:        "Replay",
		Description: "Plays back a recording, Port is the database path",
		New:         newReplayBus,
	}); err != nil {
		panic(err)
	}
}

// newReplayBus reads "session" (default: the latest) and "speed" (0 plays
// back without delays) from the Additional settings.
func newReplayBus(cfg *golin.BusConfig) (golin.Bus, error) {
	if cfg.Port == "" {
		return nil, golin.Unrecoverable(errors.New("no recording given"))
	}
	session := cfg.Additional["session"]
	if session == "" {
		sessions, err := Sessions(cfg.Port)
		if err != nil {
			return nil, err
		}
		if len(sessions) == 0 {
			return nil, golin.Unrecoverable(fmt.Errorf("%s has no recordings", cfg.Port))
		}
		session = sessions[len(sessions)-1].ID
	}
	frames, err := Load(cfg.Port, session)
	if err != nil {
		return nil, golin.Unrecoverable(err)
	}
	speed := 1.0
	if v := cfg.Additional["speed"]; v != "" {
		if speed, err = strconv.ParseFloat(v, 64); err != nil || speed < 0 {
			return nil, golin.Unrecoverable(fmt.Errorf("invalid replay speed %q", v))
		}
	}
	return NewReplay(frames, speed), nil
}

func loadSession(db *storm.DB, session string) ([]golin.Frame, error) {
	var s Session
	if err := db.One("ID", session, &s); err != nil {
		if errors.Is(err, storm.ErrNotFound) {
			return nil, fmt.Errorf("session %q not found", session)
		}
		return nil, err
	}
	var records []Record
	err := db.Select(q.Eq("Session", session)).OrderBy("Seq").Find(&records)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, err
	}
	out := make([]golin.Frame, 0, len(records))
	for _, r := range records {
		f, err := r.Frame()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", r.Seq, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Replay is a bus that hands out recorded frames. With a positive speed the
// original spacing between frames is kept, scaled by speed. Once all frames
// are played Receive behaves like an idle bus and Done is closed.
type Replay struct {
	frames []golin.Frame
	speed  float64

	mu      sync.Mutex
	next    int
	started time.Time

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func NewReplay(frames []golin.Frame, speed float64) *Replay {
	r := &Replay{
		frames: frames,
		speed:  speed,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	if len(frames) == 0 {
		close(r.done)
	}
	return r
}

func (r *Replay) Name() string {
	return "Replay"
}

// Done is closed once every frame has been received
func (r *Replay) Done() <-chan struct{} {
	return r.done
}

// due returns the next frame and how long until it is due.
func (r *Replay) due() (golin.Frame, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.frames) {
		return golin.Frame{}, 0, false
	}
	f := r.frames[r.next]
	if r.started.IsZero() {
		r.started = time.Now()
	}
	if r.speed <= 0 {
		return f, 0, true
	}
	offset := (f.Timestamp() - r.frames[0].Timestamp()) / r.speed
	wait := time.Until(r.started.Add(time.Duration(offset * float64(time.Second))))
	return f, wait, true
}

func (r *Replay) advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	if r.next >= len(r.frames) {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

func (r *Replay) Receive(timeout time.Duration) (*golin.Frame, error) {
	select {
	case <-r.closed:
		return nil, golin.ErrClosed
	default:
	}
	f, wait, ok := r.due()
	if !ok {
		return nil, r.idle(timeout)
	}
	if wait > 0 {
		if timeout >= 0 && wait > timeout {
			return nil, r.idle(timeout)
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.closed:
			return nil, golin.ErrClosed
		}
	}
	r.advance()
	return &f, nil
}

func (r *Replay) idle(timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-expired:
		return nil
	case <-r.closed:
		return golin.ErrClosed
	}
}

func (r *Replay) Send(golin.Frame, time.Duration) error {
	return ErrReadOnly
}

func (r *Replay) Shutdown() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

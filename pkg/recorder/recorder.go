// Package recorder persists LIN frames to a storm database and plays them
// back as a bus.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/google/uuid"
	"github.com/roffe/golin"
	bolt "go.etcd.io/bbolt"
)

const defaultBatchSize = 64

var ErrRecorderClosed = errors.New("recorder closed")

// Record is one stored frame
type Record struct {
	ID          int    `storm:"id,increment"`
	Session     string `storm:"index"`
	Seq         uint64 `storm:"index"`
	Timestamp   float64
	FrameID     uint8 `storm:"index"`
	Data        []byte
	Checksum    uint8
	HasChecksum bool
	Direction   golin.Direction
	Channel     string
	Error       bool
}

// Session describes one recording
type Session struct {
	ID      string `storm:"id"`
	Name    string
	Started time.Time
	Stopped time.Time
	Frames  uint64
}

func NewRecord(session string, seq uint64, f golin.Frame) Record {
	cs, ok := f.Checksum()
	return Record{
		Session:     session,
		Seq:         seq,
		Timestamp:   f.Timestamp(),
		FrameID:     f.ID(),
		Data:        f.Data(),
		Checksum:    cs,
		HasChecksum: ok,
		Direction:   f.Direction(),
		Channel:     f.Channel(),
		Error:       f.IsError(),
	}
}

// Frame rebuilds the stored frame
func (r Record) Frame() (golin.Frame, error) {
	opts := []golin.FrameOpt{
		golin.OptTimestamp(r.Timestamp),
		golin.OptDirection(r.Direction),
		golin.OptChannel(r.Channel),
	}
	if r.HasChecksum {
		opts = append(opts, golin.OptChecksum(r.Checksum))
	}
	if r.Error {
		opts = append(opts, golin.OptErrorFrame)
	}
	return golin.NewFrame(r.FrameID, r.Data, opts...)
}

// Recorder is a Listener that writes every frame it is handed to the
// database, in batches. Stop flushes the last batch and closes the database.
type Recorder struct {
	db        *storm.DB
	log       *slog.Logger
	batchSize int

	mu      sync.Mutex
	session Session
	batch   []Record
	seq     uint64
	closed  bool
}

type Opt func(r *Recorder)

func OptBatchSize(n int) Opt {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func OptLogger(logger *slog.Logger) Opt {
	return func(r *Recorder) {
		if logger != nil {
			r.log = logger
		}
	}
}

// OptSessionName labels the recording
func OptSessionName(name string) Opt {
	return func(r *Recorder) {
		r.session.Name = name
	}
}

func openDB(path string) (*storm.DB, error) {
	db, err := storm.Open(path, storm.BoltOptions(0o600, &bolt.Options{Timeout: time.Second}))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, v := range []interface{}{&Record{}, &Session{}} {
		if err := db.Init(v); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Open starts a new recording session in the database at path.
func Open(path string, opts ...Opt) (*Recorder, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		db:        db,
		log:       slog.Default(),
		batchSize: defaultBatchSize,
		session: Session{
			ID:      uuid.NewString(),
			Started: time.Now(),
		},
	}
	for _, o := range opts {
		o(r)
	}
	if err := db.Save(&r.session); err != nil {
		db.Close()
		return nil, err
	}
	r.log.Info("recording", "path", path, "session", r.session.ID)
	return r, nil
}

func (r *Recorder) Session() string {
	return r.session.ID
}

func (r *Recorder) OnFrame(f golin.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	r.seq++
	r.batch = append(r.batch, NewRecord(r.session.ID, r.seq, f))
	if len(r.batch) >= r.batchSize {
		return r.flush()
	}
	return nil
}

func (r *Recorder) OnError(error) bool {
	return false
}

// Flush writes the pending batch
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	return r.flush()
}

func (r *Recorder) flush() error {
	if len(r.batch) == 0 {
		return nil
	}
	tx, err := r.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := range r.batch {
		if err := tx.Save(&r.batch[i]); err != nil {
			return fmt.Errorf("save frame %d: %w", r.batch[i].Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.batch = r.batch[:0]
	return nil
}

// Stop flushes, finalizes the session and closes the database.
func (r *Recorder) Stop() {
	if err := r.Close(); err != nil {
		r.log.Error("failed to close recording", "session", r.session.ID, "error", err)
	}
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.flush()
	r.session.Stopped = time.Now()
	r.session.Frames = r.seq
	if uerr := r.db.Save(&r.session); uerr != nil && err == nil {
		err = uerr
	}
	if cerr := r.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.log.Info("recording stopped", "session", r.session.ID, "frames", r.seq)
	return err
}

// Sessions lists the recordings in the database at path, oldest first.
func Sessions(path string) ([]Session, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var out []Session
	if err := db.All(&out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

// Load returns the frames of a session in recording order.
func Load(path, session string) ([]golin.Frame, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return loadSession(db, session)
}

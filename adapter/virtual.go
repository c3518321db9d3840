package adapter

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roffe/golin"
	"golang.org/x/sync/errgroup"
)

func init() {
	if err := golin.RegisterAdapter(&golin.AdapterInfo{
		Name:               "Virtual",
		Description:        "In-memory LIN master and slave simulation",
		RequiresSerialPort: false,
		New:                newVirtualBus,
	}); err != nil {
		panic(err)
	}
}

// ScheduleEntry is one slot of the master schedule table: the master waits
// Delay and then sends the header for ID.
type ScheduleEntry struct {
	ID    uint8
	Delay time.Duration
}

// DefaultSchedule is the schedule table the Virtual adapter runs when
// nothing else is configured.
func DefaultSchedule() []ScheduleEntry {
	return []ScheduleEntry{
		{ID: 0x10, Delay: 100 * time.Millisecond},
		{ID: 0x11, Delay: 100 * time.Millisecond},
		{ID: 0x20, Delay: 200 * time.Millisecond},
		{ID: 0x21, Delay: 200 * time.Millisecond},
		{ID: 0x30, Delay: 500 * time.Millisecond},
	}
}

// DefaultResponses is the slave response table matching DefaultSchedule.
// 0x21 and 0x30 have no responder.
func DefaultResponses() map[uint8][]byte {
	return map[uint8][]byte{
		0x10: {0x01, 0x02, 0x03, 0x04},
		0x11: {0x11, 0x22, 0x33, 0x44, 0x55},
		0x20: {0xAA, 0xBB},
	}
}

// Virtual is an in-memory bus. It replays a script, accepts injected frames
// and can act as LIN master, polling a slave response table on a schedule.
type Virtual struct {
	*BaseAdapter

	mu        sync.RWMutex
	responses map[uint8][]byte

	schedule []ScheduleEntry
	script   []golin.Frame
	enhanced bool
	channel  string

	cancel context.CancelFunc
	group  *errgroup.Group
}

type VirtualOpt func(v *Virtual)

// OptSchedule makes the bus act as master running the given schedule table
func OptSchedule(entries ...ScheduleEntry) VirtualOpt {
	return func(v *Virtual) {
		v.schedule = append([]ScheduleEntry(nil), entries...)
	}
}

// OptResponse sets the slave response for id
func OptResponse(id uint8, data []byte) VirtualOpt {
	return func(v *Virtual) {
		v.responses[id] = append([]byte(nil), data...)
	}
}

// OptScript queues frames to be received before anything else
func OptScript(frames ...golin.Frame) VirtualOpt {
	return func(v *Virtual) {
		v.script = append(v.script, frames...)
	}
}

// OptClassicChecksum uses the LIN 1.x checksum for every frame
func OptClassicChecksum() VirtualOpt {
	return func(v *Virtual) {
		v.enhanced = false
	}
}

func NewVirtual(cfg *golin.BusConfig, opts ...VirtualOpt) *Virtual {
	if cfg == nil {
		cfg = &golin.BusConfig{}
	}
	v := &Virtual{
		responses: make(map[uint8][]byte),
		enhanced:  true,
	}
	if cfg.Channel > 0 {
		v.channel = fmt.Sprintf("LIN%d", cfg.Channel)
	}
	for _, o := range opts {
		o(v)
	}

	c := *cfg
	if size := c.ReceiveBuffer; size <= 0 || size < len(v.script) {
		c.ReceiveBuffer = max(defaultReceiveBuffer, len(v.script))
	}
	name := "Virtual"
	if v.channel != "" {
		name += " " + v.channel
	}
	v.BaseAdapter = NewBaseAdapter(name, &c)
	for _, f := range v.script {
		v.Deliver(f)
	}
	v.script = nil

	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.group, ctx = errgroup.WithContext(ctx)
	if len(v.schedule) > 0 {
		v.group.Go(func() error {
			return v.master(ctx)
		})
	}
	return v
}

// newVirtualBus builds a Virtual bus from the Additional settings:
// "schedule" (10:100ms,11:100ms), "responses" (10=01020304,20=AABB),
// "checksum" (classic or enhanced) and "master" (false disables the default schedule).
func newVirtualBus(cfg *golin.BusConfig) (golin.Bus, error) {
	var opts []VirtualOpt
	add := cfg.Additional

	switch {
	case add["schedule"] != "":
		entries, err := ParseSchedule(add["schedule"])
		if err != nil {
			return nil, golin.Unrecoverable(err)
		}
		opts = append(opts, OptSchedule(entries...))
	case add["master"] != "false":
		opts = append(opts, OptSchedule(DefaultSchedule()...))
	}

	responses := DefaultResponses()
	if add["responses"] != "" {
		var err error
		if responses, err = ParseResponses(add["responses"]); err != nil {
			return nil, golin.Unrecoverable(err)
		}
	}
	for id, data := range responses {
		opts = append(opts, OptResponse(id, data))
	}

	switch strings.ToLower(add["checksum"]) {
	case "", "enhanced":
	case "classic":
		opts = append(opts, OptClassicChecksum())
	default:
		return nil, golin.Unrecoverable(fmt.Errorf("unknown checksum model %q", add["checksum"]))
	}
	return NewVirtual(cfg, opts...), nil
}

func (v *Virtual) master(ctx context.Context) error {
	t := time.NewTimer(v.schedule[0].Delay)
	defer t.Stop()
	for i := 0; ; {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		v.respond(v.schedule[i].ID)
		i = (i + 1) % len(v.schedule)
		t.Reset(v.schedule[i].Delay)
	}
}

// respond answers a header for id from the response table. It reports
// whether a slave answered.
func (v *Virtual) respond(id uint8) bool {
	v.mu.RLock()
	data, ok := v.responses[id]
	v.mu.RUnlock()
	if !ok {
		return false
	}
	f, err := v.frame(id, data, golin.Rx)
	if err != nil {
		v.log.Error("bad slave response", "id", id, "error", err)
		return false
	}
	v.Deliver(f)
	return true
}

func (v *Virtual) frame(id uint8, data []byte, dir golin.Direction) (golin.Frame, error) {
	return golin.NewFrame(id, data,
		golin.OptTimestamp(v.Timestamp()),
		golin.OptChecksum(FrameChecksum(id, data, v.enhanced)),
		golin.OptDirection(dir),
		golin.OptChannel(v.channel),
	)
}

// Send transmits f on the simulated bus. A frame without data is a header:
// the slave owning the id answers it. A frame with data publishes a new
// response for its id and is echoed back as a Tx frame.
func (v *Virtual) Send(f golin.Frame, timeout time.Duration) error {
	if v.Closed() {
		return golin.ErrClosed
	}
	if f.Len() == 0 {
		if !v.respond(f.ID()) && v.cfg.Debug {
			v.log.Debug("no response", "id", f.ID())
		}
		return nil
	}
	v.SetResponse(f.ID(), f.Data())
	echo, err := v.frame(f.ID(), f.Data(), golin.Tx)
	if err != nil {
		return err
	}
	return v.Enqueue(echo, timeout)
}

// Inject queues a frame as if it had been received from the bus.
func (v *Virtual) Inject(f golin.Frame) error {
	return v.Enqueue(f, 0)
}

// InjectError makes the next Receive fail with err
func (v *Virtual) InjectError(err error) {
	v.SetError(err)
}

func (v *Virtual) SetResponse(id uint8, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses[id] = append([]byte(nil), data...)
}

func (v *Virtual) ClearResponse(id uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.responses, id)
}

func (v *Virtual) Shutdown() error {
	if !v.Close() {
		return nil
	}
	v.cancel()
	return v.group.Wait()
}

// ParseSchedule parses a comma separated list of hexid:duration pairs.
func ParseSchedule(s string) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, delayStr, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("schedule entry %q: want id:delay", part)
		}
		id, err := parseID(idStr)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %q: %w", part, err)
		}
		delay, err := time.ParseDuration(strings.TrimSpace(delayStr))
		if err != nil {
			return nil, fmt.Errorf("schedule entry %q: %w", part, err)
		}
		if delay <= 0 {
			return nil, fmt.Errorf("schedule entry %q: delay must be positive", part)
		}
		out = append(out, ScheduleEntry{ID: id, Delay: delay})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty schedule")
	}
	return out, nil
}

// ParseResponses parses a comma separated list of hexid=hexdata pairs.
func ParseResponses(s string) (map[uint8][]byte, error) {
	out := make(map[uint8][]byte)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, dataStr, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("response %q: want id=data", part)
		}
		id, err := parseID(idStr)
		if err != nil {
			return nil, fmt.Errorf("response %q: %w", part, err)
		}
		data, err := hex.DecodeString(strings.TrimSpace(dataStr))
		if err != nil {
			return nil, fmt.Errorf("response %q: %w", part, err)
		}
		if len(data) > golin.MaxDataLength {
			return nil, fmt.Errorf("response %q: %w", part, golin.ErrInvalidLength)
		}
		out[id] = data
	}
	return out, nil
}

// FormatSchedule renders entries in the form ParseSchedule accepts
func FormatSchedule(entries []ScheduleEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%02X:%s", e.ID, e.Delay))
	}
	return strings.Join(parts, ",")
}

// SortedIDs returns the ids of a response table in ascending order
func SortedIDs(responses map[uint8][]byte) []uint8 {
	ids := make([]uint8, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func parseID(s string) (uint8, error) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	id, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	if id > golin.MaxID {
		return 0, fmt.Errorf("%w: 0x%02X", golin.ErrInvalidID, id)
	}
	return uint8(id), nil
}

package adapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/golin"
	"go.bug.st/serial"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSerialBaudrate = 115200
	defaultLINBitrate     = 19200
	defaultSendRate       = 100 // frames per second
)

func init() {
	if err := golin.RegisterAdapter(&golin.AdapterInfo{
		Name:               "Serial",
		Description:        "ASCII serial LIN interface",
		RequiresSerialPort: true,
		New:                NewSerial,
	}); err != nil {
		panic(err)
	}
}

// Serial talks to a LIN interface with a line based ASCII protocol:
//
//	r<id:2><len:1><data:2*len>[<checksum:2>]\r   frame received from the bus
//	t<id:2><len:1><data:2*len>[<checksum:2>]\r   frame transmitted by the interface
//	e<id:2>[<code:2>]\r                          no or corrupt response to a header
//
// Frames are sent as t lines, headers without data as h<id:2>.
type Serial struct {
	*BaseAdapter
	port    io.ReadWriteCloser
	writeMu sync.Mutex
	send    chan []byte
	rate    int
	channel string
	closing atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewSerial(cfg *golin.BusConfig) (golin.Bus, error) {
	if cfg.Port == "" {
		return nil, golin.Unrecoverable(errors.New("no serial port given"))
	}
	baudrate := cfg.Baudrate
	if baudrate <= 0 {
		baudrate = defaultSerialBaudrate
	}
	bitrate := defaultLINBitrate
	if v := cfg.Additional["bitrate"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, golin.Unrecoverable(fmt.Errorf("invalid LIN bitrate %q", v))
		}
		bitrate = n
	}

	mode := &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	var p serial.Port
	err := retry.Do(func() error {
		var err error
		p, err = serial.Open(cfg.Port, mode)
		return err
	},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			var perr *serial.PortError
			if errors.As(err, &perr) {
				return perr.Code() != serial.PortNotFound && perr.Code() != serial.InvalidSerialPort
			}
			return true
		}),
		retry.OnRetry(func(n uint, err error) {
			cfg.Log().Debug("open serial port", "port", cfg.Port, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q: %w", cfg.Port, err)
	}
	if err := p.SetReadTimeout(10 * time.Millisecond); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	p.ResetOutputBuffer()
	p.ResetInputBuffer()

	s := newSerial(cfg, p)
	s.send <- []byte("C\r")
	s.send <- []byte("L" + strconv.Itoa(bitrate) + "\r")
	s.send <- []byte("O\r")
	return s, nil
}

func newSerial(cfg *golin.BusConfig, port io.ReadWriteCloser) *Serial {
	s := &Serial{
		BaseAdapter: NewBaseAdapter("Serial "+cfg.Port, cfg),
		port:        port,
		send:        make(chan []byte, 10),
		rate:        defaultSendRate,
	}
	if cfg.Channel > 0 {
		s.channel = fmt.Sprintf("LIN%d", cfg.Channel)
	}
	if v, err := strconv.Atoi(cfg.Additional["rate"]); err == nil && v > 0 {
		s.rate = v
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return s.recvManager(ctx) })
	s.group.Go(func() error { return s.sendManager(ctx) })
	return s
}

func (s *Serial) Send(f golin.Frame, timeout time.Duration) error {
	if s.Closed() {
		return golin.ErrClosed
	}
	msg := encodeFrame(f)
	select {
	case s.send <- msg:
		return nil
	default:
	}
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.closeChan:
		return golin.ErrClosed
	case <-expired:
		return ErrSendTimeout
	}
}

func (s *Serial) Shutdown() error {
	if !s.Close() {
		return nil
	}
	s.closing.Store(true)
	s.cancel()
	s.write([]byte("C\r"))
	err := s.port.Close()
	if werr := s.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (s *Serial) recvManager(ctx context.Context) error {
	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := s.port.Read(readBuffer)
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			err = fmt.Errorf("failed to read com port: %w", err)
			s.SetError(err)
			return err
		}
		if n == 0 {
			continue
		}
		s.parse(buff, readBuffer[:n])
	}
}

func (s *Serial) sendManager(ctx context.Context) error {
	rl := ratelimit.New(s.rate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.send:
			rl.Take()
			if err := s.write(msg); err != nil {
				if s.closing.Load() {
					return nil
				}
				s.SetError(fmt.Errorf("failed to write to com port: %q, %w", msg, err))
				continue
			}
			if s.cfg.Debug {
				s.log.Debug(">> " + string(bytes.TrimRight(msg, "\r")))
			}
		}
	}
}

func (s *Serial) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.port.Write(b)
	return err
}

func (s *Serial) parse(buff *bytes.Buffer, data []byte) {
	for _, b := range data {
		if b != '\r' && b != '\n' {
			buff.WriteByte(b)
			continue
		}
		if buff.Len() == 0 {
			continue
		}
		line := buff.Bytes()
		if s.cfg.Debug {
			s.log.Debug("<< " + string(line))
		}
		switch line[0] {
		case 'r', 't', 'e':
			f, err := decodeLine(line, s.Timestamp(), s.channel)
			if err != nil {
				s.log.Warn("failed to decode frame", "line", string(line), "error", err)
				break
			}
			s.Deliver(f)
		case 'z', 'Z':
			// transmit ack
		case 0x07: // bell, last command was unknown
			s.SetError(errors.New("interface rejected command"))
		default:
			s.log.Debug("unknown line", "line", string(line))
		}
		buff.Reset()
	}
}

// decodeLine decodes one r, t or e line without its terminator.
func decodeLine(line []byte, ts float64, channel string) (golin.Frame, error) {
	if len(line) < 3 {
		return golin.Frame{}, fmt.Errorf("short line %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:3]), 16, 8)
	if err != nil {
		return golin.Frame{}, fmt.Errorf("failed to decode identifier: %w", err)
	}
	opts := []golin.FrameOpt{golin.OptTimestamp(ts), golin.OptChannel(channel)}

	if line[0] == 'e' {
		if len(line) != 3 && len(line) != 5 {
			return golin.Frame{}, fmt.Errorf("malformed error line %q", line)
		}
		opts = append(opts, golin.OptErrorFrame)
		return golin.NewFrame(uint8(id), nil, opts...)
	}

	if line[0] == 't' {
		opts = append(opts, golin.OptDirection(golin.Tx))
	}
	if len(line) < 4 {
		return golin.Frame{}, fmt.Errorf("short line %q", line)
	}
	length, err := strconv.ParseUint(string(line[3:4]), 16, 8)
	if err != nil {
		return golin.Frame{}, fmt.Errorf("failed to decode length: %w", err)
	}
	rest := line[4:]
	if len(rest) < int(length)*2 {
		return golin.Frame{}, fmt.Errorf("frame body too short for length %d", length)
	}
	data, err := hex.DecodeString(string(rest[:length*2]))
	if err != nil {
		return golin.Frame{}, fmt.Errorf("failed to decode frame body: %w", err)
	}
	rest = rest[length*2:]
	switch len(rest) {
	case 0:
	case 2:
		cs, err := strconv.ParseUint(string(rest), 16, 8)
		if err != nil {
			return golin.Frame{}, fmt.Errorf("failed to decode checksum: %w", err)
		}
		opts = append(opts, golin.OptChecksum(uint8(cs)))
	default:
		return golin.Frame{}, fmt.Errorf("trailing data %q", rest)
	}
	return golin.NewFrame(uint8(id), data, opts...)
}

func encodeFrame(f golin.Frame) []byte {
	if f.Len() == 0 {
		return []byte(fmt.Sprintf("h%02X\r", f.ID()))
	}
	return []byte(fmt.Sprintf("t%02X%d%X\r", f.ID(), f.Len(), f.Data()))
}

package golin

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/fatih/color"
)

const (
	// MaxID is the highest LIN frame identifier, parity bits excluded.
	MaxID = 0x3F
	// MaxDataLength is the maximum LIN response length in bytes.
	MaxDataLength = 8
)

type Direction int

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	switch d {
	case Rx:
		return "Rx"
	case Tx:
		return "Tx"
	default:
		return "Unknown"
	}
}

// Frame is one decoded LIN frame. All fields are set at construction and
// cannot be changed afterwards, a Frame is safe to pass by value between
// goroutines.
type Frame struct {
	timestamp   float64
	id          uint8
	length      uint8
	data        [MaxDataLength]byte
	checksum    uint8
	hasChecksum bool
	direction   Direction
	channel     string
	isError     bool
}

type FrameOpt func(f *Frame)

// OptTimestamp sets the frame timestamp in seconds
func OptTimestamp(seconds float64) FrameOpt {
	return func(f *Frame) {
		f.timestamp = seconds
	}
}

// OptChecksum attaches the checksum byte reported by the interface
func OptChecksum(checksum uint8) FrameOpt {
	return func(f *Frame) {
		f.checksum = checksum
		f.hasChecksum = true
	}
}

func OptDirection(dir Direction) FrameOpt {
	return func(f *Frame) {
		f.direction = dir
	}
}

func OptChannel(channel string) FrameOpt {
	return func(f *Frame) {
		f.channel = channel
	}
}

func OptErrorFrame(f *Frame) {
	f.isError = true
}

// NewFrame validates id and data and returns a new Frame. The data slice is copied.
func NewFrame(id uint8, data []byte, opts ...FrameOpt) (Frame, error) {
	if id > MaxID {
		return Frame{}, fmt.Errorf("%w: 0x%02X", ErrInvalidID, id)
	}
	if len(data) > MaxDataLength {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidLength, len(data))
	}
	f := Frame{
		id:     id,
		length: uint8(len(data)),
	}
	copy(f.data[:], data)
	for _, o := range opts {
		o(&f)
	}
	if f.timestamp < 0 || math.IsNaN(f.timestamp) {
		return Frame{}, fmt.Errorf("%w: %f", ErrInvalidTimestamp, f.timestamp)
	}
	return f, nil
}

// MustFrame is like NewFrame but panics on invalid input.
func MustFrame(id uint8, data []byte, opts ...FrameOpt) Frame {
	f, err := NewFrame(id, data, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frame) ID() uint8 {
	return f.id
}

// Data returns a copy of the frame payload
func (f Frame) Data() []byte {
	out := make([]byte, f.length)
	copy(out, f.data[:f.length])
	return out
}

// Len returns the payload length
func (f Frame) Len() int {
	return int(f.length)
}

func (f Frame) Timestamp() float64 {
	return f.timestamp
}

// Checksum returns the checksum byte and whether the interface reported one.
func (f Frame) Checksum() (uint8, bool) {
	return f.checksum, f.hasChecksum
}

func (f Frame) Direction() Direction {
	return f.direction
}

func (f Frame) IsRx() bool {
	return f.direction == Rx
}

func (f Frame) Channel() string {
	return f.channel
}

func (f Frame) IsError() bool {
	return f.isError
}

// Equal compares two frames. A negative timestampDelta skips the timestamp
// comparison. An empty channel on either side matches any channel.
func (f Frame) Equal(other Frame, timestampDelta float64, checkDirection bool) bool {
	if timestampDelta >= 0 && math.Abs(f.timestamp-other.timestamp) > timestampDelta {
		return false
	}
	if f.id != other.id || f.length != other.length {
		return false
	}
	if !bytes.Equal(f.data[:f.length], other.data[:other.length]) {
		return false
	}
	if f.hasChecksum != other.hasChecksum || f.checksum != other.checksum {
		return false
	}
	if checkDirection && f.direction != other.direction {
		return false
	}
	if f.channel != "" && other.channel != "" && f.channel != other.channel {
		return false
	}
	return f.isError == other.isError
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f Frame) hexView() string {
	var out strings.Builder
	for i, b := range f.data[:f.length] {
		out.WriteString(fmt.Sprintf("%02X", b))
		if i != int(f.length)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func (f Frame) checksumView() string {
	if !f.hasChecksum {
		return "--"
	}
	return fmt.Sprintf("%02X", f.checksum)
}

func (f Frame) channelView() string {
	if f.channel == "" {
		return "-"
	}
	return f.channel
}

func (f Frame) String() string {
	return fmt.Sprintf("Timestamp: %-14.6f | Channel: %s | Frame ID: %02X | Data: %-23s | Length: %d | Checksum: %s | Error: %v | %s",
		f.timestamp,
		f.channelView(),
		f.id,
		f.hexView(),
		f.length,
		f.checksumView(),
		f.isError,
		f.direction,
	)
}

func (f Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%-14.6f", f.timestamp) + " || ")
	switch f.direction {
	case Rx:
		out.WriteString("<i> || ")
	case Tx:
		out.WriteString("<o> || ")
	}
	if f.isError {
		out.WriteString(red("0x%02X", f.id) + " || ")
	} else {
		out.WriteString(green("0x%02X", f.id) + " || ")
	}
	out.WriteString(fmt.Sprintf("%d || ", f.length))
	out.WriteString(fmt.Sprintf("%-23s", f.hexView()))
	out.WriteString(" || ")
	out.WriteString(yellow(f.checksumView()))
	out.WriteString(" || ")
	out.WriteString(f.channelView())
	return out.String()
}

package adapter

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roffe/golin"
)

// fakePort feeds the adapter from a pipe and records what it writes.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu  sync.Mutex
	out bytes.Buffer
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	return p.r.Close()
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantID   uint8
		wantData []byte
		wantCS   int // -1 for none
		wantDir  golin.Direction
		wantErr  bool
		errFrame bool
	}{
		{name: "rx with checksum", line: "r10401020304F5", wantID: 0x10, wantData: []byte{1, 2, 3, 4}, wantCS: 0xF5, wantDir: golin.Rx},
		{name: "rx without checksum", line: "r202AABB", wantID: 0x20, wantData: []byte{0xAA, 0xBB}, wantCS: -1, wantDir: golin.Rx},
		{name: "tx", line: "t111FF", wantID: 0x11, wantData: []byte{0xFF}, wantCS: -1, wantDir: golin.Tx},
		{name: "empty response", line: "r300", wantID: 0x30, wantData: []byte{}, wantCS: -1, wantDir: golin.Rx},
		{name: "error", line: "e2101", wantID: 0x21, wantData: []byte{}, wantCS: -1, errFrame: true},
		{name: "id out of range", line: "r4000", wantErr: true},
		{name: "length too large", line: "r109000000000000000000", wantErr: true},
		{name: "short body", line: "r1040102", wantErr: true},
		{name: "trailing", line: "r101AA123", wantErr: true},
		{name: "bad hex", line: "r101ZZ", wantErr: true},
		{name: "short", line: "r1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := decodeLine([]byte(tt.line), 1.5, "LIN1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if f.ID() != tt.wantID {
				t.Errorf("ID() = 0x%02X, want 0x%02X", f.ID(), tt.wantID)
			}
			if !bytes.Equal(f.Data(), tt.wantData) {
				t.Errorf("Data() = %X, want %X", f.Data(), tt.wantData)
			}
			cs, ok := f.Checksum()
			if tt.wantCS < 0 && ok || tt.wantCS >= 0 && (!ok || int(cs) != tt.wantCS) {
				t.Errorf("Checksum() = 0x%02X, %v, want %d", cs, ok, tt.wantCS)
			}
			if f.Direction() != tt.wantDir {
				t.Errorf("Direction() = %v, want %v", f.Direction(), tt.wantDir)
			}
			if f.IsError() != tt.errFrame {
				t.Errorf("IsError() = %v", f.IsError())
			}
			if f.Timestamp() != 1.5 || f.Channel() != "LIN1" {
				t.Errorf("timestamp/channel = %v/%q", f.Timestamp(), f.Channel())
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	if got := string(encodeFrame(golin.MustFrame(0x10, []byte{0x01, 0xAB}))); got != "t10201AB\r" {
		t.Errorf("encodeFrame() = %q", got)
	}
	if got := string(encodeFrame(golin.MustFrame(0x3C, nil))); got != "h3C\r" {
		t.Errorf("encodeFrame(header) = %q", got)
	}
}

func TestEncodeFrame_DecodeLine(t *testing.T) {
	tests := []struct {
		name string
		id   uint8
		data []byte
	}{
		{"one byte", 0x01, []byte{0x55}},
		{"two bytes", 0x10, []byte{0x01, 0xAB}},
		{"full", 0x3D, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := encodeFrame(golin.MustFrame(tt.id, tt.data))
			f, err := decodeLine(bytes.TrimSuffix(line, []byte("\r")), 0, "")
			if err != nil {
				t.Fatalf("decodeLine(%q) error = %v", line, err)
			}
			if f.ID() != tt.id || !bytes.Equal(f.Data(), tt.data) {
				t.Errorf("decodeLine(%q) = %02X % X, want %02X % X", line, f.ID(), f.Data(), tt.id, tt.data)
			}
			if f.Direction() != golin.Tx {
				t.Errorf("direction = %v, want Tx", f.Direction())
			}
		})
	}
}

func TestSerial_ReceiveAndSend(t *testing.T) {
	port := newFakePort()
	s := newSerial(&golin.BusConfig{Port: "fake", Additional: map[string]string{"rate": "1000"}}, port)

	go port.w.Write([]byte("z\rr10401020304F5\r\rgarbage\re21\r"))

	f, err := s.Receive(time.Second)
	if err != nil || f == nil || f.ID() != 0x10 {
		t.Fatalf("Receive() = %v, %v", f, err)
	}
	f, err = s.Receive(time.Second)
	if err != nil || f == nil || !f.IsError() || f.ID() != 0x21 {
		t.Fatalf("Receive() error frame = %v, %v", f, err)
	}

	if err := s.Send(golin.MustFrame(0x20, []byte{0xAA}), time.Second); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(port.written(), "t201AA\r") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(port.written(), "t201AA\r") {
		t.Fatalf("written %q", port.written())
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.HasSuffix(port.written(), "C\r") {
		t.Errorf("close command not written, got %q", port.written())
	}
	if err := s.Send(golin.MustFrame(0x20, nil), time.Second); !errors.Is(err, golin.ErrClosed) {
		t.Errorf("Send() after Shutdown error = %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestSerial_ReadError(t *testing.T) {
	port := newFakePort()
	s := newSerial(&golin.BusConfig{Port: "fake"}, port)
	defer s.Shutdown()

	boom := errors.New("unplugged")
	port.w.CloseWithError(boom)
	_, err := s.Receive(time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("Receive() error = %v, want %v", err, boom)
	}
}

func TestNewSerial_NoPort(t *testing.T) {
	_, err := NewSerial(&golin.BusConfig{})
	if err == nil || golin.IsRecoverable(err) {
		t.Errorf("NewSerial() error = %v, want unrecoverable", err)
	}
}

package golin

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Forever makes Receive and Pop block until data arrives.
const Forever time.Duration = -1

// Bus is the receive primitive the notifier polls.
type Bus interface {
	// Name identifies the bus in logs and events.
	Name() string
	// Receive waits at most timeout for one frame. It returns a nil frame and a
	// nil error when the timeout expires. A negative timeout blocks until a
	// frame arrives or the bus is shut down.
	Receive(timeout time.Duration) (*Frame, error)
	// Send transmits a frame, waiting at most timeout for the interface to accept it.
	Send(frame Frame, timeout time.Duration) error
	// Shutdown releases the underlying interface. Calling it more than once is allowed.
	Shutdown() error
}

type AdapterInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	New                func(*BusConfig) (Bus, error)
}

func (a *AdapterInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v ", a.Name, a.Description, a.RequiresSerialPort)
}

type BusConfig struct {
	Port          string
	Baudrate      int
	Channel       int
	ChannelIndex  int
	AppName       string
	ReceiveBuffer int // frames buffered between the interface and Receive
	Debug         bool
	Logger        *slog.Logger
	Additional    map[string]string
}

// Log returns the configured logger or the slog default.
func (cfg *BusConfig) Log() *slog.Logger {
	if cfg.Logger == nil {
		return slog.Default()
	}
	return cfg.Logger
}

var (
	adapterMu  sync.RWMutex
	adapterMap = make(map[string]*AdapterInfo)
)

// NewBus constructs a bus using the named adapter. Only factories are
// registered, bus instances belong to the caller.
func NewBus(adapterName string, cfg *BusConfig) (Bus, error) {
	if cfg == nil {
		cfg = &BusConfig{}
	}
	adapterMu.RLock()
	adapter, found := adapterMap[adapterName]
	adapterMu.RUnlock()
	if !found {
		return nil, Unrecoverable(fmt.Errorf("%w %q", ErrUnknownAdapter, adapterName))
	}
	return adapter.New(cfg)
}

func RegisterAdapter(adapter *AdapterInfo) error {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	if _, found := adapterMap[adapter.Name]; !found {
		adapterMap[adapter.Name] = adapter
		return nil
	}
	return fmt.Errorf("adapter %s already registered", adapter.Name)
}

func ListAdapterNames() []string {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	var out []string
	for name := range adapterMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListAdapters() []AdapterInfo {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	var out []AdapterInfo
	for _, adapter := range adapterMap {
		out = append(out, *adapter)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

package golin

import (
	"errors"
	"testing"
)

func TestAdapterRegistry(t *testing.T) {
	info := &AdapterInfo{
		Name:        "registry-test",
		Description: "test adapter",
		New: func(cfg *BusConfig) (Bus, error) {
			return newTestBus(cfg.Port), nil
		},
	}
	if err := RegisterAdapter(info); err != nil {
		t.Fatalf("RegisterAdapter() error = %v", err)
	}
	if err := RegisterAdapter(info); err == nil {
		t.Fatal("RegisterAdapter() accepted a duplicate name")
	}

	found := false
	for _, name := range ListAdapterNames() {
		if name == "registry-test" {
			found = true
		}
	}
	if !found {
		t.Error("ListAdapterNames() is missing the registered adapter")
	}

	bus, err := NewBus("registry-test", &BusConfig{Port: "p1"})
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}
	if bus.Name() != "p1" {
		t.Errorf("NewBus() did not pass the config, name = %q", bus.Name())
	}
	other, _ := NewBus("registry-test", &BusConfig{Port: "p2"})
	if other == bus {
		t.Error("NewBus() returned a shared instance")
	}
}

func TestNewBus_Unknown(t *testing.T) {
	_, err := NewBus("does-not-exist", nil)
	if !errors.Is(err, ErrUnknownAdapter) {
		t.Fatalf("NewBus() error = %v, want %v", err, ErrUnknownAdapter)
	}
	if IsRecoverable(err) {
		t.Error("unknown adapter reported as recoverable")
	}
	if !IsRecoverable(errors.New("port busy")) {
		t.Error("plain error reported as unrecoverable")
	}
}

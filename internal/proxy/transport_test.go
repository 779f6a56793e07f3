package proxy

import (
	"testing"
	"time"
)

func TestNewTransportDefault(t *testing.T) {
	tr := NewTransport(DefaultTransportConfig)
	if tr == nil {
		t.Fatal("expected non-nil transport")
	}
	if tr.MaxIdleConns != DefaultTransportConfig.MaxIdleConns {
		t.Errorf("MaxIdleConns = %d, want %d", tr.MaxIdleConns, DefaultTransportConfig.MaxIdleConns)
	}
}

func TestDefaultTransport(t *testing.T) {
	if DefaultTransport() == nil {
		t.Fatal("expected non-nil transport")
	}
}

func TestTransportPoolFallsBackToDefault(t *testing.T) {
	pool := NewTransportPool()
	if pool.Get("unknown-upstream") != pool.defaultTransport {
		t.Error("Get on an unregistered name should return the default transport")
	}
}

func TestTransportPoolSetAndGet(t *testing.T) {
	pool := NewTransportPool()
	cfg := DefaultTransportConfig
	cfg.DialTimeout = 5 * time.Second
	pool.Set("orders", cfg)

	got := pool.Get("orders")
	if got == pool.defaultTransport {
		t.Error("expected a distinct transport for a registered upstream name")
	}
	if names := pool.Names(); len(names) != 1 || names[0] != "orders" {
		t.Errorf("Names() = %v, want [orders]", names)
	}
}

func TestTransportPoolCloseIdleConnections(t *testing.T) {
	pool := NewTransportPool()
	pool.Set("orders", DefaultTransportConfig)
	pool.CloseIdleConnections() // must not panic
}

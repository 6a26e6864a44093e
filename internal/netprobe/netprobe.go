// Package netprobe answers "is the network usable right now?" for sync
// triggers. The answer is advisory: a pass may still fail remotely.
package netprobe

import (
	"context"
	"net"
	"sync"
	"time"
)

// Gate decides whether a sync pass is worth attempting.
type Gate interface {
	Reachable(ctx context.Context) bool
}

// Config controls the probe.
type Config struct {
	// Address is dialed over TCP when set ("host:port"). Empty means only
	// interface state is checked.
	Address string
	// Timeout bounds the dial.
	Timeout time.Duration
}

// DefaultConfig returns the probe configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		Address: "sheets.googleapis.com:443",
		Timeout: 2 * time.Second,
	}
}

// Probe is the default Gate. Any non-loopback interface that is up with an
// address counts as a transport.
type Probe struct {
	mu  sync.RWMutex
	cfg Config

	// overridable in tests
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
	dial       func(ctx context.Context, network, address string) (net.Conn, error)
}

// New creates a probe.
func New(cfg Config) *Probe {
	d := &net.Dialer{}
	return &Probe{
		cfg:        cfg,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
		dial:       d.DialContext,
	}
}

// SetConfig swaps the probe target at runtime.
func (p *Probe) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Config returns the current probe target.
func (p *Probe) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Reachable implements Gate.
func (p *Probe) Reachable(ctx context.Context) bool {
	if !p.hasTransport() {
		return false
	}

	cfg := p.Config()
	if cfg.Address == "" {
		return true
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.dial(dctx, "tcp", cfg.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (p *Probe) hasTransport() bool {
	ifaces, err := p.interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := p.addrs(iface)
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Static is a Gate with a fixed, switchable answer.
type Static struct {
	mu        sync.Mutex
	reachable bool
	calls     int
}

// NewStatic returns a gate that reports reachable.
func NewStatic(reachable bool) *Static {
	return &Static{reachable: reachable}
}

// Reachable implements Gate.
func (s *Static) Reachable(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.reachable
}

// Set changes the answer.
func (s *Static) Set(reachable bool) {
	s.mu.Lock()
	s.reachable = reachable
	s.mu.Unlock()
}

// Calls returns how many times the gate was consulted.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

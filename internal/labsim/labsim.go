// Package labsim serves simulated bench instruments over plain TCP. Each
// instrument gets its own listener and speaks the SCPI dialect its engine
// implements, so a gateway pointed at the bench's tcp:// resources behaves
// exactly as if real hardware were attached. The engines come from
// internal/sim; the same engine instances back mock:// connections in
// tests.
package labsim

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/device"
	"github.com/X9X0/LabLink-sub001/internal/sim"
)

// Engine handles one SCPI command line. The engines in internal/sim
// satisfy it.
type Engine interface {
	HandleCommand(line string) (reply string, hasReply bool)
}

// Instrument is one simulated device on the bench. A nil Engine gets the
// default simulator for its kind at Start.
type Instrument struct {
	Kind   device.Type
	Engine Engine
}

// Config configures the bench.
type Config struct {
	Host     string // defaults to 127.0.0.1
	BasePort int    // first listen port; 0 picks ephemeral ports
	Bench    []Instrument
}

// DefaultConfig is one of each simulated instrument family on ephemeral
// ports.
func DefaultConfig() *Config {
	return &Config{
		Host: "127.0.0.1",
		Bench: []Instrument{
			{Kind: device.TypePowerSupply},
			{Kind: device.TypeOscilloscope},
			{Kind: device.TypeElectronicLoad},
		},
	}
}

// BenchAddr reports where one instrument listens.
type BenchAddr struct {
	Kind     device.Type
	Addr     string
	Resource string // tcp://host:port, ready for a connect request
}

// Server is a bench of simulated instruments behind TCP listeners.
type Server struct {
	cfg *Config

	mu        sync.Mutex
	listeners []net.Listener
	bench     []BenchAddr
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New creates a bench server. A nil config serves the default bench.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
	}
}

// Start opens one listener per configured instrument. Ports count up from
// BasePort unless it is zero, in which case each instrument gets an
// ephemeral port. On error any listeners already opened are closed again.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("bench is stopped")
	}
	if len(s.cfg.Bench) == 0 {
		return fmt.Errorf("no instruments configured")
	}

	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := s.cfg.BasePort

	for _, inst := range s.cfg.Bench {
		engine := inst.Engine
		if engine == nil {
			var err error
			engine, err = engineFor(inst.Kind)
			if err != nil {
				s.closeListenersLocked()
				return err
			}
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			s.closeListenersLocked()
			return fmt.Errorf("listen for %s: %w", inst.Kind, err)
		}
		s.listeners = append(s.listeners, ln)
		s.bench = append(s.bench, BenchAddr{
			Kind:     inst.Kind,
			Addr:     ln.Addr().String(),
			Resource: "tcp://" + ln.Addr().String(),
		})
		if port != 0 {
			port++
		}
		s.wg.Add(1)
		go s.serve(ln, engine)
	}
	return nil
}

// Stop closes all listeners and live connections, then waits for the
// serving goroutines to drain, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Bench reports the listening instruments in configuration order.
func (s *Server) Bench() []BenchAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BenchAddr, len(s.bench))
	copy(out, s.bench)
	return out
}

// Addr reports where the first instrument of the given kind listens.
func (s *Server) Addr(kind device.Type) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bench {
		if b.Kind == kind {
			return b.Addr, true
		}
	}
	return "", false
}

// StartTestServer starts a default bench on ephemeral ports and returns a
// cleanup that stops it.
func StartTestServer() (*Server, func()) {
	srv := New(DefaultConfig())
	if err := srv.Start(); err != nil {
		return srv, func() {}
	}
	return srv, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
}

func (s *Server) closeListenersLocked() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
	s.bench = nil
}

func (s *Server) serve(ln net.Listener, engine Engine) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			serveConn(conn, engine)
		}()
	}
}

// serveConn runs the line loop for one client. Commands arrive
// newline-terminated; only queries produce a reply line, matching what
// the gateway's tcp transport expects.
func serveConn(conn net.Conn, engine Engine) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply, hasReply := engine.HandleCommand(line)
		if !hasReply {
			continue
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func engineFor(kind device.Type) (Engine, error) {
	switch kind {
	case device.TypePowerSupply:
		return sim.NewPowerSupplyEngine(sim.DefaultPowerSupplyConfig()), nil
	case device.TypeOscilloscope:
		return sim.NewOscilloscopeEngine(sim.DefaultOscilloscopeConfig()), nil
	case device.TypeElectronicLoad:
		return sim.NewLoadEngine(sim.DefaultLoadConfig()), nil
	}
	return nil, fmt.Errorf("no simulator for equipment kind %q", kind)
}

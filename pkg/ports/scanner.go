package ports

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GaryChine-byte/phonefleet/pkg/channel"
	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// Bands describes the reserved port ranges per device family.
type Bands struct {
	PhoneStart int
	PhoneEnd   int
	PCStart    int
	PCEnd      int
}

// DefaultBands is the standard single-node split.
var DefaultBands = Bands{
	PhoneStart: 6100,
	PhoneEnd:   6199,
	PCStart:    6200,
	PCEnd:      6299,
}

// KindFor classifies a port by band.
func (b Bands) KindFor(port int) (models.DeviceKind, bool) {
	switch {
	case port >= b.PhoneStart && port <= b.PhoneEnd:
		return models.DevicePhone, true
	case port >= b.PCStart && port <= b.PCEnd:
		return models.DevicePC, true
	}
	return "", false
}

// Contains reports whether the port lies in any band.
func (b Bands) Contains(port int) bool {
	_, ok := b.KindFor(port)
	return ok
}

// Observation is the scanner's finding for one listening port.
type Observation struct {
	Port  int
	Kind  models.DeviceKind
	Specs map[string]string
	// Healthy is true when the device-channel handshake succeeded, not just
	// the socket probe.
	Healthy bool
}

// Sink receives scanner results. Implemented by the device registry.
type Sink interface {
	// KnownKind lets the registry override band classification for ports it
	// already tracks.
	KnownKind(port int) (models.DeviceKind, bool)
	// ObservePort is called for every port with a listener.
	ObservePort(ctx context.Context, obs Observation)
	// VacatePort is called for every band port with no listener.
	VacatePort(ctx context.Context, port int)
}

// Prober tests a port. Split out for tests.
type Prober interface {
	// Listening reports whether something accepts TCP on localhost:port.
	Listening(ctx context.Context, port int) bool
	// ProbePhone attempts the ADB handshake and returns specs on success.
	ProbePhone(ctx context.Context, port int) (map[string]string, bool)
	// ProbePC hits the HTTP /health endpoint and returns specs on success.
	ProbePC(ctx context.Context, port int) (map[string]string, bool)
}

// netProber is the production Prober.
type netProber struct {
	runner channel.CommandRunner
}

func (p *netProber) Listening(_ context.Context, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *netProber) ProbePhone(ctx context.Context, port int) (map[string]string, bool) {
	phone := channel.NewPhone(port, p.runner)
	if err := phone.Connect(ctx); err != nil {
		return nil, false
	}
	specs, err := phone.Specs(ctx)
	if err != nil {
		return map[string]string{}, true
	}
	return specs, true
}

func (p *netProber) ProbePC(ctx context.Context, port int) (map[string]string, bool) {
	pc := channel.NewPC(port)
	specs, err := pc.HealthInfo(ctx)
	if err != nil {
		return nil, false
	}
	return specs, true
}

// Scanner periodically sweeps the reserved bands and feeds the registry.
type Scanner struct {
	bands    Bands
	interval time.Duration
	batch    int
	prober   Prober
	sink     Sink
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScanner creates a scanner over the given bands. A nil prober gets the
// production socket/ADB/HTTP prober.
func NewScanner(bands Bands, sink Sink, prober Prober, interval time.Duration) *Scanner {
	if prober == nil {
		prober = &netProber{runner: channel.ExecRunner{}}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scanner{
		bands:    bands,
		interval: interval,
		batch:    10,
		prober:   prober,
		sink:     sink,
		logger:   slog.With("component", "port-scanner"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scan loop.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ScanOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// ScanOnce sweeps every band port once, probing in parallel batches.
func (s *Scanner) ScanOnce(ctx context.Context) {
	ports := make([]int, 0, s.bands.PhoneEnd-s.bands.PhoneStart+s.bands.PCEnd-s.bands.PCStart+2)
	for p := s.bands.PhoneStart; p <= s.bands.PhoneEnd; p++ {
		ports = append(ports, p)
	}
	for p := s.bands.PCStart; p <= s.bands.PCEnd; p++ {
		ports = append(ports, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batch)
	for _, port := range ports {
		g.Go(func() error {
			s.scanPort(gctx, port)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scanner) scanPort(ctx context.Context, port int) {
	if !s.prober.Listening(ctx, port) {
		s.sink.VacatePort(ctx, port)
		return
	}

	kind, _ := s.bands.KindFor(port)
	if known, ok := s.sink.KnownKind(port); ok {
		kind = known
	}

	var specs map[string]string
	var healthy bool
	switch kind {
	case models.DevicePhone:
		specs, healthy = s.prober.ProbePhone(ctx, port)
	case models.DevicePC:
		specs, healthy = s.prober.ProbePC(ctx, port)
	}

	s.sink.ObservePort(ctx, Observation{
		Port:    port,
		Kind:    kind,
		Specs:   specs,
		Healthy: healthy,
	})
}

package ports

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// fakeProber drives the scanner without sockets.
type fakeProber struct {
	listening map[int]bool
	phones    map[int]map[string]string
	pcs       map[int]map[string]string
}

func (f *fakeProber) Listening(_ context.Context, port int) bool {
	return f.listening[port]
}

func (f *fakeProber) ProbePhone(_ context.Context, port int) (map[string]string, bool) {
	specs, ok := f.phones[port]
	return specs, ok
}

func (f *fakeProber) ProbePC(_ context.Context, port int) (map[string]string, bool) {
	specs, ok := f.pcs[port]
	return specs, ok
}

// recordingSink captures scanner output.
type recordingSink struct {
	mu       sync.Mutex
	observed map[int]Observation
	vacated  map[int]bool
	kinds    map[int]models.DeviceKind
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		observed: make(map[int]Observation),
		vacated:  make(map[int]bool),
		kinds:    make(map[int]models.DeviceKind),
	}
}

func (s *recordingSink) KnownKind(port int) (models.DeviceKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kinds[port]
	return k, ok
}

func (s *recordingSink) ObservePort(_ context.Context, obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[obs.Port] = obs
}

func (s *recordingSink) VacatePort(_ context.Context, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vacated[port] = true
}

func TestBandsClassification(t *testing.T) {
	kind, ok := DefaultBands.KindFor(6100)
	require.True(t, ok)
	assert.Equal(t, models.DevicePhone, kind)

	kind, ok = DefaultBands.KindFor(6250)
	require.True(t, ok)
	assert.Equal(t, models.DevicePC, kind)

	_, ok = DefaultBands.KindFor(8080)
	assert.False(t, ok)
}

func TestScanOnceClassifiesByBand(t *testing.T) {
	bands := Bands{PhoneStart: 6100, PhoneEnd: 6102, PCStart: 6200, PCEnd: 6201}
	prober := &fakeProber{
		listening: map[int]bool{6100: true, 6200: true, 6101: true},
		phones:    map[int]map[string]string{6100: {"model": "Pixel 8"}},
		pcs:       map[int]map[string]string{6200: {"os": "darwin"}},
	}
	sink := newRecordingSink()

	s := NewScanner(bands, sink, prober, 0)
	s.ScanOnce(context.Background())

	// Phone with a working handshake.
	obs := sink.observed[6100]
	assert.Equal(t, models.DevicePhone, obs.Kind)
	assert.True(t, obs.Healthy)
	assert.Equal(t, "Pixel 8", obs.Specs["model"])

	// PC with a working /health.
	obs = sink.observed[6200]
	assert.Equal(t, models.DevicePC, obs.Kind)
	assert.True(t, obs.Healthy)

	// Listener that fails the device handshake is observed unhealthy.
	obs = sink.observed[6101]
	assert.False(t, obs.Healthy)

	// Silent ports are vacated.
	assert.True(t, sink.vacated[6102])
	assert.True(t, sink.vacated[6201])
}

// The registry's declared kind overrides band classification.
func TestScanOnceRegistryOverride(t *testing.T) {
	bands := Bands{PhoneStart: 6100, PhoneEnd: 6100, PCStart: 6200, PCEnd: 6200}
	prober := &fakeProber{
		listening: map[int]bool{6100: true},
		pcs:       map[int]map[string]string{6100: {"os": "windows"}},
	}
	sink := newRecordingSink()
	sink.kinds[6100] = models.DevicePC

	s := NewScanner(bands, sink, prober, 0)
	s.ScanOnce(context.Background())

	obs := sink.observed[6100]
	assert.Equal(t, models.DevicePC, obs.Kind)
	assert.True(t, obs.Healthy)
}

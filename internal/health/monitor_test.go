package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

type fakeProber struct {
	name    string
	healthy atomic.Bool
	calls   int64
}

func (f *fakeProber) Name() string { return f.name }

func (f *fakeProber) Health(context.Context) types.SourceHealth {
	atomic.AddInt64(&f.calls, 1)
	h := types.SourceHealth{Source: f.name, Healthy: f.healthy.Load(), CheckedAt: time.Now()}
	if !h.Healthy {
		h.Error = "connection refused"
	}
	return h
}

type floorRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (f *floorRecorder) ResetFloor(key string) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
}

func probers(healthy, unhealthy int) []Prober {
	out := make([]Prober, 0, healthy+unhealthy)
	for i := 0; i < healthy+unhealthy; i++ {
		p := &fakeProber{name: string(rune('a' + i))}
		p.healthy.Store(i < healthy)
		out = append(out, p)
	}
	return out
}

func TestClassify(t *testing.T) {
	cases := []struct {
		up, total int
		want      Class
	}{
		{0, 0, ClassHealthy}, // no sources configured is vacuously healthy
		{4, 4, ClassHealthy},
		{4, 5, ClassHealthy},  // 80% boundary inclusive
		{3, 4, ClassDegraded}, // 75%
		{2, 4, ClassDegraded}, // 50% boundary inclusive
		{1, 4, ClassUnhealthy},
		{0, 4, ClassUnhealthy},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, classify(tc.up, tc.total), "classify(%d, %d)", tc.up, tc.total)
	}
}

func TestForceClassification(t *testing.T) {
	cases := []struct {
		healthy, unhealthy int
		want               Class
	}{
		{4, 0, ClassHealthy},
		{3, 1, ClassDegraded},
		{2, 2, ClassDegraded},
		{1, 3, ClassUnhealthy},
	}
	for _, tc := range cases {
		m := New(Config{}, probers(tc.healthy, tc.unhealthy), nil, zerolog.Nop())
		report := m.Force(context.Background())
		assert.Equal(t, tc.want, report.Status)
		assert.Len(t, report.Sources, tc.healthy+tc.unhealthy)
	}
}

func TestReportUsesCacheWhileFresh(t *testing.T) {
	ps := probers(2, 0)
	m := New(Config{CacheTTL: time.Minute}, ps, nil, zerolog.Nop())

	first := m.Force(context.Background())
	second := m.Report(context.Background())
	assert.Equal(t, first.CheckedAt, second.CheckedAt, "fresh cache is served as-is")
	assert.Equal(t, int64(1), atomic.LoadInt64(&ps[0].(*fakeProber).calls))
}

func TestReportProbesWhenStale(t *testing.T) {
	ps := probers(1, 0)
	m := New(Config{CacheTTL: time.Nanosecond}, ps, nil, zerolog.Nop())

	m.Force(context.Background())
	time.Sleep(time.Millisecond)
	m.Report(context.Background())
	assert.Equal(t, int64(2), atomic.LoadInt64(&ps[0].(*fakeProber).calls))
}

func TestReportProbesOnFirstCall(t *testing.T) {
	m := New(Config{}, probers(1, 1), nil, zerolog.Nop())
	report := m.Report(context.Background())
	assert.False(t, report.CheckedAt.IsZero())
	assert.Equal(t, ClassDegraded, report.Status)
	assert.Equal(t, ClassDegraded, m.Classification(context.Background()))
}

func TestHealthyProbeResetsBackoffFloor(t *testing.T) {
	up := &fakeProber{name: "market"}
	up.healthy.Store(true)
	down := &fakeProber{name: "router"}
	floors := &floorRecorder{}
	m := New(Config{}, []Prober{up, down}, floors, zerolog.Nop())

	m.Force(context.Background())
	assert.Equal(t, []string{"market"}, floors.keys, "only healthy sources get their floor reset")
}

func TestRecoveryFlipsClassification(t *testing.T) {
	p := &fakeProber{name: "market"}
	m := New(Config{CacheTTL: time.Nanosecond}, []Prober{p}, nil, zerolog.Nop())

	require.Equal(t, ClassUnhealthy, m.Force(context.Background()).Status)
	p.healthy.Store(true)
	assert.Equal(t, ClassHealthy, m.Force(context.Background()).Status)
}

func TestStartStop(t *testing.T) {
	p := &fakeProber{name: "market"}
	p.healthy.Store(true)
	m := New(Config{Interval: time.Hour}, []Prober{p}, nil, zerolog.Nop())

	m.Start(context.Background())
	m.Start(context.Background()) // idempotent
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&p.calls) >= 1
	}, time.Second, 5*time.Millisecond, "the loop probes once at startup")
	m.Stop()

	report := m.Report(context.Background())
	assert.Equal(t, ClassHealthy, report.Status)
}

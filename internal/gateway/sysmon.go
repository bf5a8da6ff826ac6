package gateway

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
)

// sysMonitor samples the process's RSS and CPU on a fixed cadence and
// feeds the gauges and the health endpoint.
type sysMonitor struct {
	interval time.Duration
	logger   zerolog.Logger

	mu          sync.RWMutex
	memoryBytes uint64
	cpuPercent  float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newSysMonitor(interval time.Duration, logger zerolog.Logger) *sysMonitor {
	return &sysMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "sysmon").Logger(),
	}
}

func (m *sysMonitor) start(ctx context.Context) {
	m.once.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.wg.Add(1)
		go m.loop(ctx)
	})
}

func (m *sysMonitor) stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

func (m *sysMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to get process handle")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(proc)
		}
	}
}

func (m *sysMonitor) sample(proc *process.Process) {
	var mem uint64
	var cpu float64

	if info, err := proc.MemoryInfo(); err == nil {
		mem = info.RSS
	}
	if pct, err := proc.CPUPercent(); err == nil {
		cpu = pct
	}

	m.mu.Lock()
	m.memoryBytes = mem
	m.cpuPercent = cpu
	m.mu.Unlock()

	metrics.SetProcessMemory(float64(mem))
	metrics.SetProcessCPU(cpu)
}

func (m *sysMonitor) snapshot() (memoryBytes uint64, cpuPercent float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryBytes, m.cpuPercent
}

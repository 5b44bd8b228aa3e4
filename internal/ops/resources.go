package ops

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"coinflow/logger"
)

// resourceSample is one host utilisation reading served by /api/resources.
type resourceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemUsed     uint64    `json:"memory_used"`
	MemTotal    uint64    `json:"memory_total"`
	MemPercent  float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPercent float64   `json:"disk_percent"`
}

// swappable for tests
var (
	sampleCPU = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	sampleMem  = mem.VirtualMemoryWithContext
	sampleDisk = disk.UsageWithContext
)

// sampler keeps a bounded history of resource samples. The CPU reading
// blocks for one interval, which also paces the loop.
type sampler struct {
	mu       sync.RWMutex
	history  []resourceSample
	limit    int
	interval time.Duration
	path     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log
}

func newSampler(limit int, interval time.Duration, path string) *sampler {
	if limit <= 0 {
		limit = 120
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if path == "" {
		path = "/"
	}
	return &sampler{
		limit:    limit,
		interval: interval,
		path:     path,
		log:      logger.GetLogger(),
	}
}

func (s *sampler) start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *sampler) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
}

func (s *sampler) run(ctx context.Context) {
	for ctx.Err() == nil {
		start := time.Now()
		if sample, ok := s.collect(ctx); ok {
			s.record(sample)
		}
		// the cpu probe already blocked for one interval; only top up
		// when a probe bailed out early
		if wait := s.interval - time.Since(start); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (s *sampler) collect(ctx context.Context) (resourceSample, bool) {
	log := s.log.WithComponent("ops")

	cpuSamples, err := sampleCPU(ctx, s.interval)
	if err != nil {
		log.WithError(err).Debug("cpu sample failed")
		return resourceSample{}, false
	}
	memStats, err := sampleMem(ctx)
	if err != nil {
		log.WithError(err).Debug("memory sample failed")
		return resourceSample{}, false
	}
	diskStats, err := sampleDisk(ctx, s.path)
	if err != nil {
		log.WithError(err).Debug("disk sample failed")
		return resourceSample{}, false
	}

	cpuPct := 0.0
	if len(cpuSamples) > 0 {
		cpuPct = cpuSamples[0]
	}
	return resourceSample{
		Timestamp:   time.Now().UTC(),
		CPUPercent:  cpuPct,
		MemUsed:     memStats.Used,
		MemTotal:    memStats.Total,
		MemPercent:  memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPercent: diskStats.UsedPercent,
	}, true
}

func (s *sampler) record(sample resourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, sample)
	if len(s.history) > s.limit {
		s.history = s.history[len(s.history)-s.limit:]
	}
}

func (s *sampler) snapshot() []resourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSample, len(s.history))
	copy(out, s.history)
	return out
}

func (s *sampler) latest() (resourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return resourceSample{}, false
	}
	return s.history[len(s.history)-1], true
}

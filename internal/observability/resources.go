package observability

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSampler periodically copies process CPU, RSS and goroutine counts into gauges.
type ResourceSampler struct {
	proc     *process.Process
	metrics  *Metrics
	logger   *slog.Logger
	interval time.Duration
}

// NewResourceSampler returns nil when the current process cannot be inspected; a nil sampler is
// safe to Start.
func NewResourceSampler(metrics *Metrics, logger *slog.Logger, interval time.Duration) *ResourceSampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process sampler disabled", "error", err)
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ResourceSampler{
		proc:     p,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
	}
}

// Start samples once immediately and then on every tick until ctx is done.
func (r *ResourceSampler) Start(ctx context.Context) {
	if r == nil {
		return
	}
	r.sample(ctx)
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample(ctx)
			}
		}
	}()
}

func (r *ResourceSampler) sample(ctx context.Context) {
	cpu, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	var rss uint64
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rss = mem.RSS
	}
	goroutines := runtime.NumGoroutine()

	r.metrics.ProcessCPUPercent.Set(cpu)
	r.metrics.ProcessRSSBytes.Set(float64(rss))
	r.metrics.Goroutines.Set(float64(goroutines))
	r.logger.Debug("resource sample", "cpu_percent", cpu, "rss_bytes", rss, "goroutines", goroutines)
}

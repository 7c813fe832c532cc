package ratelimit

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
)

const (
	sampleInterval = 5 * time.Second

	// recoverySamples is how many consecutive clean samples must pass
	// before the throttle releases, so limits do not flap around the
	// threshold.
	recoverySamples = 2
)

// Throttle samples host CPU and memory and, while either is above its
// threshold, multiplies every rate limit by a reduction factor.
type Throttle struct {
	cpuThreshold float64
	memThreshold float64
	reduction    float64

	factorBits atomic.Uint64
	clean      int
}

// NewThrottle builds a throttle with thresholds in percent and the factor
// applied under pressure (0 < reduction <= 1).
func NewThrottle(cpuThreshold, memThreshold, reduction float64) *Throttle {
	t := &Throttle{
		cpuThreshold: cpuThreshold,
		memThreshold: memThreshold,
		reduction:    reduction,
	}
	t.setFactor(1)
	return t
}

// Factor returns the multiplier currently applied to all limits.
func (t *Throttle) Factor() float64 {
	return math.Float64frombits(t.factorBits.Load())
}

func (t *Throttle) setFactor(f float64) {
	t.factorBits.Store(math.Float64bits(f))
	metrics.ThrottleFactor.Set(f)
}

// Start launches the sampling loop; it stops with ctx.
func (t *Throttle) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sample(ctx)
			}
		}
	}()
}

func (t *Throttle) sample(ctx context.Context) {
	cpuPct := t.cpuPercent(ctx)
	memPct := t.memPercent(ctx)
	t.apply(cpuPct, memPct)
}

// apply moves the factor based on one sample. Engaging is immediate;
// releasing needs consecutive clean samples.
func (t *Throttle) apply(cpuPct, memPct float64) {
	pressured := cpuPct > t.cpuThreshold || memPct > t.memThreshold

	if pressured {
		t.clean = 0
		if t.Factor() != t.reduction {
			t.setFactor(t.reduction)
			logging.Warn(context.Background(), "Adaptive throttle engaged",
				zap.Float64("cpu_pct", cpuPct),
				zap.Float64("mem_pct", memPct),
				zap.Float64("factor", t.reduction))
		}
		return
	}

	if t.Factor() == 1 {
		return
	}
	t.clean++
	if t.clean >= recoverySamples {
		t.setFactor(1)
		t.clean = 0
		logging.Info(context.Background(), "Adaptive throttle released",
			zap.Float64("cpu_pct", cpuPct),
			zap.Float64("mem_pct", memPct))
	}
}

// cpuPercent reads instantaneous CPU usage. Errors read as zero pressure:
// a broken probe must not throttle traffic forever.
func (t *Throttle) cpuPercent(ctx context.Context) float64 {
	percs, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percs) == 0 {
		return 0
	}
	return percs[0]
}

func (t *Throttle) memPercent(ctx context.Context) float64 {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0
	}
	return vm.UsedPercent
}

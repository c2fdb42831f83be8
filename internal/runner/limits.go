package runner

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"runtime/metrics"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultMaxJobs = 30
	DefaultMaxTime = 20 * time.Second

	// DefaultMemoryCeiling stands in for the runtime limit when none is set.
	DefaultMemoryCeiling uint64 = 128 << 20
	DefaultMemoryPercent        = 80.0

	// estimateMargin is how many average jobs must still fit in the time budget.
	estimateMargin = 3
)

// Probe reports process memory.
type Probe interface {
	// MemoryUsage is the memory the runtime currently holds from the OS.
	MemoryUsage() uint64
	// MemoryLimit is the runtime memory ceiling, false when unlimited.
	MemoryLimit() (uint64, bool)
}

type runtimeProbe struct{}

// RuntimeProbe reads the Go runtime's own accounting, the same numbers the
// GOMEMLIMIT soft limit is enforced against.
func RuntimeProbe() Probe { return runtimeProbe{} }

func (runtimeProbe) MemoryUsage() uint64 {
	samples := []metrics.Sample{
		{Name: "/memory/classes/total:bytes"},
		{Name: "/memory/classes/heap/released:bytes"},
	}
	metrics.Read(samples)
	if samples[0].Value.Kind() != metrics.KindUint64 || samples[1].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return samples[0].Value.Uint64() - samples[1].Value.Uint64()
}

func (runtimeProbe) MemoryLimit() (uint64, bool) {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0, false
	}
	return uint64(limit), true
}

// Ceilings are host-wide bounds applied when a budget is enabled without an
// explicit limit.
type Ceilings struct {
	// MaxTime caps the default wall-clock budget. Zero means no cap.
	MaxTime time.Duration
	// MaxMemory is a share of the runtime ceiling ("80%") or a size
	// ("256MiB"). Empty means DefaultMemoryPercent.
	MaxMemory string
}

type memorySetting struct {
	percent float64
	bytes   uint64
}

func parseMemory(s string) (memorySetting, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return memorySetting{percent: DefaultMemoryPercent}, nil
	}
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil || v <= 0 || v > 100 {
			return memorySetting{}, fmt.Errorf("tenantq/runner: memory percentage %q out of range", s)
		}
		return memorySetting{percent: v}, nil
	}
	b, err := humanize.ParseBytes(s)
	if err != nil || b == 0 {
		return memorySetting{}, fmt.Errorf("tenantq/runner: memory size %q: invalid", s)
	}
	return memorySetting{bytes: b}, nil
}

// resolve applies the setting to the runtime ceiling; the result never exceeds it.
func (m memorySetting) resolve(probe Probe) uint64 {
	ceiling, ok := probe.MemoryLimit()
	if !ok {
		ceiling = DefaultMemoryCeiling
	}
	v := m.bytes
	if m.percent > 0 {
		v = uint64(float64(ceiling) * m.percent / 100)
	}
	return min(v, ceiling)
}

// defaultMaxTime is the smallest of the time left before ctx's deadline, the
// configured ceiling and DefaultMaxTime.
func defaultMaxTime(ctx context.Context, ceiling time.Duration) time.Duration {
	d := DefaultMaxTime
	if ceiling > 0 {
		d = min(d, ceiling)
	}
	if deadline, ok := ctx.Deadline(); ok {
		d = min(d, time.Until(deadline))
	}
	return d
}

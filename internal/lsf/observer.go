// Package lsf samples daemon and host pressure and feeds it to the qrf
// pacing controller.
package lsf

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/qrf"
)

// Config controls the sampling cadence.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	LogInterval    time.Duration
}

// Source reports daemon-side pressure.
type Source interface {
	// PendingConnections counts accepted connections not yet bound to a
	// resource.
	PendingConnections() int64
	// Resources counts live resource loops.
	Resources() int64
}

// HostUsage is one reading of host level counters.
type HostUsage struct {
	RSSBytes          uint64
	MemoryUsedPercent float64
	SwapUsedPercent   float64
	CPUPercent        float64
	Load1             float64
}

// HostProbe reads host level counters. Errors are treated as missing data.
type HostProbe interface {
	Usage(ctx context.Context) (HostUsage, error)
}

// Observer periodically samples Source and HostProbe.
type Observer struct {
	cfg     Config
	qrf     *qrf.Controller
	source  Source
	probe   HostProbe
	logger  pslog.Logger
	metrics *lsfMetrics
	running atomic.Bool

	lastLogTime     time.Time
	loadBaseline    float64
	loadBaselineSet bool

	wg sync.WaitGroup
}

// Option customises an Observer.
type Option func(*Observer)

// WithHostProbe replaces the gopsutil backed probe.
func WithHostProbe(p HostProbe) Option {
	return func(o *Observer) {
		if p != nil {
			o.probe = p
		}
	}
}

// NewObserver constructs an observer that feeds controller.
func NewObserver(cfg Config, controller *qrf.Controller, source Source, logger pslog.Logger, opts ...Option) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 200 * time.Millisecond
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	logger = loggingutil.EnsureLogger(logger)
	o := &Observer{
		cfg:    cfg,
		qrf:    controller,
		source: source,
		probe:  newSystemProbe(),
		logger: loggingutil.WithSubsystem(logger, "control.lsf.observer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.metrics = newLSFMetrics(logger)
	return o
}

// Start launches the sampling loop. Only the first call starts it.
func (o *Observer) Start(ctx context.Context) {
	if !o.cfg.Enabled || o.qrf == nil {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	o.wg.Wait()
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(ctx, now)
		}
	}
}

func (o *Observer) sample(ctx context.Context, ts time.Time) {
	if o.qrf == nil {
		return
	}
	usage, err := o.probe.Usage(ctx)
	if err != nil {
		o.logger.Trace("netlock.lsf.probe_failed", "error", err)
	}
	if usage.RSSBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		usage.RSSBytes = ms.Sys
	}
	baseline, multiplier := o.updateLoadBaseline(usage.Load1)
	snapshot := qrf.Snapshot{
		RSSBytes:          usage.RSSBytes,
		MemoryUsedPercent: usage.MemoryUsedPercent,
		SwapUsedPercent:   usage.SwapUsedPercent,
		CPUPercent:        usage.CPUPercent,
		Load1:             usage.Load1,
		Load1Baseline:     baseline,
		Load1Multiplier:   multiplier,
		Goroutines:        runtime.NumGoroutine(),
		CollectedAt:       ts,
	}
	if o.source != nil {
		snapshot.PendingConnections = o.source.PendingConnections()
		snapshot.Resources = o.source.Resources()
	}
	if o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval) {
		o.logger.Debug("netlock.lsf.sample",
			"pending_connections", snapshot.PendingConnections,
			"resources", snapshot.Resources,
			"rss_bytes", snapshot.RSSBytes,
			"memory_percent", snapshot.MemoryUsedPercent,
			"swap_percent", snapshot.SwapUsedPercent,
			"cpu_percent", snapshot.CPUPercent,
			"load1", snapshot.Load1,
			"load1_baseline", snapshot.Load1Baseline,
			"load1_multiplier", snapshot.Load1Multiplier,
			"goroutines", snapshot.Goroutines,
		)
		o.lastLogTime = ts
	}
	o.metrics.recordSample(ctx, snapshot)
	o.qrf.Observe(snapshot)
}

// updateLoadBaseline folds load1 into a slow moving average and returns the
// baseline and how many times over it the current load is.
func (o *Observer) updateLoadBaseline(load1 float64) (float64, float64) {
	const alpha = 0.05
	if !o.loadBaselineSet {
		o.loadBaseline = initialBaseline(load1)
		o.loadBaselineSet = true
	}
	o.loadBaseline = ewma(o.loadBaseline, load1, alpha)
	return o.loadBaseline, ratio(load1, o.loadBaseline)
}

func initialBaseline(load float64) float64 {
	if load <= 0 {
		return 0.1
	}
	return load
}

func ewma(current, value, alpha float64) float64 {
	if current <= 0 {
		return value
	}
	return current + (value-current)*alpha
}

func ratio(value, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return value / baseline
}

type systemProbe struct {
	proc *process.Process
}

func newSystemProbe() *systemProbe {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		p = nil
	}
	return &systemProbe{proc: p}
}

// Usage collects what the platform offers. The first failing counter is
// reported but the rest are still returned.
func (p *systemProbe) Usage(ctx context.Context) (HostUsage, error) {
	var (
		usage    HostUsage
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.proc != nil {
		info, err := p.proc.MemoryInfoWithContext(ctx)
		keep(err)
		if err == nil && info != nil {
			usage.RSSBytes = info.RSS
		}
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	keep(err)
	if err == nil && vm != nil {
		usage.MemoryUsedPercent = vm.UsedPercent
	}
	swap, err := mem.SwapMemoryWithContext(ctx)
	keep(err)
	if err == nil && swap != nil {
		usage.SwapUsedPercent = swap.UsedPercent
	}
	// An interval of zero compares against the previous call.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	keep(err)
	if err == nil && len(pct) > 0 {
		usage.CPUPercent = pct[0]
	}
	avg, err := load.AvgWithContext(ctx)
	keep(err)
	if err == nil && avg != nil {
		usage.Load1 = avg.Load1
	}
	return usage, firstErr
}

package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
)

// DefaultPruneCron runs the retention sweep daily at 03:17.
const DefaultPruneCron = "17 3 * * *"

// Pruner runs RouteRecorder.Prune on a cron schedule.
type Pruner struct {
	recorder  *RouteRecorder
	expr      string
	retention time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewPruner validates expr. A zero retention yields a pruner whose Run
// returns immediately.
func NewPruner(rec *RouteRecorder, expr string, retention time.Duration, m *metrics.Metrics) (*Pruner, error) {
	if expr == "" {
		expr = DefaultPruneCron
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid route prune cron %q", expr)
	}
	return &Pruner{recorder: rec, expr: expr, retention: retention, metrics: m, now: time.Now}, nil
}

// Next returns the first scheduled sweep strictly after t.
func (p *Pruner) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(p.expr, t, false)
}

// Run sweeps on every tick until ctx is done.
func (p *Pruner) Run(ctx context.Context) {
	if p.retention <= 0 {
		slog.Info("route pruning disabled")
		return
	}
	slog.Info("route pruner started", "cron", p.expr, "retention", p.retention)

	for {
		next, err := p.Next(p.now())
		if err != nil {
			slog.Error("route pruner schedule failed", "cron", p.expr, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.Sweep(ctx)
	}
}

// Sweep runs one prune pass and logs the outcome.
func (p *Pruner) Sweep(ctx context.Context) int64 {
	n, err := p.recorder.Prune(ctx, p.retention)
	if err != nil {
		slog.Warn("route prune failed", "error", err)
		return 0
	}
	p.metrics.RecordPruned(n)
	if n > 0 {
		slog.Info("pruned stale routes", "count", n)
	}
	return n
}

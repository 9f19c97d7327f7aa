package netmon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/remote"
)

// Pinger checks reachability of the remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober polls a Pinger and feeds the result into a Monitor.
type Prober struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober. An interval of zero disables probing.
func NewProber(m *Monitor, p Pinger, interval time.Duration) *Prober {
	return &Prober{monitor: m, pinger: p, interval: interval}
}

// ProbeOnce pings once and updates the monitor. Only transport failures
// count as offline; an authorization error still proves the service answers.
func (p *Prober) ProbeOnce(ctx context.Context) {
	err := p.pinger.Ping(ctx)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
		p.monitor.SetFrom(true, "probe")
	case remote.Retryable(err):
		logging.Debug("probe failed", zap.Error(err))
		p.monitor.SetFrom(false, "probe")
	default:
		p.monitor.SetFrom(true, "probe")
	}
}

// Start begins background probing.
func (p *Prober) Start(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	probeCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.ProbeOnce(probeCtx)
			case <-probeCtx.Done():
				return
			}
		}
	}()

	logging.Info("connectivity probe enabled", zap.Duration("interval", p.interval))
}

// Stop ends background probing and waits for the loop to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
		p.cancel = nil
	}
}

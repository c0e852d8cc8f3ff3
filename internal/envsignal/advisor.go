package envsignal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradesync/config"
	"tradesync/internal/event"
	"tradesync/logger"
)

// Conditions is the advisor's aggregated view of the device.
type Conditions struct {
	LowPower       bool `json:"low_power"`
	SlowNetwork    bool `json:"slow_network"`
	ShouldOptimize bool `json:"should_optimize"`
	Online         bool `json:"online"`
}

// Advisor polls the platform Signals and derives coarse policy flags.
// Flag changes are published on the event bus; consumers read Current or
// subscribe, they never touch the probes directly.
type Advisor struct {
	cfg     config.ConditionsConfig
	signals Signals
	bus     *event.Bus
	log     *logger.Log

	mu      sync.RWMutex
	current Conditions
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAdvisor creates an advisor over the given signal probes. A nil
// signals argument disables all optimizations rather than failing.
func NewAdvisor(cfg config.ConditionsConfig, signals Signals, bus *event.Bus) *Advisor {
	if signals == nil {
		signals = NewStaticSignals()
	}
	a := &Advisor{
		cfg:     cfg,
		signals: signals,
		bus:     bus,
		log:     logger.GetLogger(),
	}
	a.current = a.observe()
	return a
}

// Start begins periodic polling of the underlying signals.
func (a *Advisor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("advisor already running")
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	interval := a.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Refresh()
			}
		}
	}()

	a.log.WithComponent("condition_advisor").WithFields(logger.Fields{
		"poll_interval": interval,
	}).Info("condition advisor started")
	return nil
}

// Stop halts polling.
func (a *Advisor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.log.WithComponent("condition_advisor").Info("condition advisor stopped")
}

// Refresh re-reads the probes immediately and publishes any changes.
func (a *Advisor) Refresh() {
	next := a.observe()

	a.mu.Lock()
	prev := a.current
	a.current = next
	a.mu.Unlock()

	if next != prev {
		a.log.WithComponent("condition_advisor").WithFields(logger.Fields{
			"low_power":       next.LowPower,
			"slow_network":    next.SlowNetwork,
			"should_optimize": next.ShouldOptimize,
			"online":          next.Online,
		}).Info("device conditions changed")
		a.bus.Publish(event.TopicConditions, next)
	}
	if next.Online != prev.Online {
		a.bus.Publish(event.TopicConnectivity, next.Online)
	}
}

func (a *Advisor) observe() Conditions {
	cond := Conditions{Online: a.signals.Online()}

	threshold := a.cfg.LowBatteryThreshold
	if threshold <= 0 {
		threshold = 0.2
	}
	if level, charging, ok := a.signals.Battery(); ok {
		cond.LowPower = !charging && level < threshold
	}
	if tier, ok := a.signals.NetworkTier(); ok {
		cond.SlowNetwork = tier.Slow()
	}
	cond.ShouldOptimize = cond.LowPower || cond.SlowNetwork
	return cond
}

// Current returns the last observed conditions.
func (a *Advisor) Current() Conditions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Online reports the last observed connectivity flag.
func (a *Advisor) Online() bool {
	return a.Current().Online
}

// ShouldOptimize reports whether consumers should trade freshness for
// battery or bandwidth.
func (a *Advisor) ShouldOptimize() bool {
	return a.Current().ShouldOptimize
}

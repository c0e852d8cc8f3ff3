// Package envsignal aggregates best-effort device and connectivity signals
// into coarse policy flags consumed by the cache, gateway and realtime
// subsystems.
package envsignal

import "sync"

// NetworkTier classifies the effective network connection quality.
type NetworkTier string

const (
	TierUnknown NetworkTier = ""
	TierSlow2G  NetworkTier = "slow-2g"
	Tier2G      NetworkTier = "2g"
	Tier3G      NetworkTier = "3g"
	Tier4G      NetworkTier = "4g"
)

// Slow reports whether the tier is at or below the 2G class.
func (t NetworkTier) Slow() bool {
	return t == TierSlow2G || t == Tier2G
}

// Signals is the platform probe surface. Implementations report whatever
// the host can observe; absence of a signal is reported through the ok
// return so consumers can degrade gracefully.
type Signals interface {
	// Battery returns the charge level in [0,1] and whether the device is
	// charging. ok is false when no battery information is available.
	Battery() (level float64, charging bool, ok bool)
	// NetworkTier returns the effective connection tier. ok is false when
	// the platform cannot estimate it.
	NetworkTier() (tier NetworkTier, ok bool)
	// Online reports current connectivity as the platform sees it.
	Online() bool
}

// StaticSignals is a settable Signals implementation. It doubles as the
// no-op default (always online, no battery or network information) and as
// the controllable probe for tests.
type StaticSignals struct {
	mu         sync.RWMutex
	level      float64
	charging   bool
	hasBattery bool
	tier       NetworkTier
	hasTier    bool
	online     bool
}

// NewStaticSignals returns signals reporting an always-online device with
// no battery or network tier information.
func NewStaticSignals() *StaticSignals {
	return &StaticSignals{online: true}
}

func (s *StaticSignals) Battery() (float64, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level, s.charging, s.hasBattery
}

func (s *StaticSignals) NetworkTier() (NetworkTier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tier, s.hasTier
}

func (s *StaticSignals) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetBattery updates the reported battery level and charging state.
func (s *StaticSignals) SetBattery(level float64, charging bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	s.charging = charging
	s.hasBattery = true
}

// ClearBattery marks battery information as unavailable.
func (s *StaticSignals) ClearBattery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasBattery = false
}

// SetNetworkTier updates the reported network tier.
func (s *StaticSignals) SetNetworkTier(tier NetworkTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tier = tier
	s.hasTier = true
}

// SetOnline updates the reported connectivity flag.
func (s *StaticSignals) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

package envsignal

import (
	"testing"
	"time"

	"tradesync/config"
	"tradesync/internal/event"
)

func testConfig() config.ConditionsConfig {
	return config.ConditionsConfig{
		PollInterval:        time.Hour, // tests drive Refresh directly
		LowBatteryThreshold: 0.2,
	}
}

func TestAdvisorDefaultsToNoOptimizations(t *testing.T) {
	bus := event.NewBus(4)
	defer bus.Close()

	a := NewAdvisor(testConfig(), nil, bus)
	cond := a.Current()
	if cond.LowPower || cond.SlowNetwork || cond.ShouldOptimize {
		t.Fatalf("expected optimizations disabled without probes, got %+v", cond)
	}
	if !cond.Online {
		t.Fatal("default signals should report online")
	}
}

func TestAdvisorLowPower(t *testing.T) {
	bus := event.NewBus(4)
	defer bus.Close()
	signals := NewStaticSignals()

	a := NewAdvisor(testConfig(), signals, bus)

	signals.SetBattery(0.15, false)
	a.Refresh()
	if cond := a.Current(); !cond.LowPower || !cond.ShouldOptimize {
		t.Fatalf("expected low power at 15%% discharging, got %+v", cond)
	}

	// Same level but charging is not low power.
	signals.SetBattery(0.15, true)
	a.Refresh()
	if cond := a.Current(); cond.LowPower {
		t.Fatalf("charging device flagged low power: %+v", cond)
	}
}

func TestAdvisorSlowNetwork(t *testing.T) {
	bus := event.NewBus(4)
	defer bus.Close()
	signals := NewStaticSignals()

	a := NewAdvisor(testConfig(), signals, bus)

	for tier, slow := range map[NetworkTier]bool{
		TierSlow2G: true,
		Tier2G:     true,
		Tier3G:     false,
		Tier4G:     false,
	} {
		signals.SetNetworkTier(tier)
		a.Refresh()
		if cond := a.Current(); cond.SlowNetwork != slow {
			t.Errorf("tier %q: slow_network = %v, want %v", tier, cond.SlowNetwork, slow)
		}
	}
}

func TestAdvisorPublishesChanges(t *testing.T) {
	bus := event.NewBus(4)
	defer bus.Close()
	signals := NewStaticSignals()

	a := NewAdvisor(testConfig(), signals, bus)
	condSub := bus.Subscribe(event.TopicConditions)
	connSub := bus.Subscribe(event.TopicConnectivity)

	signals.SetOnline(false)
	a.Refresh()

	select {
	case evt := <-connSub.C:
		if online := evt.Data.(bool); online {
			t.Fatal("expected offline connectivity event")
		}
	case <-time.After(time.Second):
		t.Fatal("no connectivity event published")
	}
	select {
	case evt := <-condSub.C:
		if cond := evt.Data.(Conditions); cond.Online {
			t.Fatalf("unexpected conditions payload %+v", cond)
		}
	case <-time.After(time.Second):
		t.Fatal("no conditions event published")
	}

	// Unchanged conditions publish nothing.
	a.Refresh()
	select {
	case <-condSub.C:
		t.Fatal("unchanged conditions should not publish")
	case <-time.After(50 * time.Millisecond):
	}
}

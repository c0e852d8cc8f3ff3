package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type componentHealth struct {
	warns  int64
	errors int64
}

var components sync.Map // map[string]*componentHealth

func recordWarn(component string) {
	h := healthFor(component)
	atomic.AddInt64(&h.warns, 1)
}

func recordError(component string) {
	h := healthFor(component)
	atomic.AddInt64(&h.errors, 1)
}

func healthFor(component string) *componentHealth {
	v, _ := components.LoadOrStore(component, &componentHealth{})
	return v.(*componentHealth)
}

// HealthCounters returns the accumulated warn/error tallies per component.
func HealthCounters() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		h := v.(*componentHealth)
		out[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&h.warns),
			"errors": atomic.LoadInt64(&h.errors),
		}
		return true
	})
	return out
}

// StartReport begins periodic logging of runtime and component health
// statistics until the context is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	log.WithComponent("report").WithFields(Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(mem.HeapAlloc) / 1024 / 1024,
		"components": HealthCounters(),
	}).Info("runtime report")
}

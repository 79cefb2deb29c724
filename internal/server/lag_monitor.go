package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/network"
)

const (
	// historySize is how many recent tick samples are kept, one minute at
	// the default rate.
	historySize = 1200

	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// LagMonitor tracks how long each tick takes and reports ticks that overrun
// their thresholds.
type LagMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus

	budget   time.Duration
	warning  time.Duration
	critical time.Duration

	ticks       uint64
	history     []TickSample
	next        int
	maxDuration time.Duration
	lagEvents   int
	lastLag     time.Time
	last        network.PumpStats
}

// TickSample is the timing of one tick.
type TickSample struct {
	Tick      uint64        `json:"tick"`
	At        time.Time     `json:"at"`
	Duration  time.Duration `json:"duration_ns"`
	Processed int           `json:"processed"`
}

// TickStats summarises the recent history.
type TickStats struct {
	Ticks        uint64            `json:"ticks"`
	Budget       time.Duration     `json:"budget_ns"`
	Samples      int               `json:"samples"`
	AvgMs        float64           `json:"avg_ms"`
	MaxMs        float64           `json:"max_ms"`
	WorstMs      float64           `json:"worst_ms"`
	LagEvents    int               `json:"lag_events"`
	LastLag      time.Time         `json:"last_lag,omitempty"`
	OverBudget   int               `json:"over_budget"`
	LastPump     network.PumpStats `json:"last_pump"`
	EffectiveTPS float64           `json:"effective_tps"`
}

// LagAlert represents a lag threshold alert.
type LagAlert struct {
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// NewLagMonitor creates a lag monitor for the configured tick rate.
func NewLagMonitor(cfg config.TickConfig, eventBus *events.EventBus) *LagMonitor {
	return &LagMonitor{
		eventBus: eventBus,
		budget:   cfg.Interval(),
		warning:  time.Duration(cfg.LagWarningMs) * time.Millisecond,
		critical: time.Duration(cfg.LagCriticalMs) * time.Millisecond,
		history:  make([]TickSample, 0, historySize),
	}
}

// Record stores the timing of one tick and emits a lag event when it
// exceeded the warning threshold. Called from the tick goroutine.
func (lm *LagMonitor) Record(tick uint64, d time.Duration, stats network.PumpStats) {
	sample := TickSample{Tick: tick, At: time.Now(), Duration: d, Processed: stats.Processed}

	lm.mu.Lock()
	lm.ticks++
	if len(lm.history) < historySize {
		lm.history = append(lm.history, sample)
	} else {
		lm.history[lm.next] = sample
	}
	lm.next = (lm.next + 1) % historySize
	if d > lm.maxDuration {
		lm.maxDuration = d
	}
	lm.last = stats

	level := lm.levelOf(d)
	if level != "" {
		lm.lagEvents++
		lm.lastLag = sample.At
	}
	lm.mu.Unlock()

	if level == "" {
		return
	}
	log.Warn().
		Uint64("tick", tick).
		Dur("duration", d).
		Dur("budget", lm.budget).
		Str("level", level).
		Msg("tick overran")
	lm.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventTickLag,
		Source: "lag_monitor",
		Payload: events.TickLagPayload{
			Tick:     tick,
			Duration: d,
			Budget:   lm.budget,
			Level:    level,
		},
	})
}

func (lm *LagMonitor) levelOf(d time.Duration) string {
	switch {
	case lm.critical > 0 && d >= lm.critical:
		return LevelCritical
	case lm.warning > 0 && d >= lm.warning:
		return LevelWarning
	}
	return ""
}

// Stats returns a summary of the retained samples.
func (lm *LagMonitor) Stats() TickStats {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	s := TickStats{
		Ticks:     lm.ticks,
		Budget:    lm.budget,
		Samples:   len(lm.history),
		WorstMs:   ms(lm.maxDuration),
		LagEvents: lm.lagEvents,
		LastLag:   lm.lastLag,
		LastPump:  lm.last,
	}
	if len(lm.history) == 0 {
		return s
	}

	var total, max time.Duration
	first, last := lm.history[0].At, lm.history[0].At
	for _, h := range lm.history {
		total += h.Duration
		if h.Duration > max {
			max = h.Duration
		}
		if h.Duration > lm.budget {
			s.OverBudget++
		}
		if h.At.Before(first) {
			first = h.At
		}
		if h.At.After(last) {
			last = h.At
		}
	}
	s.AvgMs = ms(total) / float64(len(lm.history))
	s.MaxMs = ms(max)
	if span := last.Sub(first); span > 0 && len(lm.history) > 1 {
		s.EffectiveTPS = float64(len(lm.history)-1) / span.Seconds()
	}
	return s
}

// Recent returns up to n of the newest samples, oldest first.
func (lm *LagMonitor) Recent(n int) []TickSample {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	size := len(lm.history)
	if n > size {
		n = size
	}
	out := make([]TickSample, 0, n)
	start := lm.next - n
	if size < historySize {
		start = size - n
	}
	for i := 0; i < n; i++ {
		out = append(out, lm.history[(start+i+historySize)%historySize])
	}
	return out
}

// CheckThresholds reports sustained overruns in the retained window.
func (lm *LagMonitor) CheckThresholds() []LagAlert {
	lm.mu.RLock()
	var warn, crit int
	for _, h := range lm.history {
		switch lm.levelOf(h.Duration) {
		case LevelCritical:
			crit++
		case LevelWarning:
			warn++
		}
	}
	window := len(lm.history)
	lm.mu.RUnlock()

	var alerts []LagAlert
	if crit > 0 {
		alerts = append(alerts, LagAlert{
			Level:   LevelCritical,
			Events:  crit,
			Message: fmt.Sprintf("%d of the last %d ticks exceeded %v", crit, window, lm.critical),
		})
	} else if warn > window/20 {
		alerts = append(alerts, LagAlert{
			Level:   LevelWarning,
			Events:  warn,
			Message: fmt.Sprintf("%d of the last %d ticks exceeded %v", warn, window, lm.warning),
		})
	}
	return alerts
}

// Start periodically publishes tick stats and threshold alerts.
func (lm *LagMonitor) Start(ctx context.Context, checkInterval time.Duration, counts func() (int, int)) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := lm.Stats()
			pending, established := counts()
			lm.eventBus.Emit(ctx, events.Event{
				Type:   events.EventTickStats,
				Source: "lag_monitor",
				Payload: events.TickStatsPayload{
					Ticks:       stats.Ticks,
					AvgMs:       stats.AvgMs,
					MaxMs:       stats.MaxMs,
					Pending:     pending,
					Established: established,
				},
			})

			for _, alert := range lm.CheckThresholds() {
				log.Warn().
					Str("level", alert.Level).
					Int("events", alert.Events).
					Msg("lag threshold alert")

				lm.eventBus.Emit(ctx, events.Event{
					Type:   events.EventHealthAlert,
					Source: "lag_monitor",
					Payload: events.HealthAlertPayload{
						Check:   "tick_lag",
						Message: alert.Message,
						Level:   alert.Level,
					},
				})
			}
		}
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

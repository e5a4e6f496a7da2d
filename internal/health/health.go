// Package health implements the background provider health monitor
// (spec §4.7): a periodic ping per enabled provider, a rolling window of
// recent outcomes, and an ok/degraded/down state machine with a probation
// period on recovery.
package health

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/circuitbreaker"
)

// Emitter publishes domain events.
type Emitter interface {
	Publish(gateway.Event)
}

// Config bounds the monitor's pinging and thresholds.
type Config struct {
	Interval          time.Duration // default 30s, ping cadence per provider
	Window            int           // default 60, seconds of rolling history
	SuccessThreshold  float64       // default 0.7, below this the provider is degraded
	DownAfterFailures int           // default 3, consecutive failures before down
	LatencyBudget     time.Duration // default 0 (disabled), degrade if exceeded
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 60
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 0.7
	}
	if c.DownAfterFailures <= 0 {
		c.DownAfterFailures = 3
	}
	return c
}

// providerState tracks one provider's rolling window and state machine.
type providerState struct {
	window              circuitbreaker.SlidingWindow
	consecutiveFailures int
	health              gateway.Health
	inProbation         bool
	lastPingAt          time.Time
	lastLatencyMS       int64
}

// Monitor periodically pings every registered backend and maintains each
// provider's ProviderRuntimeState. It implements worker.Worker so it runs
// under the same Runner as the rest of the background tasks.
type Monitor struct {
	cfg      Config
	backends *backend.Registry
	names    []string
	emitter  Emitter

	states map[string]*providerState
}

// New returns a Monitor pinging the named providers through backends.
func New(cfg Config, backends *backend.Registry, names []string, emitter Emitter) *Monitor {
	cfg = cfg.withDefaults()
	states := make(map[string]*providerState, len(names))
	for _, name := range names {
		states[name] = &providerState{
			window: circuitbreaker.NewSlidingWindow(cfg.Window),
			health: gateway.HealthUnknown,
		}
	}
	return &Monitor{cfg: cfg, backends: backends, names: names, emitter: emitter, states: states}
}

// Name identifies this worker for the runner's log lines.
func (m *Monitor) Name() string { return "health-monitor" }

// Run pings every provider once per Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.pingAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pingAll(ctx)
		}
	}
}

func (m *Monitor) pingAll(ctx context.Context) {
	for _, name := range m.names {
		b := m.backends.Get(name)
		if b == nil {
			continue
		}
		m.ping(ctx, name, b)
	}
}

func (m *Monitor) ping(ctx context.Context, name string, b backend.Backend) {
	st := m.states[name]
	if st == nil {
		return
	}

	result, err := b.HealthCheck(ctx)
	now := time.Now()
	st.lastPingAt = now
	st.lastLatencyMS = result.Latency

	ok := err == nil && result.Status == gateway.HealthOK
	weight := 0.0
	if !ok {
		weight = 1.0
		st.consecutiveFailures++
	} else {
		st.consecutiveFailures = 0
	}
	st.window.Record(weight, now)

	errRate, samples := st.window.ErrorRate(now)
	successRatio := 1 - errRate

	prev := st.health
	next := m.nextHealth(st, successRatio, samples)

	if latencyExceeded(st, m.cfg) && next == gateway.HealthOK {
		next = gateway.HealthDegraded
	}

	if next != prev {
		st.health = next
		st.inProbation = next == gateway.HealthDegraded && prev == gateway.HealthDown
		m.emit(name, st, successRatio, prev, next)
	} else if next == gateway.HealthOK {
		st.inProbation = false
	}
}

// nextHealth applies the ok/degraded/down transition rules (§4.7).
func (m *Monitor) nextHealth(st *providerState, successRatio float64, samples int) gateway.Health {
	if st.consecutiveFailures >= m.cfg.DownAfterFailures {
		return gateway.HealthDown
	}
	if samples == 0 {
		return st.health
	}
	if st.consecutiveFailures == 0 && (st.health == gateway.HealthDown || st.health == gateway.HealthDegraded) {
		// One successful sample after a bad run moves to degraded/probation,
		// not straight back to ok (§4.7: "back to ok after one successful
		// sample plus a probation window during which it is degraded").
		if st.inProbation {
			if successRatio >= m.cfg.SuccessThreshold {
				return gateway.HealthOK
			}
			return gateway.HealthDegraded
		}
		return gateway.HealthDegraded
	}
	if successRatio < m.cfg.SuccessThreshold {
		return gateway.HealthDegraded
	}
	return gateway.HealthOK
}

func latencyExceeded(st *providerState, cfg Config) bool {
	if cfg.LatencyBudget <= 0 {
		return false
	}
	return time.Duration(st.lastLatencyMS)*time.Millisecond > cfg.LatencyBudget
}

func (m *Monitor) emit(name string, st *providerState, successRatio float64, prev, next gateway.Health) {
	slog.Info("provider health changed", "provider", name, "from", prev, "to", next, "success_ratio", successRatio)
	if m.emitter == nil {
		return
	}
	m.emitter.Publish(gateway.Event{
		Type:      gateway.EventProviderHealth,
		Timestamp: time.Now(),
		Payload: gateway.ProviderRuntimeState{
			Name:                name,
			Health:              next,
			SuccessRatio:        successRatio,
			LastPingAt:          st.lastPingAt,
			ConsecutiveFailures: st.consecutiveFailures,
			InProbation:         st.inProbation,
		},
	})
}

// Snapshot returns the current ProviderRuntimeState for name, or the zero
// value with HealthUnknown if name isn't monitored.
func (m *Monitor) Snapshot(name string) gateway.ProviderRuntimeState {
	st := m.states[name]
	if st == nil {
		return gateway.ProviderRuntimeState{Name: name, Health: gateway.HealthUnknown}
	}
	errRate, _ := st.window.ErrorRate(time.Now())
	return gateway.ProviderRuntimeState{
		Name:                name,
		Health:              st.health,
		SuccessRatio:        1 - errRate,
		LastPingAt:          st.lastPingAt,
		ConsecutiveFailures: st.consecutiveFailures,
		InProbation:         st.inProbation,
	}
}

package observability

import (
	"sync"
	"time"
)

type CommandSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec     int64                      `json:"uptime_sec"`
	TotalCommands int64                      `json:"total_commands"`
	TotalErrors   int64                      `json:"total_errors"`
	InFlight      int64                      `json:"in_flight"`
	LockWaits     int64                      `json:"lock_waits"`
	LockWaitMs    int64                      `json:"lock_wait_ms"`
	Lifecycle     *LifecycleSnapshot         `json:"lifecycle,omitempty"`
	Commands      map[string]CommandSnapshot `json:"commands"`
}

type commandStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics is a process-local registry of command latencies and lock
// contention. Lock waits come from the locker's wait observer, so the
// snapshot shows how much time handlers spend queued on saga locks.
type Metrics struct {
	mu        sync.Mutex
	start     time.Time
	commands  map[string]*commandStats
	lockWaits int64
	lockWait  time.Duration
	lifecycle lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	command string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		commands: make(map[string]*commandStats),
	}
}

func (m *Metrics) Start(command string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureCommand(command)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		command: command,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.command, dur, err != nil)
}

// AddLockWait records one delay spent waiting between lock acquisition
// attempts. Plugs into lock.NewLocker's wait observer.
func (m *Metrics) AddLockWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.lockWaits++
	m.lockWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:  int64(now.Sub(m.start).Seconds()),
		Commands:   make(map[string]CommandSnapshot),
		LockWaits:  m.lockWaits,
		LockWaitMs: int64(m.lockWait / time.Millisecond),
	}

	for command, stats := range m.commands {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Commands[command] = CommandSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCommands += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureCommand(command string) *commandStats {
	stats, ok := m.commands[command]
	if !ok {
		stats = &commandStats{}
		m.commands[command] = stats
	}
	return stats
}

func (m *Metrics) finish(command string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureCommand(command)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

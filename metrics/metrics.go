package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome classifies a single rate limit check
type Outcome string

const (
	OutcomeGranted  Outcome = "granted"   // Tokens were consumed
	OutcomeDenied   Outcome = "denied"    // Not enough tokens
	OutcomeFailOpen Outcome = "fail_open" // Backend unreachable, check allowed anyway
	OutcomeError    Outcome = "error"     // Backend unreachable, error returned
)

// topCallers bounds the per-caller list in a snapshot
const topCallers = 10

// Metrics tracks rate limiting statistics
type Metrics struct {
	totalChecks atomic.Int64
	granted     atomic.Int64
	denied      atomic.Int64
	failOpen    atomic.Int64
	errors      atomic.Int64

	mu           sync.RWMutex
	serviceStats map[string]*Stats
	callerStats  map[string]*Stats
	startTime    time.Time
}

// Stats tracks outcomes for one service or one (service, caller) pair
type Stats struct {
	Name         string    `json:"name"`
	TotalChecks  int64     `json:"total_checks"`
	Granted      int64     `json:"granted"`
	Denied       int64     `json:"denied"`
	FailOpen     int64     `json:"fail_open"`
	Errors       int64     `json:"errors"`
	FirstCheckAt time.Time `json:"first_check_at"`
	LastCheckAt  time.Time `json:"last_check_at"`
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		serviceStats: make(map[string]*Stats),
		callerStats:  make(map[string]*Stats),
		startTime:    time.Now(),
	}
}

// RecordCheck records the outcome of one check
func (m *Metrics) RecordCheck(service, callerID string, outcome Outcome) {
	m.totalChecks.Add(1)
	switch outcome {
	case OutcomeGranted:
		m.granted.Add(1)
	case OutcomeDenied:
		m.denied.Add(1)
	case OutcomeFailOpen:
		m.failOpen.Add(1)
	case OutcomeError:
		m.errors.Add(1)
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	statsFor(m.serviceStats, service, now).add(outcome, now)
	statsFor(m.callerStats, service+"/"+callerID, now).add(outcome, now)
}

func statsFor(index map[string]*Stats, name string, now time.Time) *Stats {
	stats, exists := index[name]
	if !exists {
		stats = &Stats{Name: name, FirstCheckAt: now}
		index[name] = stats
	}
	return stats
}

func (s *Stats) add(outcome Outcome, now time.Time) {
	s.TotalChecks++
	switch outcome {
	case OutcomeGranted:
		s.Granted++
	case OutcomeDenied:
		s.Denied++
	case OutcomeFailOpen:
		s.FailOpen++
	case OutcomeError:
		s.Errors++
	}
	s.LastCheckAt = now
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := copyStats(m.serviceStats)
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	callers := copyStats(m.callerStats)
	sort.Slice(callers, func(i, j int) bool { return callers[i].TotalChecks > callers[j].TotalChecks })
	if len(callers) > topCallers {
		callers = callers[:topCallers]
	}

	return &Snapshot{
		TotalChecks:   m.totalChecks.Load(),
		Granted:       m.granted.Load(),
		Denied:        m.denied.Load(),
		FailOpen:      m.failOpen.Load(),
		Errors:        m.errors.Load(),
		UniqueCallers: int64(len(m.callerStats)),
		Services:      services,
		TopCallers:    callers,
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		StartTime:     m.startTime,
	}
}

func copyStats(index map[string]*Stats) []*Stats {
	out := make([]*Stats, 0, len(index))
	for _, stats := range index {
		cp := *stats
		out = append(out, &cp)
	}
	return out
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalChecks   int64     `json:"total_checks"`
	Granted       int64     `json:"granted"`
	Denied        int64     `json:"denied"`
	FailOpen      int64     `json:"fail_open"`
	Errors        int64     `json:"errors"`
	UniqueCallers int64     `json:"unique_callers"`
	Services      []*Stats  `json:"services"`
	TopCallers    []*Stats  `json:"top_callers"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
}

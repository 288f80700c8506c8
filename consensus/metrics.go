package consensus

import (
	"sync"
	"time"
)

// StrategyMetrics counts one strategy's attempts.
type StrategyMetrics struct {
	Used        int64   `json:"used"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Metrics is a snapshot of the engine's running counters.
type Metrics struct {
	TotalProcessed      int64                      `json:"total_processed"`
	Successful          int64                      `json:"successful"`
	ConflictsDetected   int64                      `json:"conflicts_detected"`
	ConflictsResolved   int64                      `json:"conflicts_resolved"`
	FallbackResolutions int64                      `json:"fallback_resolutions"`
	TimedOut            int64                      `json:"timed_out"`
	AverageLatency      time.Duration              `json:"average_latency"`
	SuccessRate         float64                    `json:"success_rate"`
	Strategies          map[string]StrategyMetrics `json:"strategies"`
}

type strategyCounters struct {
	used, succeeded, failed int64
	latency                 time.Duration
}

// engineStats is guarded by its own mutex; the worker writes while Status
// and Metrics read from other goroutines.
type engineStats struct {
	mu                sync.Mutex
	processed         int64
	successful        int64
	conflictsDetected int64
	conflictsResolved int64
	fallback          int64
	timedOut          int64
	totalLatency      time.Duration
	strategies        map[StrategyKind]*strategyCounters
}

func (s *engineStats) recordProcessing(r *ProcessedSelections) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if r.State == StateDone || r.State == StateResolved {
		s.successful++
	}
	s.conflictsDetected += int64(r.ConflictsDetected)
	s.conflictsResolved += int64(r.ConflictsResolved)
	s.totalLatency += r.ProcessingTime
}

func (s *engineStats) recordTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.timedOut++
}

func (s *engineStats) recordFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback++
}

func (s *engineStats) recordStrategy(kind StrategyKind, ok bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.strategies[kind]
	if c == nil {
		c = &strategyCounters{}
		s.strategies[kind] = c
	}
	c.used++
	if ok {
		c.succeeded++
	} else {
		c.failed++
	}
	c.latency += d
}

func (s *engineStats) snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		TotalProcessed:      s.processed,
		Successful:          s.successful,
		ConflictsDetected:   s.conflictsDetected,
		ConflictsResolved:   s.conflictsResolved,
		FallbackResolutions: s.fallback,
		TimedOut:            s.timedOut,
		Strategies:          make(map[string]StrategyMetrics, len(s.strategies)),
	}
	if completed := s.processed - s.timedOut; completed > 0 {
		m.AverageLatency = s.totalLatency / time.Duration(completed)
	}
	if s.processed > 0 {
		m.SuccessRate = float64(s.successful) / float64(s.processed)
	}
	for kind, c := range s.strategies {
		sm := StrategyMetrics{Used: c.used, Succeeded: c.succeeded, Failed: c.failed}
		if c.used > 0 {
			sm.SuccessRate = float64(c.succeeded) / float64(c.used)
		}
		m.Strategies[kind.String()] = sm
	}
	return m
}

package selection

import (
	"time"
)

// Record is one entry of the selection history.
type Record struct {
	RequirementID string        `json:"requirement_id"`
	NodeIDs       []string      `json:"node_ids"`
	MeanScore     float64       `json:"mean_score"`
	Elapsed       time.Duration `json:"elapsed"`
	Feasible      bool          `json:"feasible"`
	At            time.Time     `json:"at"`
}

// Stats summarises every selection made since the selector was created.
type Stats struct {
	TotalSelections int64         `json:"total_selections"`
	Infeasible      int64         `json:"infeasible"`
	AvgNodes        float64       `json:"avg_nodes"`
	AvgScore        float64       `json:"avg_score"`
	AvgLatency      time.Duration `json:"avg_latency"`
	// NodeUsage counts how often each node id appears in the retained history.
	NodeUsage map[string]int `json:"node_usage"`
}

type runningStats struct {
	total      int64
	infeasible int64
	nodes      int64
	scoreSum   float64
	latency    time.Duration
}

func (s *Selector) record(rec Record) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.stats.total++
	if !rec.Feasible {
		s.stats.infeasible++
	} else {
		s.stats.nodes += int64(len(rec.NodeIDs))
		s.stats.scoreSum += rec.MeanScore
	}
	s.stats.latency += rec.Elapsed

	size := s.config.HistorySize
	if size <= 0 {
		return
	}
	if len(s.history) < size {
		s.history = append(s.history, rec)
		return
	}
	s.history[s.next] = rec
	s.next = (s.next + 1) % size
}

// History returns the retained selection records, oldest first.
func (s *Selector) History() []Record {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	out := make([]Record, 0, len(s.history))
	out = append(out, s.history[s.next:]...)
	out = append(out, s.history[:s.next]...)
	return out
}

// Stats returns aggregate selection statistics.
func (s *Selector) Stats() Stats {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	st := Stats{
		TotalSelections: s.stats.total,
		Infeasible:      s.stats.infeasible,
		NodeUsage:       make(map[string]int),
	}
	if s.stats.total > 0 {
		st.AvgLatency = s.stats.latency / time.Duration(s.stats.total)
	}
	if feasible := s.stats.total - s.stats.infeasible; feasible > 0 {
		st.AvgNodes = float64(s.stats.nodes) / float64(feasible)
		st.AvgScore = s.stats.scoreSum / float64(feasible)
	}
	for _, rec := range s.history {
		for _, id := range rec.NodeIDs {
			st.NodeUsage[id]++
		}
	}
	return st
}

package directory

import (
	"time"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/learning"
)

// nodeRecord is a row of the nodes table.
type nodeRecord struct {
	NodeID       string            `gorm:"column:node_id;primaryKey;size:255"`
	NodeType     string            `gorm:"size:64;not null;default:''"`
	Location     string            `gorm:"size:255;not null;default:''"`
	Labels       map[string]string `gorm:"serializer:json;type:text"`
	TrustScore   float64           `gorm:"not null;default:0"`
	LoadFactor   float64           `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Capabilities []capabilityRecord `gorm:"foreignKey:NodeID;references:NodeID;constraint:OnDelete:CASCADE"`
}

func (nodeRecord) TableName() string { return "nodes" }

// capabilityRecord is a row of the node_capabilities table.
type capabilityRecord struct {
	NodeID          string        `gorm:"column:node_id;primaryKey;size:255"`
	Name            string        `gorm:"primaryKey;size:255;index:idx_node_capabilities_name"`
	Level           float64       `gorm:"not null;default:0"`
	Verified        bool          `gorm:"not null;default:false"`
	LastUpdated     time.Time     `gorm:"column:last_updated"`
	HasPerformance  bool          `gorm:"not null;default:false"`
	AvgResponseTime time.Duration `gorm:"column:avg_response_time_ns;not null;default:0"`
	SuccessRate     float64       `gorm:"not null;default:0"`
	Reliability     float64       `gorm:"not null;default:0"`
}

func (capabilityRecord) TableName() string { return "node_capabilities" }

func fromNode(n *capability.NodeCapabilities) (nodeRecord, []capabilityRecord) {
	rec := nodeRecord{
		NodeID:     n.NodeID,
		NodeType:   n.Metadata.NodeType,
		Location:   n.Metadata.Location,
		Labels:     n.Metadata.Labels,
		TrustScore: n.Metadata.TrustScore,
		LoadFactor: n.Metadata.LoadFactor,
	}

	caps := make([]capabilityRecord, 0, len(n.Capabilities))
	for name, c := range n.Capabilities {
		cr := capabilityRecord{
			NodeID:      n.NodeID,
			Name:        name,
			Level:       c.Level,
			Verified:    c.Verified,
			LastUpdated: c.LastUpdated.UTC(),
		}
		if c.Performance != nil {
			cr.HasPerformance = true
			cr.AvgResponseTime = c.Performance.AvgResponseTime
			cr.SuccessRate = c.Performance.SuccessRate
			cr.Reliability = c.Performance.Reliability
		}
		caps = append(caps, cr)
	}
	return rec, caps
}

func (r *nodeRecord) toNode() *capability.NodeCapabilities {
	n := &capability.NodeCapabilities{
		NodeID:       r.NodeID,
		Capabilities: make(map[string]capability.NodeCapability, len(r.Capabilities)),
		Metadata: capability.NodeMetadata{
			NodeType:   r.NodeType,
			Location:   r.Location,
			TrustScore: r.TrustScore,
			LoadFactor: r.LoadFactor,
		},
	}
	if len(r.Labels) > 0 {
		n.Metadata.Labels = r.Labels
	}
	for _, c := range r.Capabilities {
		nc := capability.NodeCapability{
			Level:       c.Level,
			Verified:    c.Verified,
			LastUpdated: c.LastUpdated,
		}
		if c.HasPerformance {
			nc.Performance = &capability.HistoricalPerformance{
				AvgResponseTime: c.AvgResponseTime,
				SuccessRate:     c.SuccessRate,
				Reliability:     c.Reliability,
			}
		}
		n.Capabilities[c.Name] = nc
	}
	return n
}

// outcomeRecord is a row of the performance_outcomes table.
type outcomeRecord struct {
	ID                  string        `gorm:"primaryKey;size:64"`
	SelectionID         string        `gorm:"size:255;not null;default:''"`
	NodeID              string        `gorm:"column:node_id;size:255;not null;index:idx_performance_outcomes_node"`
	Capabilities        []string      `gorm:"serializer:json;type:text"`
	ExpectedResponse    time.Duration `gorm:"column:expected_response_time_ns;not null;default:0"`
	ExpectedReliability float64       `gorm:"not null;default:0"`
	ExpectedSuccessRate float64       `gorm:"not null;default:0"`
	ActualResponse      time.Duration `gorm:"column:actual_response_time_ns;not null;default:0"`
	ActualReliability   float64       `gorm:"not null;default:0"`
	ActualSuccessRate   float64       `gorm:"not null;default:0"`
	RequirementType     string        `gorm:"size:32;not null;default:''"`
	Urgency             string        `gorm:"size:32;not null;default:''"`
	SystemLoad          float64       `gorm:"not null;default:0"`
	RecordedAt          time.Time     `gorm:"not null;index:idx_performance_outcomes_recorded"`
}

func (outcomeRecord) TableName() string { return "performance_outcomes" }

func fromOutcome(o *learning.PerformanceOutcome) outcomeRecord {
	return outcomeRecord{
		ID:                  o.ID,
		SelectionID:         o.SelectionID,
		NodeID:              o.NodeID,
		Capabilities:        o.Capabilities,
		ExpectedResponse:    o.Expected.ResponseTime,
		ExpectedReliability: o.Expected.Reliability,
		ExpectedSuccessRate: o.Expected.SuccessRate,
		ActualResponse:      o.Actual.ResponseTime,
		ActualReliability:   o.Actual.Reliability,
		ActualSuccessRate:   o.Actual.SuccessRate,
		RequirementType:     string(o.Context.RequirementType),
		Urgency:             string(o.Context.Urgency),
		SystemLoad:          o.Context.SystemLoad,
		RecordedAt:          o.RecordedAt.UTC(),
	}
}

func (r *outcomeRecord) toOutcome() *learning.PerformanceOutcome {
	return &learning.PerformanceOutcome{
		ID:           r.ID,
		SelectionID:  r.SelectionID,
		NodeID:       r.NodeID,
		Capabilities: r.Capabilities,
		Expected: learning.PerformanceMetrics{
			ResponseTime: r.ExpectedResponse,
			Reliability:  r.ExpectedReliability,
			SuccessRate:  r.ExpectedSuccessRate,
		},
		Actual: learning.PerformanceMetrics{
			ResponseTime: r.ActualResponse,
			Reliability:  r.ActualReliability,
			SuccessRate:  r.ActualSuccessRate,
		},
		Context: learning.OutcomeContext{
			RequirementType: capability.RequirementType(r.RequirementType),
			Urgency:         capability.Urgency(r.Urgency),
			SystemLoad:      r.SystemLoad,
		},
		RecordedAt: r.RecordedAt,
	}
}

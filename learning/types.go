package learning

import (
	"math"
	"time"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/types"
)

// PerformanceMetrics is one set of observed or expected measurements.
type PerformanceMetrics struct {
	ResponseTime time.Duration `json:"response_time"`
	Reliability  float64       `json:"reliability"`
	SuccessRate  float64       `json:"success_rate"`
}

func (m PerformanceMetrics) validate(field string) error {
	if m.ResponseTime < 0 {
		return types.Malformed("%s response time is negative", field)
	}
	if !unit(m.Reliability) || !unit(m.SuccessRate) {
		return types.Malformed("%s rates must be within [0,1]", field)
	}
	return nil
}

// OutcomeContext is the context a selection was made under.
type OutcomeContext struct {
	RequirementType capability.RequirementType `json:"requirement_type,omitempty"`
	Urgency         capability.Urgency         `json:"urgency,omitempty"`
	// SystemLoad is the system load (0-100) when the selection was made.
	SystemLoad float64 `json:"system_load"`
}

// PerformanceOutcome is the feedback for one node of one selection.
// It is never modified once recorded.
type PerformanceOutcome struct {
	ID           string             `json:"id"`
	SelectionID  string             `json:"selection_id"`
	NodeID       string             `json:"node_id"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Expected     PerformanceMetrics `json:"expected"`
	Actual       PerformanceMetrics `json:"actual"`
	Context      OutcomeContext     `json:"context"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// Validate checks an outcome before it is recorded.
func (o *PerformanceOutcome) Validate() error {
	if o == nil {
		return types.Malformed("outcome is nil")
	}
	if o.NodeID == "" {
		return types.Malformed("outcome %s: node id is empty", o.ID)
	}
	if err := o.Expected.validate("expected"); err != nil {
		return err
	}
	if err := o.Actual.validate("actual"); err != nil {
		return err
	}
	if o.Context.SystemLoad < 0 || o.Context.SystemLoad > 100 || math.IsNaN(o.Context.SystemLoad) {
		return types.Malformed("outcome %s: system load must be within [0,100]", o.ID)
	}
	for _, c := range o.Capabilities {
		if c == "" {
			return types.Malformed("outcome %s: empty capability name", o.ID)
		}
	}
	return nil
}

func (o *PerformanceOutcome) clone() *PerformanceOutcome {
	out := *o
	out.Capabilities = append([]string(nil), o.Capabilities...)
	return &out
}

// PredictionContext describes the situation a prediction is made for.
type PredictionContext struct {
	RequirementType capability.RequirementType `json:"requirement_type,omitempty"`
	Urgency         capability.Urgency         `json:"urgency,omitempty"`
	SystemLoad      float64                    `json:"system_load"`
}

// PerformancePrediction is a best-effort estimate of a node's performance.
type PerformancePrediction struct {
	NodeID       string             `json:"node_id"`
	ResponseTime time.Duration      `json:"response_time"`
	Reliability  float64            `json:"reliability"`
	SuccessRate  float64            `json:"success_rate"`
	Confidence   float64            `json:"confidence"`
	Samples      int                `json:"samples"`
	Neutral      bool               `json:"neutral"`
	Factors      map[string]float64 `json:"factors"`
}

// WeightDelta is the proposed change to one capability weight.
type WeightDelta struct {
	Capability string  `json:"capability"`
	Delta      float64 `json:"delta"`
	MeanError  float64 `json:"mean_error"`
	Samples    int     `json:"samples"`
}

// WeightProposal is the output of a weight-adjustment pass. It is advisory:
// the caller decides whether to apply it to future requirements.
type WeightProposal struct {
	ID        string        `json:"id"`
	Deltas    []WeightDelta `json:"deltas"`
	Outcomes  int           `json:"outcomes"`
	CreatedAt time.Time     `json:"created_at"`
}

// Delta returns the proposed delta for a capability, or zero.
func (p *WeightProposal) Delta(capabilityName string) float64 {
	if p == nil {
		return 0
	}
	for _, d := range p.Deltas {
		if d.Capability == capabilityName {
			return d.Delta
		}
	}
	return 0
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

package model

import "time"

// Bottleneck root-cause categories. Assigned heuristically by the analytics
// aggregator; best-guess, not authoritative.
const (
	RootCauseApproverLatency = "approver_latency"
	RootCauseEscalationChurn = "escalation_churn"
	RootCauseHighVolume      = "high_volume"
	RootCauseDataRework      = "data_rework"
)

// MetricsWindow bounds an analytics computation.
type MetricsWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DefinitionMetrics summarizes execution history for one definition over a
// time window. Derived and recomputed periodically; safe to discard and
// rebuild from the history log.
type DefinitionMetrics struct {
	DefinitionID  string             `json:"definition_id"`
	Window        MetricsWindow      `json:"window"`
	Volume        VolumeMetrics      `json:"volume"`
	CycleTime     CycleTimeMetrics   `json:"cycle_time"`
	Rates         RateMetrics        `json:"rates"`
	SLACompliance float64            `json:"sla_compliance"`
	Bottlenecks   []BottleneckRecord `json:"bottlenecks,omitempty"`
	ComputedAt    time.Time          `json:"computed_at"`
}

// VolumeMetrics counts instances by outcome within the window.
type VolumeMetrics struct {
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Escalated int `json:"escalated"`
}

// CycleTimeMetrics describes the processing-time distribution of instances
// completed within the window.
type CycleTimeMetrics struct {
	Avg    time.Duration `json:"avg_ns"`
	Median time.Duration `json:"median_ns"`
	P95    time.Duration `json:"p95_ns"`
}

// RateMetrics are outcome ratios over decided instances in the window.
type RateMetrics struct {
	Approval   float64 `json:"approval"`
	Rejection  float64 `json:"rejection"`
	Escalation float64 `json:"escalation"`
}

// BottleneckRecord ranks one state by how long instances wait in it.
type BottleneckRecord struct {
	State         string        `json:"state"`
	AvgWait       time.Duration `json:"avg_wait_ns"`
	MaxWait       time.Duration `json:"max_wait_ns"`
	InstanceCount int           `json:"instance_count"`
	RootCause     string        `json:"root_cause"`
}

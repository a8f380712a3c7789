package model

import "time"

// HealthStatus classifies one resource sample.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarn     HealthStatus = "warn"
	HealthCritical HealthStatus = "critical"
)

// HealthSample is one point-in-time resource reading. Append-only,
// retained within a rolling window.
type HealthSample struct {
	Timestamp time.Time    `json:"timestamp"`
	CPUPct    float64      `json:"cpu_pct"`
	MemPct    float64      `json:"mem_pct"`
	DiskPct   float64      `json:"disk_pct"`
	Status    HealthStatus `json:"status"`
}

// HealthEvent is a component-level audit entry (job started, job failed,
// escalation raised). Append-only.
type HealthEvent struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

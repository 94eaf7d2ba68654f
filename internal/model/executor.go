package model

import "time"

// HostStats is a snapshot of the host running the orchestrator
type HostStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	InFlight    int       `json:"in_flight"`
	CollectedAt time.Time `json:"collected_at"`
}

package hitl

import (
	"log/slog"
	"sync"
	"time"
)

// Breach records one SLA violation with its overage.
type Breach struct {
	RequestID      string        `json:"request_id"`
	Priority       Priority      `json:"priority"`
	ResponseTime   time.Duration `json:"response_time"`
	Timeout        time.Duration `json:"timeout"`
	OverageMinutes float64       `json:"overage_minutes"`
	OveragePercent float64       `json:"overage_percent"`
	Timestamp      time.Time     `json:"timestamp"`
}

// SLAStats aggregates completion metrics.
type SLAStats struct {
	Total             int              `json:"total"`
	WithinSLA         int              `json:"within_sla"`
	ComplianceRate    float64          `json:"compliance_rate"`
	BreachesByPriority map[Priority]int `json:"breaches_by_priority"`
	Warnings          int              `json:"warnings"`
}

// SLATracker records response times against priority timeouts and
// emits warnings when elapsed time crosses the warning threshold.
type SLATracker struct {
	mu sync.Mutex

	config         TimerConfig
	warningPercent float64

	total     int
	withinSLA int
	warnings  int
	breaches  map[Priority][]Breach

	logger *slog.Logger
}

// NewSLATracker uses the timer config's priority timeouts as SLA bounds.
// warningPercent defaults to 0.75.
func NewSLATracker(config TimerConfig, warningPercent float64) *SLATracker {
	config.fill()
	if warningPercent <= 0 || warningPercent >= 1 {
		warningPercent = 0.75
	}
	return &SLATracker{
		config:         config,
		warningPercent: warningPercent,
		breaches:       make(map[Priority][]Breach),
		logger:         slog.Default().With("component", "hitl_sla"),
	}
}

// RecordCompletion registers a terminal transition's response time.
// Returns the breach record when the SLA was exceeded.
func (s *SLATracker) RecordCompletion(requestID string, priority Priority, responseTime time.Duration) *Breach {
	timeout := s.config.TimeoutFor(priority)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++

	if responseTime <= timeout {
		s.withinSLA++
		if float64(responseTime) >= float64(timeout)*s.warningPercent {
			s.warnings++
			s.logger.Warn("approval approached SLA bound",
				"request_id", requestID, "priority", priority,
				"response_time", responseTime, "timeout", timeout)
		}
		return nil
	}

	overage := responseTime - timeout
	breach := Breach{
		RequestID:      requestID,
		Priority:       priority,
		ResponseTime:   responseTime,
		Timeout:        timeout,
		OverageMinutes: overage.Minutes(),
		OveragePercent: float64(overage) / float64(timeout) * 100,
		Timestamp:      time.Now().UTC(),
	}
	s.breaches[priority] = append(s.breaches[priority], breach)
	s.logger.Warn("SLA breached",
		"request_id", requestID, "priority", priority,
		"overage_minutes", breach.OverageMinutes, "overage_percent", breach.OveragePercent)
	return &breach
}

// Stats reports the aggregate SLA picture.
func (s *SLATracker) Stats() SLAStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := SLAStats{
		Total:              s.total,
		WithinSLA:          s.withinSLA,
		Warnings:           s.warnings,
		BreachesByPriority: make(map[Priority]int, len(s.breaches)),
	}
	for p, list := range s.breaches {
		stats.BreachesByPriority[p] = len(list)
	}
	if s.total > 0 {
		stats.ComplianceRate = float64(s.withinSLA) / float64(s.total)
	}
	return stats
}

// Breaches returns recorded breaches for a priority.
func (s *SLATracker) Breaches(priority Priority) []Breach {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Breach(nil), s.breaches[priority]...)
}

// Package service contains the application services that orchestrate
// the domain: agent lifecycle, task dispatch, and runtime statistics.
package service

import (
	"sync"
	"sync/atomic"
)

// StatsService tracks runtime counters with lock-free atomics; the
// per-format map is mutex-protected.
type StatsService struct {
	allowed          atomic.Int64
	blocked          atomic.Int64
	approvalRequired atomic.Int64
	rateLimited      atomic.Int64
	chatRequests     atomic.Int64
	tasksDispatched  atomic.Int64
	errors           atomic.Int64
	connections      atomic.Int64

	mu           sync.Mutex
	formatCounts map[string]int64
}

// NewStatsService creates a StatsService with all counters at zero.
func NewStatsService() *StatsService {
	return &StatsService{formatCounts: make(map[string]int64)}
}

// RecordDecision counts one policy decision by its outcome.
func (s *StatsService) RecordDecision(decision string) {
	switch decision {
	case "allow":
		s.allowed.Add(1)
	case "block":
		s.blocked.Add(1)
	case "approval_required":
		s.approvalRequired.Add(1)
	}
}

// RecordRateLimited counts one rate-limit rejection or wait.
func (s *StatsService) RecordRateLimited() { s.rateLimited.Add(1) }

// RecordChat counts one chat request.
func (s *StatsService) RecordChat() { s.chatRequests.Add(1) }

// RecordTask counts one dispatched agent task.
func (s *StatsService) RecordTask() { s.tasksDispatched.Add(1) }

// RecordError counts one dispatcher-level error.
func (s *StatsService) RecordError() { s.errors.Add(1) }

// ConnectionOpened and ConnectionClosed track the live stream count.
func (s *StatsService) ConnectionOpened() { s.connections.Add(1) }

// ConnectionClosed decrements the live stream count.
func (s *StatsService) ConnectionClosed() { s.connections.Add(-1) }

// RecordFormat counts one inbound frame by wire format.
func (s *StatsService) RecordFormat(format string) {
	if format == "" {
		return
	}
	s.mu.Lock()
	s.formatCounts[format]++
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot of all counters.
type Stats struct {
	Allowed          int64            `json:"allowed"`
	Blocked          int64            `json:"blocked"`
	ApprovalRequired int64            `json:"approval_required"`
	RateLimited      int64            `json:"rate_limited"`
	ChatRequests     int64            `json:"chat_requests"`
	TasksDispatched  int64            `json:"tasks_dispatched"`
	Errors           int64            `json:"errors"`
	Connections      int64            `json:"connections"`
	FormatCounts     map[string]int64 `json:"format_counts"`
}

// GetStats snapshots the counters. Consistent per counter, not
// atomically across counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	fc := make(map[string]int64, len(s.formatCounts))
	for k, v := range s.formatCounts {
		fc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:          s.allowed.Load(),
		Blocked:          s.blocked.Load(),
		ApprovalRequired: s.approvalRequired.Load(),
		RateLimited:      s.rateLimited.Load(),
		ChatRequests:     s.chatRequests.Load(),
		TasksDispatched:  s.tasksDispatched.Load(),
		Errors:           s.errors.Load(),
		Connections:      s.connections.Load(),
		FormatCounts:     fc,
	}
}

// Reset zeroes every counter.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.blocked.Store(0)
	s.approvalRequired.Store(0)
	s.rateLimited.Store(0)
	s.chatRequests.Store(0)
	s.tasksDispatched.Store(0)
	s.errors.Store(0)

	s.mu.Lock()
	s.formatCounts = make(map[string]int64)
	s.mu.Unlock()
}

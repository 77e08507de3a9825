// Package notify defines the notification sink the core emits through.
//
// The web layer subscribes to the event bus and forwards each event to
// the clients of the tenant named in it — never to anyone else.
package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/eventbus"
)

// Sink receives the structured events the core emits. Implementations
// must be non-blocking; callers invoke them from session and dispatch
// paths.
type Sink interface {
	StatusChanged(tenantID string, connected bool)
	PairingChallenge(tenantID string, data string)
	LogLine(tenantID, level, message string)
	DispatchProgress(tenantID string, sent, total int)
}

// Event payloads, JSON-shaped for the web layer.

type StatusChangedEvent struct {
	Connected bool `json:"connected"`
}

type PairingChallengeEvent struct {
	Data string `json:"data"`
}

type LogLineEvent struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type DispatchProgressEvent struct {
	Sent  int `json:"sent"`
	Total int `json:"total"`
}

// DispatchFinishedEvent is published on the bus when a run completes.
// Not part of the Sink interface; operator alerts consume it.
type DispatchFinishedEvent struct {
	JobID        string `json:"job_id"`
	SuccessCount int    `json:"success_count"`
	ErrorCount   int    `json:"error_count"`
}

// RetriesExhaustedEvent is published when a session gives up reconnecting.
type RetriesExhaustedEvent struct {
	Attempts int `json:"attempts"`
}

type Config struct {
	// LogLinesPerSec bounds per-tenant log-line events so a noisy dispatch
	// run cannot flood the push channel. 0 uses the default (5/s).
	LogLinesPerSec int
}

// BusSink publishes sink events on the in-process event bus.
type BusSink struct {
	bus eventbus.Bus
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewBusSink(cfg Config, bus eventbus.Bus) *BusSink {
	if cfg.LogLinesPerSec <= 0 {
		cfg.LogLinesPerSec = 5
	}
	return &BusSink{bus: bus, cfg: cfg, limiters: map[string]*rate.Limiter{}}
}

func (s *BusSink) StatusChanged(tenantID string, connected bool) {
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeStatusChanged,
		TenantID: tenantID,
		Data:     StatusChangedEvent{Connected: connected},
	})
}

func (s *BusSink) PairingChallenge(tenantID string, data string) {
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.TypePairingChallenge,
		TenantID: tenantID,
		Data:     PairingChallengeEvent{Data: data},
	})
}

func (s *BusSink) LogLine(tenantID, level, message string) {
	if !s.limiter(tenantID).Allow() {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeLogLine,
		TenantID: tenantID,
		Data:     LogLineEvent{Level: level, Message: message, Timestamp: time.Now()},
	})
}

func (s *BusSink) DispatchProgress(tenantID string, sent, total int) {
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeDispatchProgress,
		TenantID: tenantID,
		Data:     DispatchProgressEvent{Sent: sent, Total: total},
	})
}

func (s *BusSink) limiter(tenantID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[tenantID]
	if !ok {
		rps := s.cfg.LogLinesPerSec
		lim = rate.NewLimiter(rate.Limit(rps), rps*2)
		s.limiters[tenantID] = lim
	}
	return lim
}

// Nop is a sink that discards everything. Zero value is usable.
type Nop struct{}

func (Nop) StatusChanged(string, bool)        {}
func (Nop) PairingChallenge(string, string)   {}
func (Nop) LogLine(string, string, string)    {}
func (Nop) DispatchProgress(string, int, int) {}

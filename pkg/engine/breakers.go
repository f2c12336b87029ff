package engine

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drover-sh/drover/pkg/droverr"
)

// Breaker categories. One breaker per category is shared by every
// session, so a systemic fault trips once instead of per session.
const (
	BreakerWorker     = "worker"
	BreakerSpawn      = "process_spawn"
	BreakerFilesystem = "filesystem"
)

type breakerSpec struct {
	failures uint32
	openFor  time.Duration
	halfOpen uint32
}

var breakerSpecs = map[string]breakerSpec{
	BreakerWorker:     {failures: 3, openFor: 30 * time.Second, halfOpen: 2},
	BreakerSpawn:      {failures: 5, openFor: 60 * time.Second, halfOpen: 1},
	BreakerFilesystem: {failures: 10, openFor: 10 * time.Second, halfOpen: 1},
}

// BreakerManager holds the per-category circuit breakers.
type BreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerManager() *BreakerManager {
	m := &BreakerManager{breakers: make(map[string]*gobreaker.CircuitBreaker, len(breakerSpecs))}
	for category := range breakerSpecs {
		m.breakers[category] = newBreaker(category)
	}
	return m
}

func newBreaker(category string) *gobreaker.CircuitBreaker {
	spec := breakerSpecs[category]
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        category,
		MaxRequests: spec.halfOpen,
		Timeout:     spec.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= spec.failures
		},
		// A stopped session is not a worker fault.
		IsSuccessful: func(err error) bool {
			return err == nil || droverr.IsCancelled(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Execute runs op through the category's breaker. An open circuit fails
// fast with a typed CircuitOpen error and op never runs.
func (m *BreakerManager) Execute(category string, op func() error) error {
	m.mu.Lock()
	cb, ok := m.breakers[category]
	m.mu.Unlock()
	if !ok {
		return op()
	}

	_, err := cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return droverr.Wrap(droverr.CodeCircuitOpen, err, "%s circuit open", category)
	}
	return err
}

// State returns the category's breaker state name, or "" for an unknown
// category.
func (m *BreakerManager) State(category string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[category]
	if !ok {
		return ""
	}
	return cb.State().String()
}

// Reset force-closes a category's breaker by replacing it with a fresh
// one. Returns false for an unknown category.
func (m *BreakerManager) Reset(category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakers[category]; !ok {
		return false
	}
	m.breakers[category] = newBreaker(category)
	slog.Info("Circuit breaker reset", "breaker", category)
	return true
}

// BreakerStatus is one breaker's externally visible state.
type BreakerStatus struct {
	Category            string `json:"category"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalFailures       uint32 `json:"total_failures"`
	TotalSuccesses      uint32 `json:"total_successes"`
}

// Snapshot reports every breaker, ordered by category.
func (m *BreakerManager) Snapshot() []BreakerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BreakerStatus, 0, len(m.breakers))
	for category, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, BreakerStatus{
			Category:            category,
			State:               cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalFailures:       counts.TotalFailures,
			TotalSuccesses:      counts.TotalSuccesses,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

package ratewatch

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultThreshold = 20
	// ExemptReporting is the method the client uses to report its own
	// errors; alerting on it would feed back into itself.
	ExemptReporting = "codestream/reporting/message"
)

// AlertFunc receives an overage. rounded is count bucketed by
// RoundDownExponentially against the threshold.
type AlertFunc func(identifier string, rounded, count int)

type GuardOptions struct {
	Name      string
	Window    time.Duration
	Keep      int
	Threshold int
	Exempt    []string
	Alert     AlertFunc
	Now       func() time.Time
}

// Guard counts outbound calls per identifier and raises an alert when one
// identifier is called more than Threshold times inside the window. It never
// blocks or rejects a call.
type Guard struct {
	counter   *HistoryCounter
	threshold atomic.Int64

	mu     sync.RWMutex
	exempt map[string]bool
	alert  AlertFunc
}

func NewGuard(opts GuardOptions) *Guard {
	name := opts.Name
	if strings.TrimSpace(name) == "" {
		name = "webview"
	}
	g := &Guard{
		counter: NewHistoryCounter(name, opts.Window, opts.Keep).WithClock(opts.Now),
		exempt:  map[string]bool{ExemptReporting: true},
		alert:   opts.Alert,
	}
	g.SetThreshold(opts.Threshold)
	for _, id := range opts.Exempt {
		if id = strings.TrimSpace(id); id != "" {
			g.exempt[id] = true
		}
	}
	return g
}

// Identifier builds the counting key for a call.
func Identifier(method, providerID string) string {
	if providerID == "" {
		return method
	}
	return method + ":" + providerID
}

func (g *Guard) SetThreshold(n int) {
	if n <= 0 {
		n = DefaultThreshold
	}
	g.threshold.Store(int64(n))
}

func (g *Guard) Threshold() int { return int(g.threshold.Load()) }

func (g *Guard) SetAlert(fn AlertFunc) {
	g.mu.Lock()
	g.alert = fn
	g.mu.Unlock()
}

func (g *Guard) Alert() AlertFunc {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.alert
}

func (g *Guard) Observe(identifier string) int {
	count := g.counter.CountAndGet(identifier)
	threshold := g.Threshold()
	if count <= threshold {
		return count
	}
	g.mu.RLock()
	exempt := g.exempt[identifier]
	alert := g.alert
	g.mu.RUnlock()
	if exempt || alert == nil {
		return count
	}
	alert(identifier, RoundDownExponentially(count, threshold), count)
	return count
}

func (g *Guard) Snapshot() []Count { return g.counter.Snapshot() }

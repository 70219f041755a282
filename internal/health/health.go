package health

import (
	"sort"
	"strings"
	"sync"
)

type Metric string

const (
	RequestSent     Metric = "request_sent"
	RequestFail     Metric = "request_fail"
	RequestTimeout  Metric = "request_timeout"
	ResponseOrphan  Metric = "response_orphan"
	Maintenance     Metric = "maintenance"
	Notification    Metric = "notification"
	ListenerFailure Metric = "listener_failure"
	RateAlert       Metric = "rate_alert"
	QueueOverflow   Metric = "queue_overflow"
	AgentRestart    Metric = "agent_restart"
)

type Snapshot struct {
	Scope   string           `json:"scope"`
	Metrics map[string]int64 `json:"metrics"`
}

// Recorder counts events per scope ("webview", "agent", ...). A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	mu    sync.RWMutex
	store map[string]map[Metric]int64
}

func NewRecorder() *Recorder {
	return &Recorder{store: map[string]map[Metric]int64{}}
}

func (r *Recorder) Record(scope string, metric Metric) {
	if r == nil {
		return
	}
	scope = strings.TrimSpace(strings.ToLower(scope))
	metric = Metric(strings.TrimSpace(strings.ToLower(string(metric))))
	if scope == "" || metric == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.store[scope]
	if !ok {
		row = map[Metric]int64{}
		r.store[scope] = row
	}
	row[metric]++
}

func (r *Recorder) Count(scope string, metric Metric) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store[strings.ToLower(scope)][metric]
}

func (r *Recorder) Snapshot() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.store) == 0 {
		return nil
	}
	scopes := make([]string, 0, len(r.store))
	for s := range r.store {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	out := make([]Snapshot, 0, len(scopes))
	for _, s := range scopes {
		row := r.store[s]
		metrics := make(map[string]int64, len(row))
		for m, c := range row {
			metrics[string(m)] = c
		}
		out = append(out, Snapshot{Scope: s, Metrics: metrics})
	}
	return out
}

func CanonicalMetrics() []string {
	return []string{
		string(RequestSent),
		string(RequestFail),
		string(RequestTimeout),
		string(ResponseOrphan),
		string(Maintenance),
		string(Notification),
		string(ListenerFailure),
		string(RateAlert),
		string(QueueOverflow),
		string(AgentRestart),
	}
}

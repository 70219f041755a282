package ratewatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultSuppressInterval = time.Minute
	maxSuppressKeys         = 4096
)

// Suppressor is the default alert sink. Identical alert lines are logged at
// most once per interval; OnEmit, when set, sees the same filtered stream.
type Suppressor struct {
	Logger   *slog.Logger
	Interval time.Duration
	OnEmit   func(identifier string, rounded, count int, line string)

	mu   sync.Mutex
	seen map[string]*rate.Sometimes
}

func (s *Suppressor) Alert(identifier string, rounded, count int) {
	line := fmt.Sprintf("More than %d calls pending for %s", rounded, identifier)
	st := s.sometimes(line)
	st.Do(func() {
		if s.Logger != nil {
			s.Logger.Warn("ratewatch: "+line, "identifier", identifier, "count", count)
		}
		if s.OnEmit != nil {
			s.OnEmit(identifier, rounded, count, line)
		}
	})
}

func (s *Suppressor) sometimes(line string) *rate.Sometimes {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil || len(s.seen) >= maxSuppressKeys {
		s.seen = map[string]*rate.Sometimes{}
	}
	st, ok := s.seen[line]
	if !ok {
		interval := s.Interval
		if interval <= 0 {
			interval = DefaultSuppressInterval
		}
		st = &rate.Sometimes{First: 1, Interval: interval}
		s.seen[line] = st
	}
	return st
}

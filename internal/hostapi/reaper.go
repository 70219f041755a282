package hostapi

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marcohefti/hostipc/internal/health"
	"github.com/marcohefti/hostipc/internal/ids"
)

// StaleGroup summarizes the overdue requests of one method.
type StaleGroup struct {
	Method string    `json:"method"`
	IDs    []string  `json:"ids"`
	Oldest time.Time `json:"oldest"`
}

func (g StaleGroup) Count() int { return len(g.IDs) }

// CollectStale lists requests whose age at now exceeds their timeout,
// grouped by method. Nothing is removed. Ids without a readable timestamp
// are skipped.
func (c *Client) CollectStale(now time.Time) []StaleGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups, _ := c.collectLocked(now)
	return groups
}

func (c *Client) collectLocked(now time.Time) ([]StaleGroup, []*pendingRequest) {
	byMethod := map[string]*StaleGroup{}
	var stale []*pendingRequest
	for id, p := range c.pending {
		issued, ok := ids.ParseTimestamp(id)
		if !ok {
			continue
		}
		timeout := p.timeout
		if timeout <= 0 {
			timeout = c.defaultTimeout
		}
		if now.Sub(issued) <= timeout {
			continue
		}
		stale = append(stale, p)
		g, ok := byMethod[p.method]
		if !ok {
			g = &StaleGroup{Method: p.method, Oldest: issued}
			byMethod[p.method] = g
		}
		g.IDs = append(g.IDs, id)
		if issued.Before(g.Oldest) {
			g.Oldest = issued
		}
	}
	out := make([]StaleGroup, 0, len(byMethod))
	for _, g := range byMethod {
		sort.Strings(g.IDs)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out, stale
}

// PurgeStale runs one sweep: overdue requests are removed and rejected with
// a timeout error, and one report per method is logged and handed to the
// stale reporter. The remote end is not told.
func (c *Client) PurgeStale() []StaleGroup {
	now := c.now()
	c.mu.Lock()
	groups, stale := c.collectLocked(now)
	for _, p := range stale {
		delete(c.pending, p.call.ID)
	}
	c.mu.Unlock()

	for _, p := range stale {
		c.health.Record(c.scope, health.RequestTimeout)
		c.reject(p, &Error{
			Code:    ErrorCodeForKind(ErrorTimeout),
			Kind:    ErrorTimeout,
			Method:  p.method,
			Message: TimedOutMessage,
		})
	}
	for _, g := range groups {
		oldest := g.Oldest.UTC().Format(time.RFC3339Nano)
		c.logger.Error(fmt.Sprintf("hostapi: purging %d stale requests for %s with oldest %s", len(g.IDs), g.Method, oldest),
			"count", len(g.IDs),
			"method", g.Method,
			"oldest", oldest,
		)
		if c.reporter != nil {
			c.reporter(g)
		}
	}
	return groups
}

// RunReaper sweeps every reaper interval until ctx ends or the client is
// closed.
func (c *Client) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(c.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.PurgeStale()
		}
	}
}

package ids

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxSafeInteger is the largest sequence value before the counter wraps to 1.
// It matches the integer range a JSON peer can represent exactly.
const MaxSafeInteger = 1<<53 - 1

var (
	reInvalid = regexp.MustCompile(`[^a-z0-9-]+`)
	reDashes  = regexp.MustCompile(`-+`)
)

// SanitizeComponent lowercases s and keeps only [a-z0-9-]. Id prefixes go
// through it so they can never contain the ':' separator.
func SanitizeComponent(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, "_", "-")
	v = reInvalid.ReplaceAllString(v, "-")
	v = reDashes.ReplaceAllString(v, "-")
	v = strings.Trim(v, "-")
	return v
}

type counter struct {
	mu  sync.Mutex
	seq uint64
}

func (c *counter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq >= MaxSafeInteger {
		c.seq = 1
	} else {
		c.seq++
	}
	return c.seq
}

// Generator issues correlation ids of the form
// "<prefix>:<sequence>:<random>:<timestampMs>".
//
// The timestamp segment is read back by ParseTimestamp to age pending
// requests, so the layout must not change.
type Generator struct {
	prefix string
	now    func() time.Time
	c      counter
}

func NewGenerator(prefix string) *Generator {
	p := SanitizeComponent(prefix)
	if p == "" {
		p = "wv"
	}
	return &Generator{prefix: p, now: time.Now}
}

// WithClock replaces the timestamp source. Intended for simulated time.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	if now != nil {
		g.now = now
	}
	return g
}

func (g *Generator) Prefix() string { return g.prefix }

func (g *Generator) Next() string {
	seq := g.c.next()
	var b strings.Builder
	b.Grow(len(g.prefix) + 48)
	b.WriteString(g.prefix)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteByte(':')
	b.WriteString(ShortUUID())
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(g.now().UnixMilli(), 10))
	return b.String()
}

// ShortUUID returns a v4 UUID as 22 base64url characters. Collision resistant
// but not meant as a secret.
func ShortUUID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// ParseTimestamp extracts the issue time embedded by Generator.Next.
// Ids without a numeric fourth segment report false.
func ParseTimestamp(id string) (time.Time, bool) {
	parts := strings.Split(id, ":")
	if len(parts) < 4 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Sequence issues short "<prefix>:<sequence>" ids for requests the host
// sends towards the webview. They carry no timestamp.
type Sequence struct {
	prefix string
	c      counter
}

func NewSequence(prefix string) *Sequence {
	p := SanitizeComponent(prefix)
	if p == "" {
		p = "host"
	}
	return &Sequence{prefix: p}
}

func (s *Sequence) Next() string {
	return s.prefix + ":" + strconv.FormatUint(s.c.next(), 10)
}

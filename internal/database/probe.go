package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/logger"
)

const (
	// DefaultVersionTTL is how long a probed major version stays valid.
	DefaultVersionTTL = 24 * time.Hour
	// DefaultProbeTimeout bounds the short-lived version connection.
	DefaultProbeTimeout = 10 * time.Second
)

type cacheEntry struct {
	major    string
	probedAt time.Time
}

// VersionCache maps target id to the last successfully probed major
// version. Entries older than the TTL read as absent.
type VersionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

// NewVersionCache returns an empty cache. A nil clock means time.Now.
func NewVersionCache(ttl time.Duration, now func() time.Time) *VersionCache {
	if ttl <= 0 {
		ttl = DefaultVersionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &VersionCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

// Get returns the cached major version for targetID if it is still fresh.
func (c *VersionCache) Get(targetID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[targetID]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.probedAt) >= c.ttl {
		delete(c.entries, targetID)
		return "", false
	}
	return e.major, true
}

// Put stores a freshly probed major version.
func (c *VersionCache) Put(targetID, major string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[targetID] = cacheEntry{major: major, probedAt: c.now()}
}

// VersionQuery returns the raw server version string of conn.
type VersionQuery func(ctx context.Context, conn backup.Connection) (string, error)

// ProbeOption overrides defaults on a VersionProbe.
type ProbeOption func(*VersionProbe)

// VersionProbe detects the major version of a target's server.
type VersionProbe struct {
	cache   *VersionCache
	query   VersionQuery
	timeout time.Duration
	log     logger.Logger
}

// NewVersionProbe returns a probe querying through pgx with a 24h cache.
func NewVersionProbe(opts ...ProbeOption) *VersionProbe {
	p := &VersionProbe{
		query:   QueryServerVersion,
		timeout: DefaultProbeTimeout,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cache == nil {
		p.cache = NewVersionCache(DefaultVersionTTL, nil)
	}
	return p
}

// WithVersionCache sets the cache, which owns the TTL and clock.
func WithVersionCache(c *VersionCache) ProbeOption {
	return func(p *VersionProbe) { p.cache = c }
}

// WithVersionQuery swaps the server query.
func WithVersionQuery(q VersionQuery) ProbeOption {
	return func(p *VersionProbe) {
		if q != nil {
			p.query = q
		}
	}
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *VersionProbe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithProbeLogger sets the logger.
func WithProbeLogger(log logger.Logger) ProbeOption {
	return func(p *VersionProbe) {
		if log != nil {
			p.log = log
		}
	}
}

// Resolve returns the major version to use for t. An explicit hint wins
// without probing. Otherwise a fresh cache entry is used, or the server is
// probed once. Probe failures are logged and yield backup.VersionLatest;
// Resolve never fails the caller.
func (p *VersionProbe) Resolve(ctx context.Context, t backup.Target, conn backup.Connection) string {
	if t.VersionHint != "" && t.VersionHint != backup.VersionLatest {
		return t.VersionHint
	}
	if major, ok := p.cache.Get(t.ID); ok {
		return major
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.query(ctx, conn)
	if err != nil {
		p.log.Warn("version probe failed",
			"target", t.ID,
			"fallback", backup.VersionLatest,
			"error", err,
		)
		return backup.VersionLatest
	}
	major, err := ParseMajorVersion(raw)
	if err != nil {
		p.log.Warn("version probe failed",
			"target", t.ID,
			"fallback", backup.VersionLatest,
			"error", err,
		)
		return backup.VersionLatest
	}

	p.cache.Put(t.ID, major)
	p.log.Debug("version probed", "target", t.ID, "major_version", major)
	return major
}

// ParseMajorVersion extracts the leading integer of the first numeric token,
// so "PostgreSQL 14.5 (Debian 14.5-1)" yields "14".
func ParseMajorVersion(raw string) (string, error) {
	for _, field := range strings.Fields(raw) {
		if field[0] < '0' || field[0] > '9' {
			continue
		}
		end := 0
		for end < len(field) && field[end] >= '0' && field[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(field[:end])
		if err != nil || n == 0 {
			break
		}
		return strconv.Itoa(n), nil
	}
	return "", fmt.Errorf("%w: %q", ErrMalformedVersion, raw)
}

// QueryServerVersion opens a short-lived pgx connection and runs
// "select version()".
func QueryServerVersion(ctx context.Context, conn backup.Connection) (string, error) {
	cfg, err := pgx.ParseConfig("")
	if err != nil {
		return "", fmt.Errorf("parse connection config: %w", err)
	}
	if conn.Host != "" {
		cfg.Host = conn.Host
	}
	if conn.Port != "" {
		port, err := strconv.ParseUint(conn.Port, 10, 16)
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", conn.Port, err)
		}
		cfg.Port = uint16(port)
	}
	if conn.Username != "" {
		cfg.User = conn.Username
	}
	cfg.Password = conn.Password
	if conn.Database != "" {
		cfg.Database = conn.Database
	}
	cfg.Fallbacks = nil

	c, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer c.Close(context.WithoutCancel(ctx))

	var version string
	if err := c.QueryRow(ctx, "select version()").Scan(&version); err != nil {
		return "", fmt.Errorf("select version(): %w", err)
	}
	return version, nil
}

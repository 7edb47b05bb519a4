package crmbase

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// cacheScope names the parts of the session cache a write invalidates.
type cacheScope uint8

const (
	scopeDump      cacheScope = 1 << iota // cached companies form a complete dump
	scopeCompanies                        // cached companies
	scopeConfig                           // cached config
)

type cacheOp string

const (
	opAddCompany    cacheOp = "add_company"
	opUpdateCompany cacheOp = "update_company"
	opUpdateConfig  cacheOp = "update_config"
	opClose         cacheOp = "close"
)

// cacheInvalidations is the whole invalidation policy of SessionCache.
// Company writes drop every cached company; there is no per-company
// invalidation.
var cacheInvalidations = map[cacheOp]cacheScope{
	opAddCompany:    scopeDump | scopeCompanies,
	opUpdateCompany: scopeDump | scopeCompanies,
	opUpdateConfig:  scopeConfig,
	opClose:         scopeDump | scopeCompanies | scopeConfig,
}

const dumpFlight = "dump"

// SessionCache wraps a Session and memoizes dumps, config and the companies
// found by earlier lookups. Lookups run first against the cached companies
// using a MemorySession as the matcher, so hits resolve exactly as a full
// session would. A miss is delegated and only the owning company of the
// result is added to the cache.
//
// Concurrent Dump calls share one backend fetch. After Close every call
// returns ErrSessionClosed.
type SessionCache struct {
	session Session
	metrics Metrics

	mu         sync.Mutex
	closed     bool
	isDump     bool
	cached     *Database // companies and config currently cached
	matcher    *MemorySession
	generation uint64

	dumps singleflight.Group
}

// NewSessionCache wraps session.
func NewSessionCache(session Session, metrics Metrics) *SessionCache {
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	cached := &Database{Companies: []*Company{}}
	return &SessionCache{
		session: session,
		metrics: metrics,
		cached:  cached,
		matcher: newMemorySession(cached, &sync.RWMutex{}),
	}
}

// Unwrap returns the wrapped session.
func (c *SessionCache) Unwrap() Session {
	return c.session
}

func (c *SessionCache) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	return nil
}

func (c *SessionCache) invalidate(op cacheOp) {
	scope := cacheInvalidations[op]

	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if scope&scopeDump != 0 {
		c.isDump = false
	}
	if scope&scopeCompanies != 0 {
		c.cached.Companies = []*Company{}
	}
	if scope&scopeConfig != 0 {
		c.cached.Config = nil
	}
	c.dumps.Forget(dumpFlight)
	c.metrics.Gauge(MetricCacheCompanies, float64(len(c.cached.Companies)))
}

// remember adds company to the cache unless the cache was invalidated since
// gen was read or the company is already cached.
func (c *SessionCache) remember(gen uint64, company *Company) {
	if company == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.matcher.findCompany(company.Name) != nil {
		return
	}
	c.cached.Companies = append(c.cached.Companies, company)
	c.metrics.Gauge(MetricCacheCompanies, float64(len(c.cached.Companies)))
}

// cachedLookup runs local against the cached companies and falls back to
// remote on a miss.
func cachedLookup[T any](c *SessionCache, op string, local func(*MemorySession) *T, remote func() (*T, error), owner func(*T) *Company) (*T, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	hit := local(c.matcher)
	gen := c.generation
	c.mu.Unlock()

	if hit != nil {
		c.metrics.Increment(MetricCacheHits, "operation", op)
		return hit, nil
	}
	c.metrics.Increment(MetricCacheMisses, "operation", op)

	result, err := remote()
	if err != nil || result == nil {
		return result, err
	}
	c.remember(gen, owner(result))
	return result, nil
}

func (c *SessionCache) Dump(ctx context.Context) (*Database, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if c.isDump && c.cached.Config != nil {
		companies := append([]*Company(nil), c.cached.Companies...)
		db := &Database{Companies: companies, Config: c.cached.Config}
		c.mu.Unlock()
		c.metrics.Increment(MetricCacheHits, "operation", "dump")
		return db, nil
	}
	gen := c.generation
	c.mu.Unlock()
	c.metrics.Increment(MetricCacheMisses, "operation", "dump")

	// The fetch is shared, so one caller giving up must not fail the rest.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.dumps.Do(dumpFlight, func() (interface{}, error) {
		c.metrics.Increment(MetricDumpFetches)
		return c.session.Dump(flightCtx)
	})
	if err != nil {
		return nil, err
	}
	db := v.(*Database)

	c.mu.Lock()
	if c.generation == gen {
		c.isDump = true
		// Copied: remember appends to the cached slice.
		c.cached.Companies = append([]*Company(nil), db.Companies...)
		c.cached.Config = db.Config
		c.metrics.Gauge(MetricCacheCompanies, float64(len(db.Companies)))
	}
	c.mu.Unlock()
	return db, nil
}

func (c *SessionCache) AddCompany(ctx context.Context, company *Company) (*Company, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	defer c.invalidate(opAddCompany)
	return c.session.AddCompany(ctx, company)
}

func (c *SessionCache) UpdateCompany(ctx context.Context, name string, update CompanyUpdate) (*Company, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	defer c.invalidate(opUpdateCompany)
	return c.session.UpdateCompany(ctx, name, update)
}

func (c *SessionCache) FindCompanyByName(ctx context.Context, name string) (*Company, error) {
	return cachedLookup(c, "find_company",
		func(m *MemorySession) *Company { return m.findCompany(name) },
		func() (*Company, error) { return c.session.FindCompanyByName(ctx, name) },
		func(r *Company) *Company { return r },
	)
}

func (c *SessionCache) FindAppByName(ctx context.Context, appName string) (*CompanyApp, error) {
	return cachedLookup(c, "find_app",
		func(m *MemorySession) *CompanyApp { r, _ := m.FindAppByName(ctx, appName); return r },
		func() (*CompanyApp, error) { return c.session.FindAppByName(ctx, appName) },
		func(r *CompanyApp) *Company { return r.Company },
	)
}

func (c *SessionCache) FindAppByEmail(ctx context.Context, email string) (*CompanyApp, error) {
	return cachedLookup(c, "find_app_email",
		func(m *MemorySession) *CompanyApp { r, _ := m.FindAppByEmail(ctx, email); return r },
		func() (*CompanyApp, error) { return c.session.FindAppByEmail(ctx, email) },
		func(r *CompanyApp) *Company { return r.Company },
	)
}

func (c *SessionCache) FindContactByEmail(ctx context.Context, email string) (*CompanyContact, error) {
	return cachedLookup(c, "find_contact",
		func(m *MemorySession) *CompanyContact { r, _ := m.FindContactByEmail(ctx, email); return r },
		func() (*CompanyContact, error) { return c.session.FindContactByEmail(ctx, email) },
		func(r *CompanyContact) *Company { return r.Company },
	)
}

func (c *SessionCache) FindFollowups(ctx context.Context, start, end string) ([]Followup, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if c.isDump {
		out := collectFollowups(c.cached.Companies, start, end)
		c.mu.Unlock()
		c.metrics.Increment(MetricCacheHits, "operation", "followups")
		return out, nil
	}
	c.mu.Unlock()
	c.metrics.Increment(MetricCacheMisses, "operation", "followups")
	return c.session.FindFollowups(ctx, start, end)
}

func (c *SessionCache) SearchCompanies(ctx context.Context, filter string) ([]*Company, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if c.isDump {
		out := FilterCompanies(c.cached.Companies, filter)
		c.mu.Unlock()
		c.metrics.Increment(MetricCacheHits, "operation", "search")
		return out, nil
	}
	c.mu.Unlock()
	c.metrics.Increment(MetricCacheMisses, "operation", "search")
	return c.session.SearchCompanies(ctx, filter)
}

func (c *SessionCache) LoadConfig(ctx context.Context) (*Config, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if cfg := c.cached.Config; cfg != nil {
		c.mu.Unlock()
		c.metrics.Increment(MetricCacheHits, "operation", "config")
		return CloneConfig(cfg), nil
	}
	gen := c.generation
	c.mu.Unlock()
	c.metrics.Increment(MetricCacheMisses, "operation", "config")

	cfg, err := c.session.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.generation == gen {
		c.cached.Config = cfg
	}
	c.mu.Unlock()
	return CloneConfig(cfg), nil
}

func (c *SessionCache) UpdateConfig(ctx context.Context, update ConfigUpdate) (*Config, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	cfg, err := c.session.UpdateConfig(ctx, update)
	c.invalidate(opUpdateConfig)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cached.Config = cfg
	c.mu.Unlock()
	return cfg, nil
}

// Close closes the wrapped session once; closing twice is a no-op.
func (c *SessionCache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	defer c.invalidate(opClose)
	return c.session.Close(ctx)
}

package crmbase

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemorySession is the reference Session over a Database held in process
// memory. It holds the database by reference: mutations are visible to
// anyone else holding the same *Database.
type MemorySession struct {
	mu       *sync.RWMutex
	db       *Database
	modified bool
	closed   bool
	now      func() time.Time
}

// NewMemorySession creates a session over db.
func NewMemorySession(db *Database) *MemorySession {
	return newMemorySession(NormalizeDatabase(db), &sync.RWMutex{})
}

// newMemorySession creates a session over an already normalized db, guarded
// by mu, which is shared by every session over the same database.
func newMemorySession(db *Database, mu *sync.RWMutex) *MemorySession {
	return &MemorySession{
		mu:  mu,
		db:  db,
		now: time.Now,
	}
}

// Modified reports whether a mutating call ran since the last Close.
func (s *MemorySession) Modified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modified
}

// Database returns the database the session operates on.
func (s *MemorySession) Database() *Database {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *MemorySession) stamp() string {
	return Timestamp(s.now())
}

func (s *MemorySession) Dump(ctx context.Context) (*Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.db, nil
}

func (s *MemorySession) AddCompany(ctx context.Context, company *Company) (*Company, error) {
	if company == nil || strings.TrimSpace(company.Name) == "" {
		return nil, NewBusinessError(MsgMissingName, ErrInvalidData)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	if s.findCompany(company.Name) != nil {
		return nil, NewBusinessError(MsgCompanyExists, ErrAlreadyExists)
	}

	stored := CloneCompany(company)
	now := s.stamp()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.db.Companies = append(s.db.Companies, stored)
	s.modified = true
	return stored, nil
}

func (s *MemorySession) UpdateCompany(ctx context.Context, name string, update CompanyUpdate) (*Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	company := s.findCompany(name)
	if company == nil {
		return nil, NewBusinessError(MsgCompanyNotFound, ErrNotFound)
	}
	if update.renames(name) {
		return nil, NewBusinessError(MsgIncorrectName, ErrInvalidData)
	}

	update.apply(company)
	normalizeCompany(company)
	company.UpdatedAt = s.stamp()
	s.modified = true
	return company, nil
}

func (s *MemorySession) FindCompanyByName(ctx context.Context, name string) (*Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.findCompany(name), nil
}

func (s *MemorySession) findCompany(name string) *Company {
	if name == "" {
		return nil
	}
	for _, c := range s.db.Companies {
		if sameName(c.Name, name) {
			return c
		}
	}
	return nil
}

func (s *MemorySession) FindAppByName(ctx context.Context, appName string) (*CompanyApp, error) {
	return s.findApp(appName, func(a *App) string { return a.AppName })
}

func (s *MemorySession) FindAppByEmail(ctx context.Context, email string) (*CompanyApp, error) {
	return s.findApp(email, func(a *App) string { return a.Email })
}

func (s *MemorySession) findApp(key string, field func(*App) string) (*CompanyApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if key == "" {
		return nil, nil
	}
	for _, c := range s.db.Companies {
		for i := range c.Apps {
			if strings.EqualFold(field(&c.Apps[i]), key) {
				return &CompanyApp{Company: c, App: &c.Apps[i]}, nil
			}
		}
	}
	return nil, nil
}

func (s *MemorySession) FindContactByEmail(ctx context.Context, email string) (*CompanyContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if email == "" {
		return nil, nil
	}
	for _, c := range s.db.Companies {
		for i := range c.Contacts {
			if strings.EqualFold(c.Contacts[i].Email, email) {
				return &CompanyContact{Company: c, Contact: &c.Contacts[i]}, nil
			}
		}
	}
	return nil, nil
}

func (s *MemorySession) FindFollowups(ctx context.Context, start, end string) ([]Followup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return collectFollowups(s.db.Companies, start, end), nil
}

// collectFollowups scans companies for interactions due in [start, end].
func collectFollowups(companies []*Company, start, end string) []Followup {
	out := []Followup{}
	for _, c := range companies {
		if c.NoFollowUp {
			continue
		}
		for i, in := range c.Interactions {
			if inFollowupRange(in.FollowUpDate, start, end) {
				out = append(out, Followup{Interaction: in, Company: c.Name, Index: i})
			}
		}
	}
	return out
}

func (s *MemorySession) SearchCompanies(ctx context.Context, filter string) ([]*Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return FilterCompanies(s.db.Companies, filter), nil
}

func (s *MemorySession) LoadConfig(ctx context.Context) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.db.Config, nil
}

func (s *MemorySession) UpdateConfig(ctx context.Context, update ConfigUpdate) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	update.apply(s.db.Config)
	s.modified = true
	return s.db.Config, nil
}

// Close ends the session. Later calls return ErrSessionClosed; closing
// twice is a no-op.
func (s *MemorySession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modified = false
	s.closed = true
	return nil
}

// markSaved clears the modified flag and leaves the session open.
func (s *MemorySession) markSaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modified = false
}

// MemoryAdapter keeps one Database in memory and hands out sessions over it.
type MemoryAdapter struct {
	mu *sync.RWMutex
	db *Database
}

// NewMemoryAdapter creates an adapter holding an empty database.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{mu: &sync.RWMutex{}, db: EmptyDatabase()}
}

func (a *MemoryAdapter) Create(ctx context.Context, initial *Database) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.db = NormalizeDatabase(initial)
	return nil
}

// Open returns a session over the adapter's database. Sessions share one
// lock, so concurrent sessions are safe.
func (a *MemoryAdapter) Open(ctx context.Context) (Session, error) {
	a.mu.RLock()
	db := a.db
	a.mu.RUnlock()
	return newMemorySession(db, a.mu), nil
}

func (a *MemoryAdapter) Close() error {
	return nil
}

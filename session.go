package crmbase

import (
	"context"
	"errors"
	"net/http"
)

// Session is one open unit of work against a backend. Finders return a nil
// result and a nil error when nothing matches. Business rule violations are
// returned as *BusinessError; every other error is an infrastructure fault.
//
// A session is scoped to one command or request. Use WithSession so Close
// always runs.
type Session interface {
	Dump(ctx context.Context) (*Database, error)
	AddCompany(ctx context.Context, company *Company) (*Company, error)
	UpdateCompany(ctx context.Context, name string, update CompanyUpdate) (*Company, error)
	FindCompanyByName(ctx context.Context, name string) (*Company, error)
	FindAppByName(ctx context.Context, appName string) (*CompanyApp, error)
	FindAppByEmail(ctx context.Context, email string) (*CompanyApp, error)
	FindContactByEmail(ctx context.Context, email string) (*CompanyContact, error)
	FindFollowups(ctx context.Context, start, end string) ([]Followup, error)
	SearchCompanies(ctx context.Context, filter string) ([]*Company, error)
	LoadConfig(ctx context.Context) (*Config, error)
	UpdateConfig(ctx context.Context, update ConfigUpdate) (*Config, error)
	Close(ctx context.Context) error
}

// Adapter owns the sessions of one backend.
type Adapter interface {
	// Create initializes the backend with initial, replacing what is there.
	Create(ctx context.Context, initial *Database) error
	// Open starts a new session.
	Open(ctx context.Context) (Session, error)
	// Close releases clients held by the adapter.
	Close() error
}

// Pinger is implemented by adapters that can check their backend is
// reachable without opening a session.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the backend behind adapter. Adapters that are not Pingers are
// always reachable.
func Ping(ctx context.Context, adapter Adapter) error {
	if p, ok := adapter.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// WithSession opens a session, runs fn and closes the session when fn
// returns, whatever the outcome. A close failure is reported unless fn
// already failed.
func WithSession(ctx context.Context, adapter Adapter, fn func(Session) error) (err error) {
	session, err := adapter.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(session)
}

// options shared by every adapter.
type options struct {
	logger     Logger
	metrics    Metrics
	httpClient *http.Client
	noCache    bool
	// encryptionKey seals document backends when set.
	encryptionKey []byte
}

// Option configures an adapter built by Connect.
type Option func(*options)

// WithLogger sets the logger used by the adapter and its sessions.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics collector used by the adapter and its sessions.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient sets the client used by the remote and CouchDB adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithEncryptionKey encrypts file, S3 and GCS documents with a 32-byte
// AES-256 key. Other backends ignore it.
func WithEncryptionKey(key []byte) Option {
	return func(o *options) { o.encryptionKey = key }
}

// WithoutCache disables the session cache in front of network backends.
func WithoutCache() Option {
	return func(o *options) { o.noCache = true }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// wrapCache puts the session cache in front of s unless disabled.
func (o options) wrapCache(s Session) Session {
	if o.noCache {
		return s
	}
	return NewSessionCache(s, o.metrics)
}

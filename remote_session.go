package crmbase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Wire shapes of the CRM HTTP API shared by the server and RemoteSession.

// ContactResult is the answer to a contact lookup.
type ContactResult struct {
	Company string  `json:"company"`
	Contact Contact `json:"contact"`
}

// AppResult is the answer to an app lookup.
type AppResult struct {
	Company string `json:"company"`
	App     App    `json:"app"`
}

// CompanyRows is the answer to a company search.
type CompanyRows struct {
	Rows []*Company `json:"rows"`
}

// CompanyResult is the answer to a company update.
type CompanyResult struct {
	Company *Company `json:"company"`
}

// FollowupList is the answer to a follow-up query.
type FollowupList struct {
	Followups []Followup `json:"followups"`
}

// RemoteAdapter connects to a CRM HTTP API server.
type RemoteAdapter struct {
	client *RemoteClient
	opts   options
}

// NewRemoteAdapter creates an adapter for the API at rawURL.
func NewRemoteAdapter(rawURL string, opts ...Option) (*RemoteAdapter, error) {
	client, err := NewRemoteClient(rawURL, opts...)
	if err != nil {
		return nil, err
	}
	return &RemoteAdapter{client: client, opts: buildOptions(opts)}, nil
}

// Create replaces the server's database with initial.
func (a *RemoteAdapter) Create(ctx context.Context, initial *Database) error {
	return a.client.mutate(ctx, http.MethodPost, "/reset", NormalizeDatabase(initial), nil)
}

func (a *RemoteAdapter) Open(ctx context.Context) (Session, error) {
	return a.opts.wrapCache(&RemoteSession{client: a.client}), nil
}

func (a *RemoteAdapter) Ping(ctx context.Context) error {
	return a.client.Health(ctx)
}

func (a *RemoteAdapter) Close() error {
	return nil
}

// RemoteSession runs every operation as one call to the HTTP API. A 404 on a
// lookup is an absent result.
type RemoteSession struct {
	client *RemoteClient
}

func (s *RemoteSession) Dump(ctx context.Context) (*Database, error) {
	var db Database
	if err := s.client.do(ctx, http.MethodGet, "/dump", nil, nil, &db); err != nil {
		return nil, err
	}
	return NormalizeDatabase(&db), nil
}

func (s *RemoteSession) AddCompany(ctx context.Context, company *Company) (*Company, error) {
	var stored Company
	if err := s.client.mutate(ctx, http.MethodPost, "/companies", company, &stored); err != nil {
		return nil, err
	}
	normalizeCompany(&stored)
	return &stored, nil
}

func (s *RemoteSession) UpdateCompany(ctx context.Context, name string, update CompanyUpdate) (*Company, error) {
	var result CompanyResult
	if err := s.client.mutate(ctx, http.MethodPut, apiPath("companies", name), update, &result); err != nil {
		return nil, err
	}
	if result.Company == nil {
		return nil, fmt.Errorf("%w: update of %q returned no company", ErrInvalidData, name)
	}
	normalizeCompany(result.Company)
	return result.Company, nil
}

func (s *RemoteSession) FindCompanyByName(ctx context.Context, name string) (*Company, error) {
	if name == "" {
		return nil, nil
	}
	var company Company
	found, err := s.client.find(ctx, apiPath("companies", name), nil, &company)
	if err != nil || !found {
		return nil, err
	}
	normalizeCompany(&company)
	return &company, nil
}

// companyOf fetches the company owning a lookup result. The server just
// named it, so its absence is a fault rather than a miss.
func (s *RemoteSession) companyOf(ctx context.Context, name string) (*Company, error) {
	company, err := s.FindCompanyByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, WithContext(ErrNotFound, map[string]interface{}{
			"company": name,
			"reason":  "owning company disappeared",
		})
	}
	return company, nil
}

func (s *RemoteSession) FindAppByName(ctx context.Context, appName string) (*CompanyApp, error) {
	if appName == "" {
		return nil, nil
	}
	return s.findApp(ctx, apiPath("apps", "by-name", appName), func(a *App) bool {
		return strings.EqualFold(a.AppName, appName)
	})
}

func (s *RemoteSession) FindAppByEmail(ctx context.Context, email string) (*CompanyApp, error) {
	if email == "" {
		return nil, nil
	}
	return s.findApp(ctx, apiPath("apps", "by-email", email), func(a *App) bool {
		return strings.EqualFold(a.Email, email)
	})
}

func (s *RemoteSession) findApp(ctx context.Context, path string, match func(*App) bool) (*CompanyApp, error) {
	var result AppResult
	found, err := s.client.find(ctx, path, nil, &result)
	if err != nil || !found {
		return nil, err
	}
	company, err := s.companyOf(ctx, result.Company)
	if err != nil {
		return nil, err
	}
	for i := range company.Apps {
		if match(&company.Apps[i]) {
			return &CompanyApp{Company: company, App: &company.Apps[i]}, nil
		}
	}
	return &CompanyApp{Company: company, App: &result.App}, nil
}

func (s *RemoteSession) FindContactByEmail(ctx context.Context, email string) (*CompanyContact, error) {
	if email == "" {
		return nil, nil
	}
	var result ContactResult
	found, err := s.client.find(ctx, apiPath("contacts", "by-email", email), nil, &result)
	if err != nil || !found {
		return nil, err
	}
	company, err := s.companyOf(ctx, result.Company)
	if err != nil {
		return nil, err
	}
	for i := range company.Contacts {
		if strings.EqualFold(company.Contacts[i].Email, email) {
			return &CompanyContact{Company: company, Contact: &company.Contacts[i]}, nil
		}
	}
	return &CompanyContact{Company: company, Contact: &result.Contact}, nil
}

func (s *RemoteSession) FindFollowups(ctx context.Context, start, end string) ([]Followup, error) {
	var result FollowupList
	query := url.Values{"start_date": {start}, "end_date": {end}}
	if err := s.client.do(ctx, http.MethodGet, "/followups", query, nil, &result); err != nil {
		return nil, err
	}
	if result.Followups == nil {
		result.Followups = []Followup{}
	}
	return result.Followups, nil
}

func (s *RemoteSession) SearchCompanies(ctx context.Context, filter string) ([]*Company, error) {
	path := "/companies"
	if strings.TrimSpace(filter) != "" {
		path = apiPath("companies", "search", filter)
	}
	var rows CompanyRows
	if err := s.client.do(ctx, http.MethodGet, path, nil, nil, &rows); err != nil {
		return nil, err
	}
	for _, c := range rows.Rows {
		normalizeCompany(c)
	}
	if rows.Rows == nil {
		rows.Rows = []*Company{}
	}
	return rows.Rows, nil
}

func (s *RemoteSession) LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := s.client.do(ctx, http.MethodGet, "/config", nil, nil, &cfg); err != nil {
		return nil, err
	}
	return NormalizeConfig(&cfg), nil
}

func (s *RemoteSession) UpdateConfig(ctx context.Context, update ConfigUpdate) (*Config, error) {
	var cfg Config
	if err := s.client.mutate(ctx, http.MethodPut, "/config", update, &cfg); err != nil {
		return nil, err
	}
	return NormalizeConfig(&cfg), nil
}

// Close is a no-op: every call already committed on the server.
func (s *RemoteSession) Close(ctx context.Context) error {
	return nil
}

package crmbase

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// CouchDB document ids and view names.
const (
	couchConfigID     = "config"
	couchCompanyIDPfx = "company:"

	viewByName         = "by_name"
	viewByAppName      = "by_app_name"
	viewByEmail        = "by_email"
	viewByFollowupDate = "by_followup_date"
)

// couchDesign is installed when the database is created. Names, app names
// and emails are emitted lowercased so lookups are case-insensitive.
var couchDesign = map[string]interface{}{
	"language": "javascript",
	"views": map[string]interface{}{
		viewByName: map[string]string{
			"map": `function (doc) { if (doc.name) { emit(doc.name.toLowerCase(), null); } }`,
		},
		viewByAppName: map[string]string{
			"map": `function (doc) { (doc.apps || []).forEach(function (app) { if (app.appName) { emit(app.appName.toLowerCase(), null); } }); }`,
		},
		viewByEmail: map[string]string{
			"map": `function (doc) {
	(doc.contacts || []).forEach(function (c) { if (c.email) { emit(c.email.toLowerCase(), "contact"); } });
	(doc.apps || []).forEach(function (a) { if (a.email) { emit(a.email.toLowerCase(), "app"); } });
}`,
		},
		viewByFollowupDate: map[string]string{
			"map": `function (doc) {
	if (!doc.name || doc.noFollowUp) { return; }
	(doc.interactions || []).forEach(function (i, index) { if (i.followUpDate) { emit(i.followUpDate, index); } });
}`,
		},
	},
}

// CouchError is an error answer from CouchDB.
type CouchError struct {
	StatusCode int
	Code       string `json:"error"`
	Reason     string `json:"reason"`
}

func (e *CouchError) Error() string {
	return fmt.Sprintf("couchdb: status %d: %s: %s", e.StatusCode, e.Code, e.Reason)
}

func (e *CouchError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	if e.StatusCode >= 500 {
		return ErrBackendUnavailable
	}
	return ErrInvalidData
}

type companyDoc struct {
	ID  string `json:"_id,omitempty"`
	Rev string `json:"_rev,omitempty"`
	Company
}

type configDoc struct {
	ID  string `json:"_id,omitempty"`
	Rev string `json:"_rev,omitempty"`
	Config
}

type viewRow struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc"`
}

type viewResult struct {
	Rows []viewRow `json:"rows"`
}

// CouchDocumentID is the id of the document holding the named company.
func CouchDocumentID(name string) string {
	sum := md5.Sum([]byte(nameKey(name)))
	return couchCompanyIDPfx + hex.EncodeToString(sum[:])
}

// couchClient talks to one CouchDB database.
type couchClient struct {
	server   *url.URL // server root, without credentials
	db       string
	user     string
	password string
	hasAuth  bool
	http     *http.Client
	breaker  *CircuitBreaker
	metrics  Metrics
}

func newCouchClient(rawURL string, o options) (*couchClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"url":    redactURL(rawURL),
			"reason": "invalid CouchDB URL",
		})
	}
	db := path.Base(strings.TrimSuffix(u.Path, "/"))
	if db == "" || db == "." || db == "/" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"url":    redactURL(rawURL),
			"reason": "CouchDB URL must name a database",
		})
	}

	c := &couchClient{db: db, http: o.httpClient, metrics: o.metrics}
	if u.User != nil {
		c.user = u.User.Username()
		c.password, _ = u.User.Password()
		c.hasAuth = true
		u.User = nil
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), db)
	u.Path = strings.TrimSuffix(u.Path, "/")
	c.server = u
	c.breaker = NewCircuitBreaker(DefaultBreakerConfig()).OnStateChange(func(from, to BreakerState) {
		o.logger.Warn("couchdb breaker state changed", "from", string(from), "to", string(to), "host", u.Host)
		o.metrics.Increment(MetricBreakerState, "from", string(from), "to", string(to))
	})
	return c, nil
}

// do sends a request for the document path inside the database. An empty
// docPath addresses the database itself.
func (c *couchClient) do(ctx context.Context, method, docPath string, query url.Values, body, out interface{}) error {
	target := c.server.String() + "/" + url.PathEscape(c.db)
	if docPath != "" {
		target += "/" + docPath
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	start := time.Now()
	var couchErr *CouchError
	err := c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.hasAuth {
			req.SetBasicAuth(c.user, c.password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return WithContext(transportError(err), map[string]interface{}{
				"method": method,
				"doc":    docPath,
				"reason": err.Error(),
			})
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			couchErr = &CouchError{StatusCode: resp.StatusCode}
			_ = json.Unmarshal(data, couchErr)
			if resp.StatusCode >= 500 {
				return couchErr
			}
			return nil
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%w: couchdb %s %s: %v", ErrInvalidData, method, docPath, err)
			}
		}
		return nil
	})
	c.metrics.Timing(MetricBackendLatency, time.Since(start), "operation", method, "backend", "couchdb")
	if err != nil {
		c.metrics.Increment(MetricBackendErrors, "operation", method, "backend", "couchdb")
		return err
	}
	if couchErr != nil {
		return couchErr
	}
	return nil
}

func (c *couchClient) view(ctx context.Context, name string, query url.Values) ([]viewRow, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("include_docs", "true")
	var result viewResult
	docPath := "_design/" + DefaultCouchDesignName + "/_view/" + name
	if err := c.do(ctx, http.MethodGet, docPath, query, nil, &result); err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// viewKey queries a view for a single key.
func (c *couchClient) viewKey(ctx context.Context, name, key string) ([]viewRow, error) {
	encoded, _ := json.Marshal(key)
	return c.view(ctx, name, url.Values{"key": {string(encoded)}})
}

// upsert writes doc at docPath, fetching the current revision when the
// document already exists.
func (c *couchClient) upsert(ctx context.Context, docPath string, doc map[string]interface{}) error {
	var current struct {
		Rev string `json:"_rev"`
	}
	err := c.do(ctx, http.MethodGet, docPath, nil, nil, &current)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if current.Rev != "" {
		doc["_rev"] = current.Rev
	}
	return c.do(ctx, http.MethodPut, docPath, nil, doc, nil)
}

func decodeCompanyDoc(raw json.RawMessage) (*companyDoc, error) {
	var doc companyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: company document: %v", ErrInvalidData, err)
	}
	normalizeCompany(&doc.Company)
	return &doc, nil
}

// CouchAdapter stores each company as one CouchDB document plus a config
// document, with secondary views for every lookup.
type CouchAdapter struct {
	client *couchClient
	opts   options
}

// NewCouchAdapter creates an adapter for the database at rawURL
// (http(s)://[user:password@]host:port/database).
func NewCouchAdapter(rawURL string, opts ...Option) (*CouchAdapter, error) {
	o := buildOptions(opts)
	client, err := newCouchClient(rawURL, o)
	if err != nil {
		return nil, err
	}
	return &CouchAdapter{client: client, opts: o}, nil
}

// Create creates the database and its views, then writes the config and
// every company of initial. Company documents not in initial are deleted.
func (a *CouchAdapter) Create(ctx context.Context, initial *Database) error {
	initial = NormalizeDatabase(initial)
	if err := a.client.do(ctx, http.MethodPut, "", nil, nil, nil); err != nil && !IsConflict(err) {
		return fmt.Errorf("failed to create couchdb database: %w", err)
	}
	if err := a.client.upsert(ctx, "_design/"+DefaultCouchDesignName, copyDoc(couchDesign)); err != nil {
		return fmt.Errorf("failed to install couchdb views: %w", err)
	}
	cfg, err := toDocMap(initial.Config)
	if err != nil {
		return err
	}
	if err := a.client.upsert(ctx, couchConfigID, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	keep := make(map[string]bool, len(initial.Companies))
	for _, company := range initial.Companies {
		keep[CouchDocumentID(company.Name)] = true
	}
	if err := a.removeCompaniesExcept(ctx, keep); err != nil {
		return fmt.Errorf("failed to clear companies: %w", err)
	}
	for _, company := range initial.Companies {
		doc, err := toDocMap(company)
		if err != nil {
			return err
		}
		if err := a.client.upsert(ctx, url.PathEscape(CouchDocumentID(company.Name)), doc); err != nil {
			return fmt.Errorf("failed to write company %q: %w", company.Name, err)
		}
	}
	a.opts.logger.Info("couchdb database created", "db", a.client.db, "companies", len(initial.Companies))
	return nil
}

// removeCompaniesExcept deletes every company document whose id is not in
// keep.
func (a *CouchAdapter) removeCompaniesExcept(ctx context.Context, keep map[string]bool) error {
	var all struct {
		Rows []struct {
			ID    string `json:"id"`
			Value struct {
				Rev string `json:"rev"`
			} `json:"value"`
		} `json:"rows"`
	}
	if err := a.client.do(ctx, http.MethodGet, "_all_docs", nil, nil, &all); err != nil {
		return err
	}
	for _, row := range all.Rows {
		if !strings.HasPrefix(row.ID, couchCompanyIDPfx) || keep[row.ID] {
			continue
		}
		err := a.client.do(ctx, http.MethodDelete, url.PathEscape(row.ID), url.Values{"rev": {row.Value.Rev}}, nil, nil)
		if err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (a *CouchAdapter) Open(ctx context.Context) (Session, error) {
	return a.opts.wrapCache(&CouchSession{client: a.client, now: time.Now}), nil
}

// Ping reads the database info document. A missing database is reported
// as ErrNotFound.
func (a *CouchAdapter) Ping(ctx context.Context) error {
	return a.client.do(ctx, http.MethodGet, "", nil, nil, nil)
}

func (a *CouchAdapter) Close() error {
	return nil
}

func copyDoc(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toDocMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CouchSession implements Session on CouchDB. Updates are a full document
// PUT carrying the revision that was read; a concurrent update of the same
// company fails with a conflict and is not retried.
type CouchSession struct {
	client *couchClient
	now    func() time.Time
}

func (s *CouchSession) Dump(ctx context.Context) (*Database, error) {
	var all viewResult
	if err := s.client.do(ctx, http.MethodGet, "_all_docs", url.Values{"include_docs": {"true"}}, nil, &all); err != nil {
		return nil, err
	}

	db := &Database{Companies: []*Company{}}
	for _, row := range all.Rows {
		switch {
		case row.ID == couchConfigID:
			var doc configDoc
			if err := json.Unmarshal(row.Doc, &doc); err != nil {
				return nil, fmt.Errorf("%w: config document: %v", ErrInvalidData, err)
			}
			db.Config = &doc.Config
		case strings.HasPrefix(row.ID, couchCompanyIDPfx):
			doc, err := decodeCompanyDoc(row.Doc)
			if err != nil {
				return nil, err
			}
			db.Companies = append(db.Companies, &doc.Company)
		}
	}
	if db.Config == nil {
		return nil, WithContext(ErrNotFound, map[string]interface{}{
			"db":     s.client.db,
			"reason": "no config document, database is not initialized",
		})
	}
	// Document ids are hashes; creation order keeps interaction ordinals
	// stable as companies are added.
	sort.SliceStable(db.Companies, func(i, j int) bool {
		return db.Companies[i].CreatedAt < db.Companies[j].CreatedAt
	})
	return NormalizeDatabase(db), nil
}

func (s *CouchSession) findCompanyDoc(ctx context.Context, name string) (*companyDoc, error) {
	if name == "" {
		return nil, nil
	}
	rows, err := s.client.viewKey(ctx, viewByName, nameKey(name))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return decodeCompanyDoc(rows[0].Doc)
}

func (s *CouchSession) AddCompany(ctx context.Context, company *Company) (*Company, error) {
	if company == nil || strings.TrimSpace(company.Name) == "" {
		return nil, NewBusinessError(MsgMissingName, ErrInvalidData)
	}
	existing, err := s.findCompanyDoc(ctx, company.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewBusinessError(MsgCompanyExists, ErrAlreadyExists)
	}

	doc := companyDoc{ID: CouchDocumentID(company.Name), Company: *CloneCompany(company)}
	now := Timestamp(s.now())
	doc.CreatedAt = now
	doc.UpdatedAt = now
	err = s.client.do(ctx, http.MethodPut, url.PathEscape(doc.ID), nil, doc, nil)
	if IsConflict(err) {
		return nil, NewBusinessError(MsgCompanyExists, ErrAlreadyExists)
	}
	if err != nil {
		return nil, err
	}
	return &doc.Company, nil
}

func (s *CouchSession) UpdateCompany(ctx context.Context, name string, update CompanyUpdate) (*Company, error) {
	doc, err := s.findCompanyDoc(ctx, name)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, NewBusinessError(MsgCompanyNotFound, ErrNotFound)
	}
	if update.renames(name) {
		return nil, NewBusinessError(MsgIncorrectName, ErrInvalidData)
	}

	update.apply(&doc.Company)
	normalizeCompany(&doc.Company)
	doc.UpdatedAt = Timestamp(s.now())
	err = s.client.do(ctx, http.MethodPut, url.PathEscape(doc.ID), nil, doc, nil)
	if IsConflict(err) {
		return nil, NewBusinessError(MsgRevisionConflict, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return &doc.Company, nil
}

func (s *CouchSession) FindCompanyByName(ctx context.Context, name string) (*Company, error) {
	doc, err := s.findCompanyDoc(ctx, name)
	if err != nil || doc == nil {
		return nil, err
	}
	return &doc.Company, nil
}

func (s *CouchSession) FindAppByName(ctx context.Context, appName string) (*CompanyApp, error) {
	return s.findApp(ctx, viewByAppName, appName, func(a *App) string { return a.AppName })
}

func (s *CouchSession) FindAppByEmail(ctx context.Context, email string) (*CompanyApp, error) {
	return s.findApp(ctx, viewByEmail, email, func(a *App) string { return a.Email })
}

func (s *CouchSession) findApp(ctx context.Context, view, key string, field func(*App) string) (*CompanyApp, error) {
	if key == "" {
		return nil, nil
	}
	rows, err := s.client.viewKey(ctx, view, strings.ToLower(key))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		doc, err := decodeCompanyDoc(row.Doc)
		if err != nil {
			return nil, err
		}
		company := &doc.Company
		for i := range company.Apps {
			if strings.EqualFold(field(&company.Apps[i]), key) {
				return &CompanyApp{Company: company, App: &company.Apps[i]}, nil
			}
		}
	}
	return nil, nil
}

func (s *CouchSession) FindContactByEmail(ctx context.Context, email string) (*CompanyContact, error) {
	if email == "" {
		return nil, nil
	}
	rows, err := s.client.viewKey(ctx, viewByEmail, strings.ToLower(email))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		doc, err := decodeCompanyDoc(row.Doc)
		if err != nil {
			return nil, err
		}
		company := &doc.Company
		for i := range company.Contacts {
			if strings.EqualFold(company.Contacts[i].Email, email) {
				return &CompanyContact{Company: company, Contact: &company.Contacts[i]}, nil
			}
		}
	}
	return nil, nil
}

func (s *CouchSession) FindFollowups(ctx context.Context, start, end string) ([]Followup, error) {
	startKey, _ := json.Marshal(dateKey(start))
	endKey, _ := json.Marshal(dateKey(end) + "Z")
	rows, err := s.client.view(ctx, viewByFollowupDate, url.Values{
		"start_key": {string(startKey)},
		"end_key":   {string(endKey)},
	})
	if err != nil {
		return nil, err
	}

	out := []Followup{}
	for _, row := range rows {
		var index int
		if err := json.Unmarshal(row.Value, &index); err != nil {
			return nil, fmt.Errorf("%w: follow-up index: %v", ErrInvalidData, err)
		}
		doc, err := decodeCompanyDoc(row.Doc)
		if err != nil {
			return nil, err
		}
		if doc.NoFollowUp || index < 0 || index >= len(doc.Interactions) {
			continue
		}
		out = append(out, Followup{Interaction: doc.Interactions[index], Company: doc.Name, Index: index})
	}
	return out, nil
}

func (s *CouchSession) SearchCompanies(ctx context.Context, filter string) ([]*Company, error) {
	rows, err := s.client.view(ctx, viewByName, nil)
	if err != nil {
		return nil, err
	}
	companies := make([]*Company, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeCompanyDoc(row.Doc)
		if err != nil {
			return nil, err
		}
		companies = append(companies, &doc.Company)
	}
	return FilterCompanies(companies, filter), nil
}

func (s *CouchSession) loadConfigDoc(ctx context.Context) (*configDoc, error) {
	var doc configDoc
	if err := s.client.do(ctx, http.MethodGet, couchConfigID, nil, nil, &doc); err != nil {
		return nil, err
	}
	NormalizeConfig(&doc.Config)
	return &doc, nil
}

func (s *CouchSession) LoadConfig(ctx context.Context) (*Config, error) {
	doc, err := s.loadConfigDoc(ctx)
	if err != nil {
		return nil, err
	}
	return &doc.Config, nil
}

func (s *CouchSession) UpdateConfig(ctx context.Context, update ConfigUpdate) (*Config, error) {
	doc, err := s.loadConfigDoc(ctx)
	if err != nil {
		return nil, err
	}
	update.apply(&doc.Config)
	err = s.client.do(ctx, http.MethodPut, couchConfigID, nil, doc, nil)
	if errors.Is(err, ErrConflict) {
		return nil, NewBusinessError(MsgRevisionConflict, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return &doc.Config, nil
}

// Close is a no-op: every write is already a committed document PUT.
func (s *CouchSession) Close(ctx context.Context) error {
	return nil
}

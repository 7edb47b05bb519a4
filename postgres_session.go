package crmbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresAdapter stores each company as a JSONB row keyed by its
// lowercased name, plus a single config row. Row position keeps creation
// order.
type PostgresAdapter struct {
	pool  *pgxpool.Pool
	table string
	opts  options
}

// NewPostgresAdapter connects to the database at rawURL. The query
// parameter "table" selects the companies table (default crm_companies);
// the config table is the same name with a _config suffix.
func NewPostgresAdapter(ctx context.Context, rawURL string, opts ...Option) (*PostgresAdapter, error) {
	connURL, table, err := splitTableParam(rawURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"url":    redactURL(rawURL),
			"reason": err.Error(),
		})
	}
	return &PostgresAdapter{pool: pool, table: table, opts: buildOptions(opts)}, nil
}

func splitTableParam(rawURL string) (string, string, error) {
	base, query, _ := strings.Cut(rawURL, "?")
	table := DefaultPostgresTable
	var keep []string
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		if v, ok := strings.CutPrefix(kv, "table="); ok {
			table = v
			continue
		}
		keep = append(keep, kv)
	}
	if !tableNamePattern.MatchString(table) {
		return "", "", WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "table",
			"value":  table,
			"reason": "must be a lowercase SQL identifier",
		})
	}
	if len(keep) > 0 {
		base += "?" + strings.Join(keep, "&")
	}
	return base, table, nil
}

func (a *PostgresAdapter) configTable() string {
	return a.table + "_config"
}

func (a *PostgresAdapter) migrate(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			position BIGSERIAL,
			name_key TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id INT PRIMARY KEY,
			doc JSONB NOT NULL
		);`, a.table, a.configTable()))
	return err
}

// Create replaces the contents of both tables with initial.
func (a *PostgresAdapter) Create(ctx context.Context, initial *Database) error {
	initial = NormalizeDatabase(initial)
	if err := a.migrate(ctx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	cfg, err := json.Marshal(initial.Config)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %s, %s`, a.table, a.configTable())); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (1, $1)`, a.configTable()), cfg); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, company := range initial.Companies {
			doc, err := json.Marshal(company)
			if err != nil {
				return err
			}
			batch.Queue(fmt.Sprintf(`INSERT INTO %s (name_key, doc) VALUES ($1, $2)`, a.table), nameKey(company.Name), doc)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres database: %w", err)
	}
	a.opts.logger.Info("postgres database created", "table", a.table, "companies", len(initial.Companies))
	return nil
}

// Open starts a session, creating the tables and default config on first use.
func (a *PostgresAdapter) Open(ctx context.Context) (Session, error) {
	if err := a.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	cfg, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	_, err = a.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`, a.configTable()), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return a.opts.wrapCache(&PostgresSession{adapter: a, now: time.Now}), nil
}

func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"backend": "postgres",
			"reason":  err.Error(),
		})
	}
	return nil
}

func (a *PostgresAdapter) Close() error {
	a.pool.Close()
	return nil
}

// PostgresSession implements Session on a PostgresAdapter. Each write is its
// own statement; Close has nothing to flush.
type PostgresSession struct {
	adapter *PostgresAdapter
	now     func() time.Time
}

func (s *PostgresSession) queryCompanies(ctx context.Context, where string, args ...interface{}) ([]*Company, error) {
	sql := fmt.Sprintf(`SELECT doc FROM %s %s ORDER BY position`, s.adapter.table, where)
	rows, err := s.adapter.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]*Company, 0, len(docs))
	for _, doc := range docs {
		company, err := decodeCompany(string(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, company)
	}
	return out, nil
}

func (s *PostgresSession) Dump(ctx context.Context) (*Database, error) {
	companies, err := s.queryCompanies(ctx, "")
	if err != nil {
		return nil, err
	}
	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NormalizeDatabase(&Database{Companies: companies, Config: cfg}), nil
}

func (s *PostgresSession) AddCompany(ctx context.Context, company *Company) (*Company, error) {
	if company == nil || strings.TrimSpace(company.Name) == "" {
		return nil, NewBusinessError(MsgMissingName, ErrInvalidData)
	}
	stored := CloneCompany(company)
	now := Timestamp(s.now())
	stored.CreatedAt = now
	stored.UpdatedAt = now
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.adapter.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (name_key, doc) VALUES ($1, $2)`, s.adapter.table),
		nameKey(stored.Name), doc)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, NewBusinessError(MsgCompanyExists, ErrAlreadyExists)
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresSession) UpdateCompany(ctx context.Context, name string, update CompanyUpdate) (*Company, error) {
	var updated *Company
	err := pgx.BeginFunc(ctx, s.adapter.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT doc FROM %s WHERE name_key = $1 FOR UPDATE`, s.adapter.table),
			nameKey(name)).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return NewBusinessError(MsgCompanyNotFound, ErrNotFound)
		}
		if err != nil {
			return err
		}
		company, err := decodeCompany(string(doc))
		if err != nil {
			return err
		}
		if update.renames(name) {
			return NewBusinessError(MsgIncorrectName, ErrInvalidData)
		}

		update.apply(company)
		normalizeCompany(company)
		company.UpdatedAt = Timestamp(s.now())
		data, err := json.Marshal(company)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET doc = $2 WHERE name_key = $1`, s.adapter.table),
			nameKey(name), data)
		updated = company
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresSession) FindCompanyByName(ctx context.Context, name string) (*Company, error) {
	if name == "" {
		return nil, nil
	}
	companies, err := s.queryCompanies(ctx, "WHERE name_key = $1", nameKey(name))
	if err != nil || len(companies) == 0 {
		return nil, err
	}
	return companies[0], nil
}

// childMatch selects companies owning an element of the JSON array field
// whose property equals the argument, ignoring case.
func childMatch(field, property string) string {
	return fmt.Sprintf(`WHERE EXISTS (
		SELECT 1 FROM jsonb_array_elements(COALESCE(doc->'%s', '[]'::jsonb)) AS e
		WHERE lower(e->>'%s') = lower($1))`, field, property)
}

func (s *PostgresSession) FindAppByName(ctx context.Context, appName string) (*CompanyApp, error) {
	if appName == "" {
		return nil, nil
	}
	return s.findApp(ctx, childMatch("apps", "appName"), appName, func(a *App) string { return a.AppName })
}

func (s *PostgresSession) FindAppByEmail(ctx context.Context, email string) (*CompanyApp, error) {
	if email == "" {
		return nil, nil
	}
	return s.findApp(ctx, childMatch("apps", "email"), email, func(a *App) string { return a.Email })
}

func (s *PostgresSession) findApp(ctx context.Context, where, key string, field func(*App) string) (*CompanyApp, error) {
	companies, err := s.queryCompanies(ctx, where, key)
	if err != nil {
		return nil, err
	}
	for _, c := range companies {
		for i := range c.Apps {
			if strings.EqualFold(field(&c.Apps[i]), key) {
				return &CompanyApp{Company: c, App: &c.Apps[i]}, nil
			}
		}
	}
	return nil, nil
}

func (s *PostgresSession) FindContactByEmail(ctx context.Context, email string) (*CompanyContact, error) {
	if email == "" {
		return nil, nil
	}
	companies, err := s.queryCompanies(ctx, childMatch("contacts", "email"), email)
	if err != nil {
		return nil, err
	}
	for _, c := range companies {
		for i := range c.Contacts {
			if strings.EqualFold(c.Contacts[i].Email, email) {
				return &CompanyContact{Company: c, Contact: &c.Contacts[i]}, nil
			}
		}
	}
	return nil, nil
}

func (s *PostgresSession) FindFollowups(ctx context.Context, start, end string) ([]Followup, error) {
	companies, err := s.queryCompanies(ctx, `WHERE NOT COALESCE((doc->>'noFollowUp')::boolean, false)
		AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(COALESCE(doc->'interactions', '[]'::jsonb)) AS i
			WHERE i->>'followUpDate' BETWEEN $1 AND $2)`,
		dateKey(start), dateKey(end)+"Z")
	if err != nil {
		return nil, err
	}
	return collectFollowups(companies, start, end), nil
}

func (s *PostgresSession) SearchCompanies(ctx context.Context, filter string) ([]*Company, error) {
	companies, err := s.queryCompanies(ctx, "")
	if err != nil {
		return nil, err
	}
	return FilterCompanies(companies, filter), nil
}

func (s *PostgresSession) LoadConfig(ctx context.Context) (*Config, error) {
	var doc []byte
	err := s.adapter.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = 1`, s.adapter.configTable())).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("%w: config: %v", ErrInvalidData, err)
	}
	return NormalizeConfig(&cfg), nil
}

func (s *PostgresSession) UpdateConfig(ctx context.Context, update ConfigUpdate) (*Config, error) {
	var cfg *Config
	err := pgx.BeginFunc(ctx, s.adapter.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT doc FROM %s WHERE id = 1 FOR UPDATE`, s.adapter.configTable())).Scan(&doc)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			cfg = DefaultConfig()
		case err != nil:
			return err
		default:
			cfg = &Config{}
			if err := json.Unmarshal(doc, cfg); err != nil {
				return fmt.Errorf("%w: config: %v", ErrInvalidData, err)
			}
			NormalizeConfig(cfg)
		}
		update.apply(cfg)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, s.adapter.configTable()), data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *PostgresSession) Close(ctx context.Context) error {
	return nil
}

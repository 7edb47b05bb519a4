package crmbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout, every key under the adapter prefix:
//
//	{p}:config              string, config JSON
//	{p}:companies           hash, lowercased name -> company JSON
//	{p}:order               list, lowercased names in creation order
//	{p}:idx:app:{name}      set of company keys owning the app
//	{p}:idx:email:{email}   set of company keys with the contact or app email
//	{p}:idx:followups       sorted set, members "date\x00company\x00index"
//
// Company creation claims the hash field with HSETNX, so a duplicate name
// loses atomically.
type redisKeys struct {
	prefix string
}

func (k redisKeys) config() string { return k.prefix + ":config" }
func (k redisKeys) companies() string { return k.prefix + ":companies" }
func (k redisKeys) order() string { return k.prefix + ":order" }
func (k redisKeys) followups() string { return k.prefix + ":idx:followups" }
func (k redisKeys) app(name string) string {
	return k.prefix + ":idx:app:" + strings.ToLower(name)
}
func (k redisKeys) email(email string) string {
	return k.prefix + ":idx:email:" + strings.ToLower(email)
}

const followupSep = "\x00"

func followupMember(date, companyKey string, index int) string {
	return date + followupSep + companyKey + followupSep + strconv.Itoa(index)
}

func parseFollowupMember(member string) (companyKey string, index int, ok bool) {
	parts := strings.Split(member, followupSep)
	if len(parts) != 3 {
		return "", 0, false
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, false
	}
	return parts[1], index, true
}

// RedisAdapter stores the database in Redis with secondary index sets.
type RedisAdapter struct {
	client  *redis.Client
	keys    redisKeys
	breaker *CircuitBreaker
	opts    options
}

// NewRedisAdapter creates an adapter over client using keys under prefix.
func NewRedisAdapter(client *redis.Client, prefix string, opts ...Option) *RedisAdapter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	o := buildOptions(opts)
	a := &RedisAdapter{client: client, keys: redisKeys{prefix: prefix}, opts: o}
	a.breaker = NewCircuitBreaker(DefaultBreakerConfig()).OnStateChange(func(from, to BreakerState) {
		o.logger.Warn("redis breaker state changed", "from", string(from), "to", string(to))
		o.metrics.Increment(MetricBreakerState, "from", string(from), "to", string(to))
	})
	return a
}

// NewRedisAdapterFromURL connects to the Redis server named by rawURL.
func NewRedisAdapterFromURL(rawURL string, opts ...Option) (*RedisAdapter, error) {
	redisOpts, prefix, err := RedisOptionsFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	return NewRedisAdapter(redis.NewClient(redisOpts), prefix, opts...), nil
}

// Create replaces every key under the prefix with initial.
func (a *RedisAdapter) Create(ctx context.Context, initial *Database) error {
	initial = NormalizeDatabase(initial)

	var stale []string
	iter := a.client.Scan(ctx, 0, a.keys.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		stale = append(stale, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan redis keys: %w", err)
	}

	cfg, err := json.Marshal(initial.Config)
	if err != nil {
		return err
	}
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		pipe.Set(ctx, a.keys.config(), cfg, 0)
		for _, company := range initial.Companies {
			data, err := json.Marshal(company)
			if err != nil {
				return err
			}
			key := nameKey(company.Name)
			pipe.HSet(ctx, a.keys.companies(), key, data)
			pipe.RPush(ctx, a.keys.order(), key)
			a.index(ctx, pipe, key, company)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create redis database: %w", err)
	}
	a.opts.logger.Info("redis database created", "prefix", a.keys.prefix, "companies", len(initial.Companies))
	return nil
}

// Open starts a session. A prefix without a config is initialized with the
// default config.
func (a *RedisAdapter) Open(ctx context.Context) (Session, error) {
	cfg, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	err = a.breaker.Execute(ctx, func() error {
		return a.client.SetNX(ctx, a.keys.config(), cfg, 0).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open redis database: %w", err)
	}
	return a.opts.wrapCache(&RedisSession{adapter: a, now: time.Now}), nil
}

func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.breaker.Execute(ctx, func() error {
		if err := a.client.Ping(ctx).Err(); err != nil {
			return WithContext(ErrBackendUnavailable, map[string]interface{}{
				"backend": "redis",
				"reason":  err.Error(),
			})
		}
		return nil
	})
}

func (a *RedisAdapter) Close() error {
	return a.client.Close()
}

// index queues the secondary index entries of company.
func (a *RedisAdapter) index(ctx context.Context, pipe redis.Pipeliner, key string, company *Company) {
	for _, app := range company.Apps {
		if app.AppName != "" {
			pipe.SAdd(ctx, a.keys.app(app.AppName), key)
		}
		if app.Email != "" {
			pipe.SAdd(ctx, a.keys.email(app.Email), key)
		}
	}
	for _, contact := range company.Contacts {
		if contact.Email != "" {
			pipe.SAdd(ctx, a.keys.email(contact.Email), key)
		}
	}
	if company.NoFollowUp {
		return
	}
	for i, in := range company.Interactions {
		if in.FollowUpDate != "" {
			pipe.ZAdd(ctx, a.keys.followups(), redis.Z{Member: followupMember(in.FollowUpDate, key, i)})
		}
	}
}

// unindex queues the removal of the index entries of company.
func (a *RedisAdapter) unindex(ctx context.Context, pipe redis.Pipeliner, key string, company *Company) {
	for _, app := range company.Apps {
		if app.AppName != "" {
			pipe.SRem(ctx, a.keys.app(app.AppName), key)
		}
		if app.Email != "" {
			pipe.SRem(ctx, a.keys.email(app.Email), key)
		}
	}
	for _, contact := range company.Contacts {
		if contact.Email != "" {
			pipe.SRem(ctx, a.keys.email(contact.Email), key)
		}
	}
	for i, in := range company.Interactions {
		if in.FollowUpDate != "" {
			pipe.ZRem(ctx, a.keys.followups(), followupMember(in.FollowUpDate, key, i))
		}
	}
}

// RedisSession implements Session on a RedisAdapter. Every write is applied
// immediately; Close has nothing to flush.
type RedisSession struct {
	adapter *RedisAdapter
	now     func() time.Time
}

func (s *RedisSession) exec(ctx context.Context, fn func() error) error {
	return s.adapter.breaker.Execute(ctx, fn)
}

func (s *RedisSession) Dump(ctx context.Context) (*Database, error) {
	keys := s.adapter.keys
	var (
		order   []string
		rawCfg  string
		rawDocs []interface{}
	)
	err := s.exec(ctx, func() error {
		var err error
		if order, err = s.adapter.client.LRange(ctx, keys.order(), 0, -1).Result(); err != nil {
			return err
		}
		rawCfg, err = s.adapter.client.Get(ctx, keys.config()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(order) == 0 {
			return nil
		}
		rawDocs, err = s.adapter.client.HMGet(ctx, keys.companies(), order...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	db := &Database{Companies: make([]*Company, 0, len(order))}
	if rawCfg != "" {
		var cfg Config
		if err := json.Unmarshal([]byte(rawCfg), &cfg); err != nil {
			return nil, fmt.Errorf("%w: config: %v", ErrInvalidData, err)
		}
		db.Config = &cfg
	}
	for _, raw := range rawDocs {
		doc, ok := raw.(string)
		if !ok {
			continue
		}
		company, err := decodeCompany(doc)
		if err != nil {
			return nil, err
		}
		db.Companies = append(db.Companies, company)
	}
	return NormalizeDatabase(db), nil
}

func decodeCompany(doc string) (*Company, error) {
	var company Company
	if err := json.Unmarshal([]byte(doc), &company); err != nil {
		return nil, fmt.Errorf("%w: company: %v", ErrInvalidData, err)
	}
	normalizeCompany(&company)
	return &company, nil
}

// getCompany reads one company by key. A missing company is nil, nil.
func (s *RedisSession) getCompany(ctx context.Context, key string) (*Company, error) {
	var doc string
	err := s.exec(ctx, func() error {
		var err error
		doc, err = s.adapter.client.HGet(ctx, s.adapter.keys.companies(), key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil || doc == "" {
		return nil, err
	}
	return decodeCompany(doc)
}

func (s *RedisSession) AddCompany(ctx context.Context, company *Company) (*Company, error) {
	if company == nil || strings.TrimSpace(company.Name) == "" {
		return nil, NewBusinessError(MsgMissingName, ErrInvalidData)
	}
	a := s.adapter
	stored := CloneCompany(company)
	now := Timestamp(s.now())
	stored.CreatedAt = now
	stored.UpdatedAt = now
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	key := nameKey(stored.Name)
	var claimed bool
	err = s.exec(ctx, func() error {
		var err error
		claimed, err = a.client.HSetNX(ctx, a.keys.companies(), key, data).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis error claiming company %q: %w", stored.Name, err)
	}
	if !claimed {
		return nil, NewBusinessError(MsgCompanyExists, ErrAlreadyExists)
	}

	err = s.exec(ctx, func() error {
		_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, a.keys.order(), key)
			a.index(ctx, pipe, key, stored)
			return nil
		})
		return err
	})
	if err != nil {
		// Release the claim so the name can be added again.
		if delErr := a.client.HDel(context.WithoutCancel(ctx), a.keys.companies(), key).Err(); delErr != nil {
			a.opts.logger.Error("failed to release company claim", "company", stored.Name, "error", delErr)
		}
		return nil, fmt.Errorf("failed to index company %q: %w", stored.Name, err)
	}
	return stored, nil
}

func (s *RedisSession) UpdateCompany(ctx context.Context, name string, update CompanyUpdate) (*Company, error) {
	a := s.adapter
	key := nameKey(name)
	old, err := s.getCompany(ctx, key)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, NewBusinessError(MsgCompanyNotFound, ErrNotFound)
	}
	if update.renames(name) {
		return nil, NewBusinessError(MsgIncorrectName, ErrInvalidData)
	}

	updated := CloneCompany(old)
	update.apply(updated)
	normalizeCompany(updated)
	updated.UpdatedAt = Timestamp(s.now())
	data, err := json.Marshal(updated)
	if err != nil {
		return nil, err
	}

	err = s.exec(ctx, func() error {
		_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			a.unindex(ctx, pipe, key, old)
			pipe.HSet(ctx, a.keys.companies(), key, data)
			a.index(ctx, pipe, key, updated)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update company %q: %w", name, err)
	}
	return updated, nil
}

func (s *RedisSession) FindCompanyByName(ctx context.Context, name string) (*Company, error) {
	if name == "" {
		return nil, nil
	}
	return s.getCompany(ctx, nameKey(name))
}

// indexed returns the companies listed in the index set at setKey.
func (s *RedisSession) indexed(ctx context.Context, setKey string) ([]*Company, error) {
	var members []string
	err := s.exec(ctx, func() error {
		var err error
		members, err = s.adapter.client.SMembers(ctx, setKey).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	var out []*Company
	for _, key := range members {
		company, err := s.getCompany(ctx, key)
		if err != nil {
			return nil, err
		}
		if company != nil {
			out = append(out, company)
		}
	}
	return out, nil
}

func (s *RedisSession) FindAppByName(ctx context.Context, appName string) (*CompanyApp, error) {
	if appName == "" {
		return nil, nil
	}
	return s.findApp(ctx, s.adapter.keys.app(appName), func(a *App) bool { return strings.EqualFold(a.AppName, appName) })
}

func (s *RedisSession) FindAppByEmail(ctx context.Context, email string) (*CompanyApp, error) {
	if email == "" {
		return nil, nil
	}
	return s.findApp(ctx, s.adapter.keys.email(email), func(a *App) bool { return strings.EqualFold(a.Email, email) })
}

func (s *RedisSession) findApp(ctx context.Context, setKey string, match func(*App) bool) (*CompanyApp, error) {
	companies, err := s.indexed(ctx, setKey)
	if err != nil {
		return nil, err
	}
	for _, c := range companies {
		for i := range c.Apps {
			if match(&c.Apps[i]) {
				return &CompanyApp{Company: c, App: &c.Apps[i]}, nil
			}
		}
	}
	return nil, nil
}

func (s *RedisSession) FindContactByEmail(ctx context.Context, email string) (*CompanyContact, error) {
	if email == "" {
		return nil, nil
	}
	companies, err := s.indexed(ctx, s.adapter.keys.email(email))
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

func (s *RedisSession) FindFollowups(ctx context.Context, start, end string) ([]Followup, error) {
	var members []string
	err := s.exec(ctx, func() error {
		var err error
		members, err = s.adapter.client.ZRangeByLex(ctx, s.adapter.keys.followups(), &redis.ZRangeBy{
			Min: "[" + dateKey(start),
			Max: "[" + dateKey(end) + "Z",
		}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := []Followup{}
	loaded := map[string]*Company{}
	for _, member := range members {
		key, index, ok := parseFollowupMember(member)
		if !ok {
			continue
		}
		company, seen := loaded[key]
		if !seen {
			if company, err = s.getCompany(ctx, key); err != nil {
				return nil, err
			}
			loaded[key] = company
		}
		if company == nil || company.NoFollowUp || index >= len(company.Interactions) {
			continue
		}
		out = append(out, Followup{Interaction: company.Interactions[index], Company: company.Name, Index: index})
	}
	return out, nil
}

func (s *RedisSession) SearchCompanies(ctx context.Context, filter string) ([]*Company, error) {
	db, err := s.Dump(ctx)
	if err != nil {
		return nil, err
	}
	return FilterCompanies(db.Companies, filter), nil
}

func (s *RedisSession) LoadConfig(ctx context.Context) (*Config, error) {
	var raw string
	err := s.exec(ctx, func() error {
		var err error
		raw, err = s.adapter.client.Get(ctx, s.adapter.keys.config()).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return DefaultConfig(), nil
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%w: config: %v", ErrInvalidData, err)
	}
	return NormalizeConfig(&cfg), nil
}

func (s *RedisSession) UpdateConfig(ctx context.Context, update ConfigUpdate) (*Config, error) {
	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	update.apply(cfg)
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	err = s.exec(ctx, func() error {
		return s.adapter.client.Set(ctx, s.adapter.keys.config(), data, 0).Err()
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *RedisSession) Close(ctx context.Context) error {
	return nil
}

package crmbase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timestampLayout matches the millisecond ISO-8601 form used in stored data.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats t the way every createdAt/updatedAt field is stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// DefaultConfig returns the configuration of a freshly created database.
func DefaultConfig() *Config {
	return &Config{
		SubscriptionPlans: []string{"free", "silver", "gold"},
		Staff:             map[string]string{},
		Interactions:      defaultInteractionSettings(),
	}
}

func defaultInteractionSettings() *InteractionSettings {
	return &InteractionSettings{
		Kinds: []string{"email", "github", "contact-form", "phone", "real-life", "linkedin", "none"},
		Tags:  []string{"registration", "subscription", "bug", "question"},
	}
}

// EmptyDatabase returns a database with no companies and the default config.
func EmptyDatabase() *Database {
	return &Database{
		Companies: []*Company{},
		Config:    DefaultConfig(),
	}
}

// NormalizeDatabase fills in whatever a loaded database is missing. Each
// config sub-field is defaulted on its own so partially present configs keep
// what they have. Every backend runs loaded data through here.
func NormalizeDatabase(db *Database) *Database {
	if db == nil {
		return EmptyDatabase()
	}
	if db.Companies == nil {
		db.Companies = []*Company{}
	}
	kept := db.Companies[:0]
	for _, c := range db.Companies {
		if c == nil {
			continue
		}
		normalizeCompany(c)
		kept = append(kept, c)
	}
	db.Companies = kept
	db.Config = NormalizeConfig(db.Config)
	return db
}

// NormalizeConfig defaults each missing config sub-field independently.
func NormalizeConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	if cfg.SubscriptionPlans == nil {
		cfg.SubscriptionPlans = DefaultConfig().SubscriptionPlans
	}
	if cfg.Staff == nil {
		cfg.Staff = map[string]string{}
	}
	if cfg.Interactions == nil {
		cfg.Interactions = defaultInteractionSettings()
	}
	return cfg
}

func normalizeCompany(c *Company) {
	if c.Contacts == nil {
		c.Contacts = []Contact{}
	}
	if c.Apps == nil {
		c.Apps = []App{}
	}
	if c.Interactions == nil {
		c.Interactions = []Interaction{}
	}
}

// ParseDatabase decodes stored JSON. A bare array is the legacy layout and
// is wrapped as the companies of a database with default config.
func ParseDatabase(data []byte) (*Database, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "empty database document",
		})
	}

	if trimmed[0] == '[' {
		var companies []*Company
		if err := json.Unmarshal(trimmed, &companies); err != nil {
			return nil, fmt.Errorf("%w: legacy company list: %v", ErrInvalidData, err)
		}
		return NormalizeDatabase(&Database{Companies: companies}), nil
	}

	var db Database
	if err := json.Unmarshal(trimmed, &db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return NormalizeDatabase(&db), nil
}

// MarshalDatabase encodes db the way it is written to storage: pretty
// printed with a four-space indent.
func MarshalDatabase(db *Database) ([]byte, error) {
	return json.MarshalIndent(db, "", "    ")
}

// CloneCompany returns a deep copy of c.
func CloneCompany(c *Company) *Company {
	if c == nil {
		return nil
	}
	out := *c
	out.Contacts = append([]Contact(nil), c.Contacts...)
	out.Apps = append([]App(nil), c.Apps...)
	out.Interactions = append([]Interaction(nil), c.Interactions...)
	normalizeCompany(&out)
	return &out
}

// CloneConfig returns a deep copy of cfg.
func CloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.SubscriptionPlans = append([]string(nil), cfg.SubscriptionPlans...)
	out.Staff = make(map[string]string, len(cfg.Staff))
	for k, v := range cfg.Staff {
		out.Staff[k] = v
	}
	if cfg.Interactions != nil {
		settings := InteractionSettings{
			Kinds: append([]string(nil), cfg.Interactions.Kinds...),
			Tags:  append([]string(nil), cfg.Interactions.Tags...),
		}
		out.Interactions = &settings
	}
	out.Templates = append([]TemplateEmail(nil), cfg.Templates...)
	return &out
}

// sameName is the company key comparison.
func sameName(a, b string) bool {
	return strings.EqualFold(a, b)
}

// nameKey is the canonical form of a company name used by keyed backends.
func nameKey(name string) string {
	return strings.ToLower(name)
}

// dateKey reduces an ISO date or timestamp to its day.
func dateKey(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// inFollowupRange reports whether date falls on or between the days of start
// and end. The upper bound uses "Z" so any time of day on the end date sorts
// inside it.
func inFollowupRange(date, start, end string) bool {
	if date == "" {
		return false
	}
	return date >= dateKey(start) && date <= dateKey(end)+"Z"
}

package crmbase

// Database is the root aggregate persisted by every backend as one unit.
type Database struct {
	Companies []*Company `json:"companies"`
	Config    *Config    `json:"config"`
}

// Company is unique by name, compared case-insensitively. It owns its
// contacts, apps and interactions.
type Company struct {
	Name         string        `json:"name"`
	Address      string        `json:"address,omitempty"`
	URL          string        `json:"url,omitempty"`
	NoFollowUp   bool          `json:"noFollowUp,omitempty"`
	CreatedAt    string        `json:"createdAt,omitempty"`
	UpdatedAt    string        `json:"updatedAt,omitempty"`
	Contacts     []Contact     `json:"contacts"`
	Apps         []App         `json:"apps"`
	Interactions []Interaction `json:"interactions"`
}

// Contact is unique by email across the whole database.
type Contact struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Role      string `json:"role,omitempty"`
	LinkedIn  string `json:"linkedin,omitempty"`
	GitHub    string `json:"github,omitempty"`
	URL       string `json:"url,omitempty"`
	Twitter   string `json:"twitter,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// App is unique by app name across the whole database. Email refers to the
// owning contact but is not enforced.
type App struct {
	AppName    string `json:"appName"`
	Email      string `json:"email,omitempty"`
	Plan       string `json:"plan,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
	UpgradedAt string `json:"upgradedAt,omitempty"`
	ChurnedAt  string `json:"churnedAt,omitempty"`
}

// Interaction is a logged touchpoint. It has no stored identifier; see
// FindInteraction for the ordinal numbering.
type Interaction struct {
	Kind         string `json:"kind,omitempty"`
	Tag          string `json:"tag,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Summary      string `json:"summary,omitempty"`
	Date         string `json:"date,omitempty"`
	FollowUpDate string `json:"followUpDate,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// Config is the singleton configuration owned by a Database.
type Config struct {
	SubscriptionPlans []string             `json:"subscriptionPlans"`
	Staff             map[string]string    `json:"staff"`
	Interactions      *InteractionSettings `json:"interactions"`
	Templates         []TemplateEmail      `json:"templates,omitempty"`
}

// InteractionSettings lists the allowed interaction kinds and tags.
type InteractionSettings struct {
	Kinds []string `json:"kinds,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// TemplateEmail is a named email template with placeholder support.
type TemplateEmail struct {
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// CompanyContact is a contact together with its owning company.
type CompanyContact struct {
	Company *Company
	Contact *Contact
}

// CompanyApp is an app together with its owning company.
type CompanyApp struct {
	Company *Company
	App     *App
}

// CompanyInteraction is an interaction with its owning company and its
// position inside that company's interactions.
type CompanyInteraction struct {
	Company     *Company
	Interaction *Interaction
	Index       int
}

// Followup is an interaction due for follow-up, annotated with the name of
// the company that owns it.
type Followup struct {
	Interaction
	Company string `json:"company"`
	Index   int    `json:"index"`
}

// InteractionRow is one line of the interactions report. Rows for logged
// interactions carry the ordinal FindInteraction accepts; rows for app
// lifecycle events have Kind "system" and ID 0.
type InteractionRow struct {
	ID       int    `json:"id,omitempty"`
	Company  string `json:"company"`
	Kind     string `json:"kind"`
	Date     string `json:"date"`
	From     string `json:"from"`
	Summary  string `json:"summary"`
	FollowUp string `json:"followup"`
}

// CompanyUpdate holds the attributes of a partial company update. Nil fields
// are left untouched.
type CompanyUpdate struct {
	Name         *string       `json:"name,omitempty"`
	Address      *string       `json:"address,omitempty"`
	URL          *string       `json:"url,omitempty"`
	NoFollowUp   *bool         `json:"noFollowUp,omitempty"`
	Contacts     []Contact     `json:"contacts,omitempty"`
	Apps         []App         `json:"apps,omitempty"`
	Interactions []Interaction `json:"interactions,omitempty"`
}

// apply merges u over c. The name is never changed here; callers reject
// mismatching names before applying.
func (u CompanyUpdate) apply(c *Company) {
	if u.Address != nil {
		c.Address = *u.Address
	}
	if u.URL != nil {
		c.URL = *u.URL
	}
	if u.NoFollowUp != nil {
		c.NoFollowUp = *u.NoFollowUp
	}
	if u.Contacts != nil {
		c.Contacts = u.Contacts
	}
	if u.Apps != nil {
		c.Apps = u.Apps
	}
	if u.Interactions != nil {
		c.Interactions = u.Interactions
	}
}

// renames reports whether the update carries a name different from name.
func (u CompanyUpdate) renames(name string) bool {
	return u.Name != nil && *u.Name != name
}

// ConfigUpdate holds the attributes of a partial config update. Nil fields are
// left untouched; present fields replace the stored value.
type ConfigUpdate struct {
	SubscriptionPlans []string             `json:"subscriptionPlans,omitempty"`
	Staff             map[string]string    `json:"staff,omitempty"`
	Interactions      *InteractionSettings `json:"interactions,omitempty"`
	Templates         []TemplateEmail      `json:"templates,omitempty"`
}

func (u ConfigUpdate) apply(c *Config) {
	if u.SubscriptionPlans != nil {
		c.SubscriptionPlans = u.SubscriptionPlans
	}
	if u.Staff != nil {
		c.Staff = u.Staff
	}
	if u.Interactions != nil {
		c.Interactions = u.Interactions
	}
	if u.Templates != nil {
		c.Templates = u.Templates
	}
}

// ContactUpdate holds the attributes of a partial contact update.
type ContactUpdate struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Role      *string `json:"role,omitempty"`
	LinkedIn  *string `json:"linkedin,omitempty"`
	GitHub    *string `json:"github,omitempty"`
	URL       *string `json:"url,omitempty"`
	Twitter   *string `json:"twitter,omitempty"`
}

func (u ContactUpdate) apply(c *Contact) {
	setString(&c.FirstName, u.FirstName)
	setString(&c.LastName, u.LastName)
	setString(&c.Role, u.Role)
	setString(&c.LinkedIn, u.LinkedIn)
	setString(&c.GitHub, u.GitHub)
	setString(&c.URL, u.URL)
	setString(&c.Twitter, u.Twitter)
}

// AppUpdate holds the attributes of a partial app update.
type AppUpdate struct {
	Email     *string `json:"email,omitempty"`
	Plan      *string `json:"plan,omitempty"`
	ChurnedAt *string `json:"churnedAt,omitempty"`
}

// apply merges u over a. A plan change counts as an upgrade.
func (u AppUpdate) apply(a *App, now string) {
	setString(&a.Email, u.Email)
	if u.Plan != nil && *u.Plan != a.Plan {
		a.Plan = *u.Plan
		a.UpgradedAt = now
	}
	setString(&a.ChurnedAt, u.ChurnedAt)
}

// InteractionUpdate holds the attributes of a partial interaction update.
type InteractionUpdate struct {
	Kind         *string `json:"kind,omitempty"`
	Tag          *string `json:"tag,omitempty"`
	From         *string `json:"from,omitempty"`
	To           *string `json:"to,omitempty"`
	Summary      *string `json:"summary,omitempty"`
	Date         *string `json:"date,omitempty"`
	FollowUpDate *string `json:"followUpDate,omitempty"`
}

func (u InteractionUpdate) apply(i *Interaction) {
	setString(&i.Kind, u.Kind)
	setString(&i.Tag, u.Tag)
	setString(&i.From, u.From)
	setString(&i.To, u.To)
	setString(&i.Summary, u.Summary)
	setString(&i.Date, u.Date)
	setString(&i.FollowUpDate, u.FollowUpDate)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// String returns a pointer to s, for building partial updates.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building partial updates.
func Bool(b bool) *bool { return &b }

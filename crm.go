package crmbase

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CRM operations built on top of a Session. Child entities are changed by
// rewriting the owning company's whole collection through UpdateCompany.

// editableCompany returns a private copy of the named company, or the
// "company not found" business error.
func editableCompany(ctx context.Context, s Session, name string) (*Company, error) {
	company, err := s.FindCompanyByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, NewBusinessError(MsgCompanyNotFound, ErrNotFound)
	}
	return CloneCompany(company), nil
}

// AddContact adds contact to the named company. Emails are unique across
// the whole database.
func AddContact(ctx context.Context, s Session, companyName string, contact Contact) (*Contact, error) {
	contact.Email = strings.TrimSpace(contact.Email)
	if contact.Email == "" {
		return nil, NewBusinessError(MsgMissingEmail, ErrInvalidData)
	}
	existing, err := s.FindContactByEmail(ctx, contact.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewBusinessError(MsgContactExists, ErrAlreadyExists)
	}
	company, err := editableCompany(ctx, s, companyName)
	if err != nil {
		return nil, err
	}

	now := Timestamp(time.Now())
	contact.CreatedAt = now
	contact.UpdatedAt = now
	contacts := append(company.Contacts, contact)
	if _, err := s.UpdateCompany(ctx, company.Name, CompanyUpdate{Contacts: contacts}); err != nil {
		return nil, err
	}
	return &contact, nil
}

// UpdateContact merges update into the contact with the given email.
func UpdateContact(ctx context.Context, s Session, email string, update ContactUpdate) (*Contact, error) {
	found, err := s.FindContactByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, NewBusinessError(MsgContactNotFound, ErrNotFound)
	}
	company := CloneCompany(found.Company)
	for i := range company.Contacts {
		c := &company.Contacts[i]
		if !strings.EqualFold(c.Email, email) {
			continue
		}
		update.apply(c)
		c.UpdatedAt = Timestamp(time.Now())
		if _, err := s.UpdateCompany(ctx, company.Name, CompanyUpdate{Contacts: company.Contacts}); err != nil {
			return nil, err
		}
		updated := *c
		return &updated, nil
	}
	return nil, NewBusinessError(MsgContactNotFound, ErrNotFound)
}

// AddApp adds app to the named company. App names are unique across the
// whole database. Missing creation dates default to now; an app registered
// with a plan counts as upgraded at creation.
func AddApp(ctx context.Context, s Session, companyName string, app App) (*App, error) {
	app.AppName = strings.TrimSpace(app.AppName)
	if app.AppName == "" {
		return nil, NewBusinessError(MsgMissingAppName, ErrInvalidData)
	}
	existing, err := s.FindAppByName(ctx, app.AppName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewBusinessError(MsgAppExists, ErrAlreadyExists)
	}
	company, err := editableCompany(ctx, s, companyName)
	if err != nil {
		return nil, err
	}

	now := Timestamp(time.Now())
	if app.CreatedAt == "" {
		app.CreatedAt = now
	}
	if app.UpgradedAt == "" && app.Plan != "" {
		app.UpgradedAt = app.CreatedAt
	}
	app.UpdatedAt = now
	apps := append(company.Apps, app)
	if _, err := s.UpdateCompany(ctx, company.Name, CompanyUpdate{Apps: apps}); err != nil {
		return nil, err
	}
	return &app, nil
}

// UpdateApp merges update into the app with the given name.
func UpdateApp(ctx context.Context, s Session, appName string, update AppUpdate) (*App, error) {
	found, err := s.FindAppByName(ctx, appName)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, NewBusinessError(MsgAppNotFound, ErrNotFound)
	}
	company := CloneCompany(found.Company)
	for i := range company.Apps {
		a := &company.Apps[i]
		if !strings.EqualFold(a.AppName, appName) {
			continue
		}
		now := Timestamp(time.Now())
		update.apply(a, now)
		a.UpdatedAt = now
		if _, err := s.UpdateCompany(ctx, company.Name, CompanyUpdate{Apps: company.Apps}); err != nil {
			return nil, err
		}
		updated := *a
		return &updated, nil
	}
	return nil, NewBusinessError(MsgAppNotFound, ErrNotFound)
}

// AddInteraction appends interaction to the named company and returns it
// with its position inside the company. The date defaults to now.
func AddInteraction(ctx context.Context, s Session, companyName string, interaction Interaction) (*CompanyInteraction, error) {
	company, err := editableCompany(ctx, s, companyName)
	if err != nil {
		return nil, err
	}
	now := Timestamp(time.Now())
	if interaction.Date == "" {
		interaction.Date = now
	}
	interaction.UpdatedAt = now
	interactions := append(company.Interactions, interaction)
	updated, err := s.UpdateCompany(ctx, company.Name, CompanyUpdate{Interactions: interactions})
	if err != nil {
		return nil, err
	}
	index := len(updated.Interactions) - 1
	return &CompanyInteraction{Company: updated, Interaction: &updated.Interactions[index], Index: index}, nil
}

// UpdateInteraction merges update into the interaction at index (0-based)
// of the named company.
func UpdateInteraction(ctx context.Context, s Session, companyName string, index int, update InteractionUpdate) (*Interaction, error) {
	return editInteraction(ctx, s, companyName, index, update.apply)
}

// DoneInteraction clears the follow-up date of the interaction at index.
func DoneInteraction(ctx context.Context, s Session, companyName string, index int) (*Interaction, error) {
	return editInteraction(ctx, s, companyName, index, func(i *Interaction) {
		i.FollowUpDate = ""
	})
}

func editInteraction(ctx context.Context, s Session, companyName string, index int, edit func(*Interaction)) (*Interaction, error) {
	company, err := editableCompany(ctx, s, companyName)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(company.Interactions) {
		return nil, NewBusinessError(MsgInteractionAbsent, ErrNotFound)
	}
	i := &company.Interactions[index]
	edit(i)
	i.UpdatedAt = Timestamp(time.Now())
	if _, err := s.UpdateCompany(ctx, company.Name, CompanyUpdate{Interactions: company.Interactions}); err != nil {
		return nil, err
	}
	updated := *i
	return &updated, nil
}

// InteractionKindSystem marks report rows derived from app lifecycle dates.
const InteractionKindSystem = "system"

// Interactions reports every logged interaction together with the app
// lifecycle events (registered, upgraded, churned) as one timeline, oldest
// first. A non-empty filter keeps the rows fuzzy-matching it on any column.
func Interactions(ctx context.Context, s Session, filter string) ([]InteractionRow, error) {
	db, err := s.Dump(ctx)
	if err != nil {
		return nil, err
	}

	rows := []InteractionRow{}
	id := 0
	for _, c := range db.Companies {
		for _, app := range c.Apps {
			event := func(date, summary string) {
				rows = append(rows, InteractionRow{Company: c.Name, Kind: InteractionKindSystem, Date: date, From: app.Email, Summary: summary})
			}
			event(app.CreatedAt, "Registered "+app.AppName)
			if app.UpgradedAt != "" {
				event(app.UpgradedAt, "Upgraded "+app.AppName+" to "+app.Plan)
			}
			if app.ChurnedAt != "" {
				event(app.ChurnedAt, "Churned "+app.AppName)
			}
		}
		for _, i := range c.Interactions {
			id++
			rows = append(rows, InteractionRow{
				ID:       id,
				Company:  c.Name,
				Kind:     i.Kind,
				Date:     i.Date,
				From:     i.From,
				Summary:  i.Summary,
				FollowUp: i.FollowUpDate,
			})
		}
	}

	if strings.TrimSpace(filter) != "" {
		rows = SearchCandidates(filter, rows, interactionRowKeys)
	}
	// Stored dates share one ISO-8601 layout, so they order as strings.
	sort.SliceStable(rows, func(a, b int) bool { return rows[a].Date < rows[b].Date })
	return rows, nil
}

func interactionRowKeys(r InteractionRow) []string {
	keys := []string{r.Company, r.Kind, r.Date, r.From, r.Summary, r.FollowUp}
	if r.ID > 0 {
		keys = append(keys, strconv.Itoa(r.ID))
	}
	return keys
}

// AddStaff records a staff member and returns the full staff map.
func AddStaff(ctx context.Context, s Session, email, name string) (map[string]string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, NewBusinessError(MsgMissingEmail, ErrInvalidData)
	}
	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	staff := make(map[string]string, len(cfg.Staff)+1)
	for k, v := range cfg.Staff {
		staff[k] = v
	}
	staff[email] = name
	updated, err := s.UpdateConfig(ctx, ConfigUpdate{Staff: staff})
	if err != nil {
		return nil, err
	}
	return updated.Staff, nil
}

// AddTemplate stores tmpl, replacing any template with the same name.
func AddTemplate(ctx context.Context, s Session, tmpl TemplateEmail) (*TemplateEmail, error) {
	tmpl.Name = strings.TrimSpace(tmpl.Name)
	if tmpl.Name == "" {
		return nil, NewBusinessError(MsgMissingTemplateName, ErrInvalidData)
	}
	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	templates := make([]TemplateEmail, 0, len(cfg.Templates)+1)
	for _, t := range cfg.Templates {
		if t.Name != tmpl.Name {
			templates = append(templates, t)
		}
	}
	templates = append(templates, tmpl)
	if _, err := s.UpdateConfig(ctx, ConfigUpdate{Templates: templates}); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

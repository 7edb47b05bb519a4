package crmbase

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

// runSessionSuite exercises the Session contract against fresh adapters
// returned by newAdapter. Every subtest starts from an empty database.
func runSessionSuite(t *testing.T, newAdapter func(t *testing.T) Adapter) {
	ctx := context.Background()

	open := func(t *testing.T) Adapter {
		t.Helper()
		adapter := newAdapter(t)
		if err := adapter.Create(ctx, EmptyDatabase()); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		t.Cleanup(func() { _ = adapter.Close() })
		return adapter
	}

	run := func(t *testing.T, adapter Adapter, fn func(s Session) error) {
		t.Helper()
		if err := WithSession(ctx, adapter, fn); err != nil {
			t.Fatalf("session failed: %v", err)
		}
	}

	t.Run("AddAndFindCompany", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			added, err := s.AddCompany(ctx, &Company{Name: "Acme Corp", URL: "https://acme.example"})
			if err != nil {
				return err
			}
			if added.CreatedAt == "" || added.UpdatedAt == "" {
				t.Error("expected timestamps to be set")
			}
			if added.Contacts == nil || added.Apps == nil || added.Interactions == nil {
				t.Error("expected child collections to be non-nil")
			}

			found, err := s.FindCompanyByName(ctx, "ACME corp")
			if err != nil {
				return err
			}
			if found == nil || found.Name != "Acme Corp" {
				t.Errorf("FindCompanyByName = %+v, want Acme Corp", found)
			}

			missing, err := s.FindCompanyByName(ctx, "Globex")
			if err != nil {
				return err
			}
			if missing != nil {
				t.Errorf("expected nil for unknown company, got %+v", missing)
			}
			return nil
		})
	})

	t.Run("AddCompanyRules", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			if _, err := s.AddCompany(ctx, &Company{Name: "Acme"}); err != nil {
				return err
			}
			_, err := s.AddCompany(ctx, &Company{Name: "acme"})
			assertBusiness(t, err, MsgCompanyExists)
			if !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("expected ErrAlreadyExists, got %v", err)
			}

			_, err = s.AddCompany(ctx, &Company{Name: "  "})
			assertBusiness(t, err, MsgMissingName)
			return nil
		})
	})

	t.Run("UpdateCompany", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			if _, err := s.AddCompany(ctx, &Company{Name: "Acme", URL: "https://acme.example", Address: "1 Road"}); err != nil {
				return err
			}

			updated, err := s.UpdateCompany(ctx, "acme", CompanyUpdate{URL: String("https://acme.test")})
			if err != nil {
				return err
			}
			if updated.URL != "https://acme.test" || updated.Address != "1 Road" {
				t.Errorf("partial update lost data: %+v", updated)
			}

			_, err = s.UpdateCompany(ctx, "Acme", CompanyUpdate{Name: String("Acme Renamed")})
			assertBusiness(t, err, MsgIncorrectName)

			// The body name must equal the name in the call, not the stored one.
			_, err = s.UpdateCompany(ctx, "acme", CompanyUpdate{Name: String("Acme")})
			assertBusiness(t, err, MsgIncorrectName)

			recased, err := s.UpdateCompany(ctx, "acme", CompanyUpdate{Name: String("acme")})
			if err != nil {
				return err
			}
			if recased.Name != "acme" {
				t.Errorf("name = %q, want %q", recased.Name, "acme")
			}
			if found, err := s.FindCompanyByName(ctx, "ACME"); err != nil || found == nil || found.URL != "https://acme.test" {
				t.Errorf("FindCompanyByName after recase = %+v, %v", found, err)
			}

			_, err = s.UpdateCompany(ctx, "Globex", CompanyUpdate{URL: String("x")})
			assertBusiness(t, err, MsgCompanyNotFound)
			if !IsNotFound(err) {
				t.Errorf("expected not found, got %v", err)
			}
			return nil
		})
	})

	t.Run("ChildLookups", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			if _, err := s.AddCompany(ctx, &Company{Name: "Acme"}); err != nil {
				return err
			}
			if _, err := AddContact(ctx, s, "Acme", Contact{Email: "Wile@Acme.example", FirstName: "Wile"}); err != nil {
				return err
			}
			if _, err := AddApp(ctx, s, "Acme", App{AppName: "Rocket", Email: "owner@acme.example", Plan: "gold"}); err != nil {
				return err
			}

			contact, err := s.FindContactByEmail(ctx, "wile@acme.example")
			if err != nil {
				return err
			}
			if contact == nil || contact.Contact.FirstName != "Wile" || contact.Company.Name != "Acme" {
				t.Errorf("FindContactByEmail = %+v", contact)
			}

			app, err := s.FindAppByName(ctx, "rocket")
			if err != nil {
				return err
			}
			if app == nil || app.App.Plan != "gold" || app.Company.Name != "Acme" {
				t.Errorf("FindAppByName = %+v", app)
			}

			byEmail, err := s.FindAppByEmail(ctx, "OWNER@acme.example")
			if err != nil {
				return err
			}
			if byEmail == nil || byEmail.App.AppName != "Rocket" {
				t.Errorf("FindAppByEmail = %+v", byEmail)
			}

			for _, lookup := range []func() (bool, error){
				func() (bool, error) { r, err := s.FindContactByEmail(ctx, "nobody@x"); return r == nil, err },
				func() (bool, error) { r, err := s.FindAppByName(ctx, "nothing"); return r == nil, err },
				func() (bool, error) { r, err := s.FindAppByEmail(ctx, "nobody@x"); return r == nil, err },
			} {
				empty, err := lookup()
				if err != nil {
					return err
				}
				if !empty {
					t.Error("expected nil result for unknown key")
				}
			}
			return nil
		})
	})

	t.Run("UniqueChildren", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			for _, name := range []string{"Acme", "Globex"} {
				if _, err := s.AddCompany(ctx, &Company{Name: name}); err != nil {
					return err
				}
			}
			if _, err := AddContact(ctx, s, "Acme", Contact{Email: "a@x.example"}); err != nil {
				return err
			}
			_, err := AddContact(ctx, s, "Globex", Contact{Email: "A@X.example"})
			assertBusiness(t, err, MsgContactExists)

			if _, err := AddApp(ctx, s, "Acme", App{AppName: "rocket"}); err != nil {
				return err
			}
			_, err = AddApp(ctx, s, "Globex", App{AppName: "Rocket"})
			assertBusiness(t, err, MsgAppExists)
			return nil
		})
	})

	t.Run("Followups", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			companies := []*Company{
				{Name: "Acme", Interactions: []Interaction{
					{Kind: "email", FollowUpDate: "2024-03-01"},
					{Kind: "phone"},
					{Kind: "email", FollowUpDate: "2024-03-10T15:00:00.000Z"},
					{Kind: "email", FollowUpDate: "2024-04-01"},
				}},
				{Name: "Quiet", NoFollowUp: true, Interactions: []Interaction{
					{Kind: "email", FollowUpDate: "2024-03-05"},
				}},
				{Name: "Globex", Interactions: []Interaction{
					{Kind: "meeting", FollowUpDate: "2024-02-28"},
					{Kind: "meeting", FollowUpDate: "2024-03-05"},
				}},
			}
			for _, c := range companies {
				if _, err := s.AddCompany(ctx, c); err != nil {
					return err
				}
			}

			followups, err := s.FindFollowups(ctx, "2024-03-01T00:00:00.000Z", "2024-03-10")
			if err != nil {
				return err
			}
			got := followupKeys(followups)
			want := []string{"Acme#0", "Acme#2", "Globex#1"}
			if len(got) != len(want) {
				t.Fatalf("followups = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("followups = %v, want %v", got, want)
					break
				}
			}

			none, err := s.FindFollowups(ctx, "2030-01-01", "2030-12-31")
			if err != nil {
				return err
			}
			if none == nil || len(none) != 0 {
				t.Errorf("expected empty non-nil list, got %v", none)
			}
			return nil
		})
	})

	t.Run("SearchCompanies", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			for _, name := range []string{"Acme Corp", "Globex", "Initech"} {
				if _, err := s.AddCompany(ctx, &Company{Name: name}); err != nil {
					return err
				}
			}
			all, err := s.SearchCompanies(ctx, "")
			if err != nil {
				return err
			}
			if len(all) != 3 {
				t.Errorf("SearchCompanies(\"\") returned %d companies, want 3", len(all))
			}

			matches, err := s.SearchCompanies(ctx, "globex")
			if err != nil {
				return err
			}
			if len(matches) == 0 || matches[0].Name != "Globex" {
				t.Errorf("expected Globex first, got %v", companyNames(matches))
			}
			return nil
		})
	})

	t.Run("Config", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			cfg, err := s.LoadConfig(ctx)
			if err != nil {
				return err
			}
			if len(cfg.SubscriptionPlans) != 3 || cfg.Interactions == nil || cfg.Staff == nil {
				t.Errorf("expected default config, got %+v", cfg)
			}

			updated, err := s.UpdateConfig(ctx, ConfigUpdate{SubscriptionPlans: []string{"basic", "pro"}})
			if err != nil {
				return err
			}
			if len(updated.SubscriptionPlans) != 2 || updated.Interactions == nil {
				t.Errorf("partial config update lost data: %+v", updated)
			}
			return nil
		})
		run(t, adapter, func(s Session) error {
			staff, err := AddStaff(ctx, s, "ops@crm.example", "Ops")
			if err != nil {
				return err
			}
			if staff["ops@crm.example"] != "Ops" {
				t.Errorf("staff = %v", staff)
			}
			cfg, err := s.LoadConfig(ctx)
			if err != nil {
				return err
			}
			if len(cfg.SubscriptionPlans) != 2 || cfg.SubscriptionPlans[1] != "pro" {
				t.Errorf("config update not persisted: %+v", cfg.SubscriptionPlans)
			}
			return nil
		})
	})

	t.Run("PersistsAcrossSessions", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			if _, err := s.AddCompany(ctx, &Company{Name: "Acme"}); err != nil {
				return err
			}
			// Keyed backends order by creation time.
			time.Sleep(2 * time.Millisecond)
			if _, err := s.AddCompany(ctx, &Company{Name: "Globex"}); err != nil {
				return err
			}
			_, err := AddInteraction(ctx, s, "Acme", Interaction{Kind: "email", Summary: "hello"})
			return err
		})
		run(t, adapter, func(s Session) error {
			db, err := s.Dump(ctx)
			if err != nil {
				return err
			}
			names := companyNames(db.Companies)
			if len(names) != 2 || names[0] != "Acme" || names[1] != "Globex" {
				t.Errorf("Dump companies = %v, want [Acme Globex]", names)
			}
			if db.Config == nil {
				t.Error("Dump must include the config")
			}
			acme, err := s.FindCompanyByName(ctx, "Acme")
			if err != nil {
				return err
			}
			if acme == nil || len(acme.Interactions) != 1 || acme.Interactions[0].Summary != "hello" {
				t.Errorf("interaction not persisted: %+v", acme)
			}
			return nil
		})
	})

	t.Run("CreateReplaces", func(t *testing.T) {
		adapter := open(t)
		run(t, adapter, func(s Session) error {
			_, err := s.AddCompany(ctx, &Company{Name: "Old"})
			return err
		})
		initial := EmptyDatabase()
		initial.Companies = []*Company{{Name: "Seeded", CreatedAt: "2024-01-01T00:00:00.000Z"}}
		if err := adapter.Create(ctx, initial); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		run(t, adapter, func(s Session) error {
			db, err := s.Dump(ctx)
			if err != nil {
				return err
			}
			if names := companyNames(db.Companies); len(names) != 1 || names[0] != "Seeded" {
				t.Errorf("companies after Create = %v, want [Seeded]", names)
			}
			return nil
		})
	})
}

func assertBusiness(t *testing.T, err error, msg string) {
	t.Helper()
	var be *BusinessError
	if !errors.As(err, &be) {
		t.Errorf("expected business error %q, got %v", msg, err)
		return
	}
	if be.Message != msg {
		t.Errorf("business error = %q, want %q", be.Message, msg)
	}
}

func followupKeys(followups []Followup) []string {
	keys := make([]string, len(followups))
	for i, f := range followups {
		keys[i] = f.Company + "#" + string(rune('0'+f.Index))
	}
	sort.Strings(keys)
	return keys
}

func companyNames(companies []*Company) []string {
	names := make([]string, len(companies))
	for i, c := range companies {
		names[i] = c.Name
	}
	return names
}

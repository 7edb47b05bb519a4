package crmbase

import (
	"context"
	"testing"
	"time"
)

func TestRenderTemplate(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	rc := RenderContext{
		Company: &Company{Name: "Acme", URL: "https://acme.example", Address: "1 Road", CreatedAt: Timestamp(now.Add(-72 * time.Hour))},
		Contact: &Contact{FirstName: "Jane", LastName: "Doe", Email: "jane@acme.example"},
		App:     &App{AppName: "rocket", Plan: "gold", CreatedAt: "2024-06-07"},
		Now:     now,
	}

	tests := []struct {
		text string
		want string
	}{
		{"Hi {{FRIENDLY_NAME}}", "Hi Jane"},
		{"{{FULL_EMAIL}}", `"Jane Doe" <jane@acme.example>`},
		{"{{NAME}} / {{FULL_NAME}}", "Jane Doe / Jane Doe"},
		{"{{FIRST_NAME}}|{{LAST_NAME}}|{{EMAIL}}", "Jane|Doe|jane@acme.example"},
		{"{{APP_NAME}} on {{APP_PLAN}}", "rocket on gold"},
		{"registered {{REGISTRATION_AGO}}", "registered 3 days ago"},
		{"upgraded {{SUBSCRIPTION_AGO}}", "upgraded (never upgraded)"},
		{"{{COMPANY_NAME}} {{COMPANY_URL}} {{COMPANY_ADDRESS}}", "Acme https://acme.example 1 Road"},
		{"customer since {{COMPANY_AGO}}", "customer since 3 days ago"},
		{"{{UNKNOWN}}", "{{UNKNOWN}}"},
	}
	for _, tt := range tests {
		if got := RenderTemplate(tt.text, rc); got != tt.want {
			t.Errorf("RenderTemplate(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestRenderTemplate_Fallbacks(t *testing.T) {
	contact := &Contact{Email: "ops@acme.example"}

	got := RenderTemplate("{{NAME}}/{{FRIENDLY_NAME}}", RenderContext{Contact: contact, Company: &Company{Name: "Acme"}})
	if got != "Acme/Acme" {
		t.Errorf("company fallback = %q", got)
	}
	got = RenderTemplate("{{NAME}}", RenderContext{Contact: contact, App: &App{AppName: "rocket"}})
	if got != "rocket" {
		t.Errorf("app fallback = %q", got)
	}
	got = RenderTemplate("{{NAME}}", RenderContext{Contact: contact})
	if got != "user" {
		t.Errorf("default fallback = %q", got)
	}
	got = RenderTemplate("{{NAME}} {{COMPANY_NAME}}", RenderContext{})
	if got != "{{NAME}} {{COMPANY_NAME}}" {
		t.Errorf("empty context changed text: %q", got)
	}
	got = RenderTemplate("{{COMPANY_AGO}}", RenderContext{Company: &Company{Name: "Acme", CreatedAt: "garbage"}})
	if got != "(unknown)" {
		t.Errorf("unparsable date = %q", got)
	}
}

func TestRenderTemplateEmail(t *testing.T) {
	rc := RenderContext{Contact: &Contact{FirstName: "Jane", Email: "jane@acme.example"}}
	out := RenderTemplateEmail(TemplateEmail{Name: "welcome", Subject: "Hi {{FIRST_NAME}}", Body: "Dear {{FRIENDLY_NAME}},"}, rc)
	if out.Name != "welcome" || out.Subject != "Hi Jane" || out.Body != "Dear Jane," {
		t.Errorf("RenderTemplateEmail = %+v", out)
	}
}

func TestResolveRenderContext(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySession(resolverDatabase())

	tests := []struct {
		filter  string
		company string
		contact string
		app     string
		ok      bool
	}{
		// App match; the contact is the one owning the app email.
		{"rocket", "Acme", "jane@acme.example", "rocket", true},
		// Contact match; the company's first app is used.
		{"doe", "Acme", "jane@acme.example", "rocket", true},
		// Company match falls back to its first contact.
		{"Acme Corporation", "Acme Corporation", "wile@acmecorp.example", "", true},
		// Company without contacts cannot be rendered.
		{"hammock", "Globex", "", "hammock", false},
		{"nobody", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			rc, ok, err := ResolveRenderContext(ctx, s, tt.filter)
			if err != nil {
				t.Fatalf("ResolveRenderContext failed: %v", err)
			}
			if ok != tt.ok {
				t.Errorf("ok = %v, want %v", ok, tt.ok)
			}
			if got := nameOf(rc.Company); got != tt.company {
				t.Errorf("company = %q, want %q", got, tt.company)
			}
			if rc.Contact != nil && rc.Contact.Email != tt.contact || rc.Contact == nil && tt.contact != "" {
				t.Errorf("contact = %+v, want %q", rc.Contact, tt.contact)
			}
			if rc.App != nil && rc.App.AppName != tt.app || rc.App == nil && tt.app != "" {
				t.Errorf("app = %+v, want %q", rc.App, tt.app)
			}
		})
	}
}

func nameOf(c *Company) string {
	if c == nil {
		return ""
	}
	return c.Name
}

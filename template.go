package crmbase

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// RenderContext holds the entities a template is rendered for. Any of them
// may be nil; placeholders of a missing entity are left untouched.
type RenderContext struct {
	Company *Company
	Contact *Contact
	App     *App
	Now     time.Time
}

// RenderTemplate substitutes the {{PLACEHOLDER}} fields of text.
func RenderTemplate(text string, rc RenderContext) string {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}
	var pairs []string

	if rc.Contact != nil {
		fallback := "user"
		if rc.Company != nil && rc.Company.Name != "" {
			fallback = rc.Company.Name
		} else if rc.App != nil && rc.App.AppName != "" {
			fallback = rc.App.AppName
		}
		name := strings.TrimSpace(rc.Contact.FirstName + " " + rc.Contact.LastName)
		if name == "" {
			name = fallback
		}
		friendly := rc.Contact.FirstName
		if friendly == "" {
			friendly = fallback
		}
		pairs = append(pairs,
			"{{EMAIL}}", rc.Contact.Email,
			"{{FULL_EMAIL}}", `"`+name+`" <`+rc.Contact.Email+`>`,
			"{{FULL_NAME}}", name,
			"{{NAME}}", name,
			"{{FRIENDLY_NAME}}", friendly,
			"{{FIRST_NAME}}", rc.Contact.FirstName,
			"{{LAST_NAME}}", rc.Contact.LastName,
		)
	}
	if rc.App != nil {
		pairs = append(pairs,
			"{{APP_NAME}}", rc.App.AppName,
			"{{APP_PLAN}}", rc.App.Plan,
			"{{REGISTRATION_AGO}}", ago(rc.App.CreatedAt, now, "(unknown)"),
			"{{SUBSCRIPTION_AGO}}", ago(rc.App.UpgradedAt, now, "(never upgraded)"),
		)
	}
	if rc.Company != nil {
		pairs = append(pairs,
			"{{COMPANY_AGO}}", ago(rc.Company.CreatedAt, now, "(unknown)"),
			"{{COMPANY_NAME}}", rc.Company.Name,
			"{{COMPANY_URL}}", rc.Company.URL,
			"{{COMPANY_ADDRESS}}", rc.Company.Address,
		)
	}
	if len(pairs) == 0 {
		return text
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// RenderTemplateEmail renders both the subject and the body of tmpl.
func RenderTemplateEmail(tmpl TemplateEmail, rc RenderContext) TemplateEmail {
	tmpl.Subject = RenderTemplate(tmpl.Subject, rc)
	tmpl.Body = RenderTemplate(tmpl.Body, rc)
	return tmpl
}

func ago(timestamp string, now time.Time, unknown string) string {
	if timestamp == "" {
		return unknown
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, timestamp); err == nil {
			return humanize.RelTime(t, now, "ago", "from now")
		}
	}
	return unknown
}

// ResolveRenderContext picks the entities a filter refers to. An app match
// wins over a contact match, which wins over a company match. Without a
// matching contact the company's first contact is used. It returns false
// when no contact can be found.
func ResolveRenderContext(ctx context.Context, s Session, filter string) (RenderContext, bool, error) {
	db, err := s.Dump(ctx)
	if err != nil {
		return RenderContext{}, false, err
	}
	var rc RenderContext

	if ca, ok := ResolveApp(db, filter); ok {
		rc.Company, rc.App = ca.Company, ca.App
		for i := range ca.Company.Contacts {
			if strings.EqualFold(ca.Company.Contacts[i].Email, ca.App.Email) {
				rc.Contact = &ca.Company.Contacts[i]
			}
		}
	} else if cc, ok := ResolveContact(db, filter); ok {
		rc.Company, rc.Contact = cc.Company, cc.Contact
	} else if c, ok := ResolveCompany(db, filter); ok {
		rc.Company = c
	}

	if rc.Company != nil && rc.App == nil && len(rc.Company.Apps) > 0 {
		rc.App = &rc.Company.Apps[0]
	}
	if rc.Contact == nil && rc.Company != nil && len(rc.Company.Contacts) > 0 {
		rc.Contact = &rc.Company.Contacts[0]
	}
	return rc, rc.Contact != nil, nil
}

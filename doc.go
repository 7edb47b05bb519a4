// Package crmbase is a small CRM over pluggable storage: companies with their
// contacts, apps and interactions, plus a shared config of staff and email
// templates.
//
// # Overview
//
// Every backend implements the same Session interface, so the CRM operations,
// the CLI and the HTTP API run unchanged against:
//
//   - a JSON document on local disk, S3, MinIO or GCS (FileAdapter)
//   - an in-process database (MemoryAdapter)
//   - Redis hashes and index sets (RedisAdapter)
//   - PostgreSQL JSONB rows (PostgresAdapter)
//   - CouchDB documents and views (CouchAdapter)
//   - another crmbase server (RemoteAdapter)
//
// # Quick Start
//
//	ctx := context.Background()
//	adapter, err := crmbase.Connect(ctx, "file:crm.json")
//	if err != nil {
//		return err
//	}
//	defer adapter.Close()
//
//	err = crmbase.WithSession(ctx, adapter, func(s crmbase.Session) error {
//		if _, err := s.AddCompany(ctx, &crmbase.Company{Name: "Acme"}); err != nil {
//			return err
//		}
//		_, err := crmbase.AddContact(ctx, s, "acme", crmbase.Contact{Email: "jane@acme.example"})
//		return err
//	})
//
// Sessions must be closed. The file session writes its document on Close,
// keeping the previous version under the ".bak" suffix.
//
// # Children
//
// Contacts, apps and interactions live inside their company. AddContact,
// UpdateApp, DoneInteraction and the other child operations rewrite the
// owning array through UpdateCompany, so they work on any backend.
//
// # Errors
//
// Rule violations are returned as *BusinessError, whose message is fit for
// users ("company already exists"). Each wraps a sentinel, so callers can
// branch with errors.Is:
//
//	_, err := s.AddCompany(ctx, &crmbase.Company{Name: "Acme"})
//	if errors.Is(err, crmbase.ErrAlreadyExists) {
//		// already there
//	}
//
// # Lookups
//
// ResolveCompany, ResolveContact and ResolveApp pick the best fuzzy match for
// a search string. FindInteraction addresses interactions by the 1-based
// ordinal the CLI prints.
//
// # Caching
//
// Network sessions sit behind a SessionCache that memoizes dumps and lookups
// and coalesces concurrent dumps into one fetch. Writes invalidate it.
// WithoutCache turns it off.
//
// # Observability
//
// WithLogger accepts any Logger; NewProductionZapLogger is the usual choice.
// WithMetrics accepts InMemoryMetrics for tests or PrometheusMetrics for
// production.
package crmbase

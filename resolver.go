package crmbase

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// Matcher scores free-text operator input against candidate fields. A score
// is the edit ratio of the best alignment plus a penalty for how far into the
// field the alignment starts; lower is better and anything above Threshold is
// not a match. Multi-word searches also match when every word matches on
// its own.
type Matcher struct {
	Threshold float64
	Distance  int
}

// DefaultMatcher is the matcher used by every session and resolver.
var DefaultMatcher = Matcher{
	Threshold: DefaultMatchThreshold,
	Distance:  DefaultMatchDistance,
}

type ranked struct {
	index int
	score float64
}

// rank returns the indices of the n candidates that match search, best
// first. keys(i) lists the searchable fields of candidate i, primary field
// first.
func (m Matcher) rank(search string, n int, keys func(i int) []string) []int {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return nil
	}
	tokens := strings.Fields(search)

	var hits []ranked
	for i := 0; i < n; i++ {
		fields := keys(i)
		score, ok := m.bestScore(search, fields)
		if len(tokens) > 1 {
			if tokenScore, tok := m.tokensScore(tokens, fields); tok && (!ok || tokenScore < score) {
				score, ok = tokenScore, true
			}
		}
		if ok {
			hits = append(hits, ranked{index: i, score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score < hits[b].score })
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.index
	}
	return out
}

// tokensScore requires every token to match one of the fields and returns
// the mean of the per-token scores.
func (m Matcher) tokensScore(tokens []string, fields []string) (float64, bool) {
	var total float64
	for _, tok := range tokens {
		s, ok := m.bestScore(tok, fields)
		if !ok {
			return 0, false
		}
		total += s
	}
	return total / float64(len(tokens)), true
}

func (m Matcher) bestScore(pattern string, fields []string) (float64, bool) {
	best, found := 0.0, false
	for _, f := range fields {
		if f == "" {
			continue
		}
		s := m.score(pattern, strings.ToLower(f))
		if s <= m.Threshold && (!found || s < best) {
			best, found = s, true
		}
	}
	return best, found
}

// score expects lowercased input.
func (m Matcher) score(pattern, text string) float64 {
	distance := float64(m.Distance)
	if distance <= 0 {
		distance = DefaultMatchDistance
	}

	if idx := strings.Index(text, pattern); idx >= 0 {
		return float64(len([]rune(text[:idx]))) / distance
	}

	p := []rune(pattern)
	t := []rune(text)
	best := 1.0 + float64(len(t))/distance
	for start := 0; start < len(t); start++ {
		if start > 0 && !isWordBoundary(t[start-1]) {
			continue
		}
		for _, size := range []int{len(p) - 1, len(p), len(p) + 1} {
			if size <= 0 || start+size > len(t) {
				continue
			}
			d := levenshtein.ComputeDistance(pattern, string(t[start:start+size]))
			s := float64(d)/float64(len(p)) + float64(start)/distance
			if s < best {
				best = s
			}
		}
	}
	return best
}

func isWordBoundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// SearchCandidates returns every candidate matching search, best first.
func SearchCandidates[T any](search string, candidates []T, keys func(T) []string) []T {
	idx := DefaultMatcher.rank(search, len(candidates), func(i int) []string { return keys(candidates[i]) })
	out := make([]T, 0, len(idx))
	for _, i := range idx {
		out = append(out, candidates[i])
	}
	return out
}

// ResolveCandidate returns the single candidate search designates. A
// candidate whose primary field equals search (ignoring case) wins over any
// fuzzy score; otherwise the best fuzzy match wins. An empty search never
// matches.
func ResolveCandidate[T any](search string, candidates []T, keys func(T) []string) (T, bool) {
	var zero T
	search = strings.TrimSpace(search)
	if search == "" {
		return zero, false
	}
	for _, c := range candidates {
		if fields := keys(c); len(fields) > 0 && strings.EqualFold(fields[0], search) {
			return c, true
		}
	}
	matches := SearchCandidates(search, candidates, keys)
	if len(matches) == 0 {
		return zero, false
	}
	return matches[0], true
}

// FlattenContacts lists every contact of every company with its owner.
func FlattenContacts(companies []*Company) []CompanyContact {
	var out []CompanyContact
	for _, c := range companies {
		for i := range c.Contacts {
			out = append(out, CompanyContact{Company: c, Contact: &c.Contacts[i]})
		}
	}
	return out
}

// FlattenApps lists every app of every company with its owner.
func FlattenApps(companies []*Company) []CompanyApp {
	var out []CompanyApp
	for _, c := range companies {
		for i := range c.Apps {
			out = append(out, CompanyApp{Company: c, App: &c.Apps[i]})
		}
	}
	return out
}

func companyKeys(c *Company) []string { return []string{c.Name, c.URL, c.Address} }

func contactKeys(cc CompanyContact) []string {
	return []string{cc.Contact.Email, cc.Contact.FirstName, cc.Contact.LastName}
}

func appKeys(ca CompanyApp) []string { return []string{ca.App.AppName, ca.App.Email} }

// ResolveCompany finds the company designated by search.
func ResolveCompany(db *Database, search string) (*Company, bool) {
	return ResolveCandidate(search, db.Companies, func(c *Company) []string { return []string{c.Name} })
}

// ResolveContact finds the contact designated by search, matching email,
// first name and last name.
func ResolveContact(db *Database, search string) (*CompanyContact, bool) {
	cc, ok := ResolveCandidate(search, FlattenContacts(db.Companies), contactKeys)
	if !ok {
		return nil, false
	}
	return &cc, true
}

// ResolveApp finds the app designated by search, matching app name and email.
func ResolveApp(db *Database, search string) (*CompanyApp, bool) {
	ca, ok := ResolveCandidate(search, FlattenApps(db.Companies), appKeys)
	if !ok {
		return nil, false
	}
	return &ca, true
}

// FilterCompanies returns every company matching filter on name, url or
// address. An empty filter returns all companies.
func FilterCompanies(companies []*Company, filter string) []*Company {
	if strings.TrimSpace(filter) == "" {
		return append([]*Company{}, companies...)
	}
	return SearchCandidates(filter, companies, companyKeys)
}

// FindInteraction returns the interaction with the given 1-based ordinal,
// counting companies in order and then each company's interactions in order.
func FindInteraction(db *Database, ordinal int) (*CompanyInteraction, bool) {
	if ordinal < 1 {
		return nil, false
	}
	n := 0
	for _, c := range db.Companies {
		for i := range c.Interactions {
			n++
			if n == ordinal {
				return &CompanyInteraction{Company: c, Interaction: &c.Interactions[i], Index: i}, true
			}
		}
	}
	return nil, false
}

// InteractionOrdinal is the inverse of FindInteraction.
func InteractionOrdinal(db *Database, companyName string, index int) (int, bool) {
	n := 0
	for _, c := range db.Companies {
		if sameName(c.Name, companyName) {
			if index < 0 || index >= len(c.Interactions) {
				return 0, false
			}
			return n + index + 1, true
		}
		n += len(c.Interactions)
	}
	return 0, false
}

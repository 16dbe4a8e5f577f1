package iteminfo

import (
	"strings"
)

// NameQuery matches file names by case-insensitive substring.
type NameQuery struct {
	term string // lowercased search term
}

// ParseQuery trims the raw query. An empty result means the query is missing.
func ParseQuery(value string) (NameQuery, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return NameQuery{}, false
	}
	return NameQuery{term: strings.ToLower(value)}, true
}

// Matches reports whether name contains the query, ignoring case.
func (q NameQuery) Matches(name string) bool {
	return strings.Contains(strings.ToLower(name), q.term)
}

func (q NameQuery) String() string {
	return q.term
}

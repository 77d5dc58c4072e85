package search

import (
	"errors"
	"strings"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

var (
	ErrQueryEmpty          = errors.New("search: query must not be empty")
	ErrQueryTooLong        = errors.New("search: query exceeds the maximum length")
	ErrTooManyTerms        = errors.New("search: query has too many terms")
	ErrTooManyWildcards    = errors.New("search: query has too many wildcards")
	ErrTooManyFuzzyTerms   = errors.New("search: query has too many fuzzy terms")
	ErrFieldQueryForbidden = errors.New("search: field queries (':') are not supported")
	ErrLimitOutOfRange     = errors.New("search: limit is out of range")
)

// term is a single parsed query token: either an exact word, a trailing-'*' prefix wildcard, or a
// trailing-'~' fuzzy match (bounded edit distance).
type term struct {
	text     string
	wildcard bool
	fuzzy    bool
}

// matches reports whether indexed (an already-tokenized word from the postings index) satisfies t.
func (t term) matches(indexed string) bool {
	switch {
	case t.wildcard:
		return strings.HasPrefix(indexed, t.text)
	case t.fuzzy:
		return levenshteinWithin(t.text, indexed, filconst.MaxSearchFuzzy)
	default:
		return t.text == indexed
	}
}

// Query is a validated, parsed search request.
type Query struct {
	GuildID   idkit.GuildID
	ChannelID *idkit.ChannelID
	AuthorID  *idkit.UserID
	Before    int64
	After     int64
	Terms     []term
	Limit     int
}

// NewQuery parses and validates raw against the query grammar (§4.7): length bounds, term/wildcard/fuzzy
// counts, the forbidden ':' field-query syntax, and the limit range. guildID/channelID/authorID/before/
// after are structural filters supplied by the caller (from the route, not the query string) rather than
// parsed out of raw, since the API never exposes field queries.
func NewQuery(raw string, guildID idkit.GuildID, channelID *idkit.ChannelID, authorID *idkit.UserID, before, after int64, limit, queryMaxChars, resultLimitMax int) (Query, error) {
	if raw == "" {
		return Query{}, ErrQueryEmpty
	}
	if len([]rune(raw)) > queryMaxChars {
		return Query{}, ErrQueryTooLong
	}
	if strings.Contains(raw, ":") {
		return Query{}, ErrFieldQueryForbidden
	}

	fields := strings.Fields(raw)
	if len(fields) > filconst.MaxSearchTerms {
		return Query{}, ErrTooManyTerms
	}

	wildcards, fuzzy := 0, 0
	terms := make([]term, 0, len(fields))
	for _, f := range fields {
		t := parseTerm(strings.ToLower(f))
		if t.wildcard {
			wildcards++
		}
		if t.fuzzy {
			fuzzy++
		}
		if t.text == "" {
			continue
		}
		terms = append(terms, t)
	}
	if wildcards > filconst.MaxSearchWildcards {
		return Query{}, ErrTooManyWildcards
	}
	if fuzzy > filconst.MaxSearchFuzzy {
		return Query{}, ErrTooManyFuzzyTerms
	}
	if len(terms) == 0 {
		return Query{}, ErrQueryEmpty
	}

	if limit <= 0 || limit > resultLimitMax {
		return Query{}, ErrLimitOutOfRange
	}

	return Query{
		GuildID:   guildID,
		ChannelID: channelID,
		AuthorID:  authorID,
		Before:    before,
		After:     after,
		Terms:     terms,
		Limit:     limit,
	}, nil
}

// parseTerm strips a trailing '*', '+', or '?' (wildcard, treated identically — any of the three marks a
// prefix match) or a trailing '~' (fuzzy) off raw and strips any other punctuation from the remaining text,
// matching tokenize's own normalization so query terms line up with indexed terms.
func parseTerm(raw string) term {
	t := term{text: raw}
	if raw == "" {
		return t
	}
	last := raw[len(raw)-1]
	switch last {
	case '*', '+', '?':
		t.wildcard = true
		t.text = raw[:len(raw)-1]
	case '~':
		t.fuzzy = true
		t.text = raw[:len(raw)-1]
	}
	t.text = stripPunctuation(t.text)
	return t
}

// tokenize lowercases content and splits it into alphanumeric words, discarding punctuation — the same
// normalization applied to query terms, so postings lookups and query terms compare on equal footing.
func tokenize(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !isWordRune(r)
	})
	return fields
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}

func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isWordRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// levenshteinWithin reports whether the edit distance between a and b is at most max, short-circuiting
// once the running minimum across a row exceeds max (fuzzy terms are always short, so this stays cheap).
func levenshteinWithin(a, b string, max int) bool {
	if a == b {
		return true
	}
	la, lb := len(a), len(b)
	if abs(la-lb) > max {
		return false
	}
	prev := make([]int, lb+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr := make([]int, lb+1)
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > max {
			return false
		}
		prev = curr
	}
	return prev[lb] <= max
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

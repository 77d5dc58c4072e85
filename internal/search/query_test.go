package search

import (
	"strings"
	"testing"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

func TestNewQueryRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := NewQuery("", idkit.New(), nil, nil, 0, 0, 10, 256, 100); err != ErrQueryEmpty {
		t.Fatalf("err = %v, want ErrQueryEmpty", err)
	}
}

func TestNewQueryRejectsTooLong(t *testing.T) {
	t.Parallel()
	raw := strings.Repeat("a", 300)
	if _, err := NewQuery(raw, idkit.New(), nil, nil, 0, 0, 10, 256, 100); err != ErrQueryTooLong {
		t.Fatalf("err = %v, want ErrQueryTooLong", err)
	}
}

func TestNewQueryRejectsFieldQueries(t *testing.T) {
	t.Parallel()
	if _, err := NewQuery("author:bob", idkit.New(), nil, nil, 0, 0, 10, 256, 100); err != ErrFieldQueryForbidden {
		t.Fatalf("err = %v, want ErrFieldQueryForbidden", err)
	}
}

func TestNewQueryRejectsTooManyTerms(t *testing.T) {
	t.Parallel()
	words := make([]string, filconst.MaxSearchTerms+1)
	for i := range words {
		words[i] = "word"
	}
	raw := strings.Join(words, " ")
	if _, err := NewQuery(raw, idkit.New(), nil, nil, 0, 0, 10, 256, 100); err != ErrTooManyTerms {
		t.Fatalf("err = %v, want ErrTooManyTerms", err)
	}
}

func TestNewQueryRejectsTooManyWildcards(t *testing.T) {
	t.Parallel()
	words := make([]string, filconst.MaxSearchWildcards+1)
	for i := range words {
		words[i] = "word*"
	}
	raw := strings.Join(words, " ")
	if _, err := NewQuery(raw, idkit.New(), nil, nil, 0, 0, 10, 256, 100); err != ErrTooManyWildcards {
		t.Fatalf("err = %v, want ErrTooManyWildcards", err)
	}
}

func TestNewQueryRejectsTooManyFuzzyTerms(t *testing.T) {
	t.Parallel()
	words := make([]string, filconst.MaxSearchFuzzy+1)
	for i := range words {
		words[i] = "word~"
	}
	raw := strings.Join(words, " ")
	if _, err := NewQuery(raw, idkit.New(), nil, nil, 0, 0, 10, 256, 100); err != ErrTooManyFuzzyTerms {
		t.Fatalf("err = %v, want ErrTooManyFuzzyTerms", err)
	}
}

func TestNewQueryRejectsLimitOutOfRange(t *testing.T) {
	t.Parallel()
	if _, err := NewQuery("hello", idkit.New(), nil, nil, 0, 0, 0, 256, 100); err != ErrLimitOutOfRange {
		t.Fatalf("err (limit 0) = %v, want ErrLimitOutOfRange", err)
	}
	if _, err := NewQuery("hello", idkit.New(), nil, nil, 0, 0, 101, 256, 100); err != ErrLimitOutOfRange {
		t.Fatalf("err (limit over max) = %v, want ErrLimitOutOfRange", err)
	}
}

func TestNewQueryParsesWildcardAndFuzzyMarkers(t *testing.T) {
	t.Parallel()
	q, err := NewQuery("hello wor* fuzzy~", idkit.New(), nil, nil, 0, 0, 10, 256, 100)
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	if len(q.Terms) != 3 {
		t.Fatalf("terms = %v, want 3", q.Terms)
	}
	if q.Terms[0].wildcard || q.Terms[0].fuzzy {
		t.Fatalf("term[0] = %+v, want plain", q.Terms[0])
	}
	if !q.Terms[1].wildcard || q.Terms[1].text != "wor" {
		t.Fatalf("term[1] = %+v, want wildcard 'wor'", q.Terms[1])
	}
	if !q.Terms[2].fuzzy || q.Terms[2].text != "fuzzy" {
		t.Fatalf("term[2] = %+v, want fuzzy 'fuzzy'", q.Terms[2])
	}
}

func TestTokenizeLowercasesAndSplitsOnPunctuation(t *testing.T) {
	t.Parallel()
	got := tokenize("Hello, World! It's 2026.")
	want := []string{"hello", "world", "it", "s", "2026"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokenize = %v, want %v", got, want)
		}
	}
}

func TestTermMatchesWildcardPrefix(t *testing.T) {
	t.Parallel()
	tm := term{text: "dist", wildcard: true}
	if !tm.matches("distributed") {
		t.Fatal("expected wildcard term to match prefix")
	}
	if tm.matches("undistributed") {
		t.Fatal("wildcard should only match as a prefix")
	}
}

func TestTermMatchesFuzzyWithinBudget(t *testing.T) {
	t.Parallel()
	tm := term{text: "systms", fuzzy: true}
	if !tm.matches("systems") {
		t.Fatal("expected fuzzy term within edit-distance budget to match")
	}
	if tm.matches("completely-different-word") {
		t.Fatal("fuzzy term should not match a wildly different word")
	}
}

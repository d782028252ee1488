// Package translate rewrites PostgreSQL query text into Redshift query text.
//
// The engine is a fixed, ordered pipeline of text rewrites. There is no
// parser: every stage is a pure string-to-string function that leaves text
// it does not recognise untouched. Stages run in this order:
//
//  1. assert idioms (exact two-line head match)
//  2. reserved words (ordered, case-insensitive whole-word substitution)
//  3. formatting (comments, leading commas, AND/OR indentation,
//     inline OR split, CONCAT_WS)
//  4. interval arithmetic (+ INTERVAL 'N YEAR')
package translate

import (
	"fmt"
	"regexp"
	"strings"
)

// WordPair maps one source-dialect term to its target-dialect equivalent.
type WordPair struct {
	Source string
	Target string
}

// Mapping is an ordered, immutable reserved-word table.
//
// Order matters: substitutions run in sequence over the already-substituted
// text, so a target that equals a later source is rewritten again.
type Mapping struct {
	pairs    []WordPair
	patterns []*regexp.Regexp
}

// NewMapping builds a mapping from pairs, compiling one whole-word pattern per
// source term. Source terms must be non-empty and unique ignoring case.
func NewMapping(pairs []WordPair) (*Mapping, error) {
	m := &Mapping{
		pairs:    make([]WordPair, 0, len(pairs)),
		patterns: make([]*regexp.Regexp, 0, len(pairs)),
	}

	seen := make(map[string]int, len(pairs))
	for i, p := range pairs {
		if strings.TrimSpace(p.Source) == "" {
			return nil, fmt.Errorf("mapping entry %d: empty source term", i)
		}
		key := strings.ToLower(p.Source)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("mapping entry %d: duplicate source term %q (first at %d)", i, p.Source, prev)
		}
		seen[key] = i

		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(p.Source) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("mapping entry %d: %w", i, err)
		}
		m.pairs = append(m.pairs, p)
		m.patterns = append(m.patterns, re)
	}

	return m, nil
}

// MustMapping is like NewMapping but panics on error.
// Intended for static tables.
func MustMapping(pairs []WordPair) *Mapping {
	m, err := NewMapping(pairs)
	if err != nil {
		panic(err)
	}
	return m
}

// Len returns the number of pairs.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.pairs)
}

// Pairs returns a copy of the pairs in substitution order.
func (m *Mapping) Pairs() []WordPair {
	if m == nil {
		return nil
	}
	out := make([]WordPair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Lookup returns the target for a source term, ignoring case.
func (m *Mapping) Lookup(source string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, p := range m.pairs {
		if strings.EqualFold(p.Source, source) {
			return p.Target, true
		}
	}
	return "", false
}

// ReplaceReservedWords substitutes every whole-word, case-insensitive
// occurrence of each source term with its target, in mapping order.
// Unmapped terms are left untouched.
func ReplaceReservedWords(query string, m *Mapping) string {
	if m == nil {
		return query
	}
	for i, re := range m.patterns {
		query = re.ReplaceAllLiteralString(query, m.pairs[i].Target)
	}
	return query
}

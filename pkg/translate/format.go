package translate

import (
	"regexp"
	"strings"
)

var (
	// Comment marker through end of line; the line break, CRLF included, stays.
	commentPattern = regexp.MustCompile(`--[^\r\n]*`)

	// Horizontal whitespace only, so blank lines above are never swallowed.
	leadingCommaPattern       = regexp.MustCompile(`(?m)^[ \t\f\v]*,`)
	leadingConjunctionPattern = regexp.MustCompile(`(?mi)^[ \t\f\v]*(AND|OR)\b`)

	// Upper case only: a lower-case or is left where it is.
	inlineOrPattern = regexp.MustCompile(`\bOR\b`)
)

// StripComments removes every "--" comment up to the end of its line.
// String literals are not recognised: a "--" inside quotes is treated as a
// comment start as well.
func StripComments(query string) string {
	return commentPattern.ReplaceAllLiteralString(query, "")
}

// IndentLeadingCommas rewrites lines that start with a comma so the comma is
// preceded by exactly one tab.
func IndentLeadingCommas(query string) string {
	return leadingCommaPattern.ReplaceAllLiteralString(query, "\t,")
}

// IndentLeadingConjunctions rewrites lines whose first token is AND or OR
// (any case) so the token is preceded by exactly one tab. The token keeps
// its original case.
func IndentLeadingConjunctions(query string) string {
	return leadingConjunctionPattern.ReplaceAllString(query, "\t${1}")
}

// SplitInlineOr moves every whole-word, upper-case OR that is not the first
// token of its line onto a new line of its own, indented by one tab. The
// text before the OR is kept as is.
func SplitInlineOr(query string) string {
	if !inlineOrPattern.MatchString(query) {
		return query
	}

	lines := strings.Split(query, "\n")
	for i, line := range lines {
		locs := inlineOrPattern.FindAllStringIndex(line, -1)
		if len(locs) == 0 {
			continue
		}

		var b strings.Builder
		last := 0
		for _, loc := range locs {
			if strings.TrimSpace(line[:loc[0]]) == "" {
				continue
			}
			b.WriteString(line[last:loc[0]])
			b.WriteString("\n\t")
			b.WriteString(line[loc[0]:loc[1]])
			last = loc[1]
		}
		b.WriteString(line[last:])
		lines[i] = b.String()
	}

	return strings.Join(lines, "\n")
}

// FormatIndentation applies the formatting rules in their fixed order:
// comment strip, leading commas, leading AND/OR, inline OR split, then the
// CONCAT_WS rewrite.
func FormatIndentation(query string) string {
	query = StripComments(query)
	query = IndentLeadingCommas(query)
	query = IndentLeadingConjunctions(query)
	query = SplitInlineOr(query)
	return RewriteConcatWS(query)
}

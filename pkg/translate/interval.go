package translate

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// intervalPattern matches a whole line of the form
// <left> + INTERVAL '<N> YEAR'<trailing>. Only YEAR is recognised.
var intervalPattern = regexp.MustCompile(`(?i)^(.*?)\s*\+\s*INTERVAL\s*'\s*(\d+)\s*(YEAR)\s*'(.*)$`)

// RewriteIntervals rewrites every line matching <left> + INTERVAL 'N YEAR'
// into "\t, dateadd('year', N, '<left>')" followed by the rest of the line.
//
// The left-hand expression is reduced to its letters, digits and periods, so start_date becomes startdate and o.start_date becomes
// o.startdate. Lines where nothing survives that reduction are left alone.
func RewriteIntervals(query string) string {
	if !strings.Contains(strings.ToUpper(query), "INTERVAL") {
		return query
	}

	lines := strings.Split(query, "\n")
	for i, line := range lines {
		if rewritten, ok := rewriteIntervalLine(line); ok {
			lines[i] = rewritten
		}
	}
	return strings.Join(lines, "\n")
}

func rewriteIntervalLine(line string) (string, bool) {
	m := intervalPattern.FindStringSubmatch(line)
	if m == nil {
		return line, false
	}

	left := stripToIdentifier(m[1])
	if left == "" {
		return line, false
	}

	n, err := strconv.Atoi(m[2])
	if err != nil {
		return line, false
	}

	var b strings.Builder
	b.WriteString("\t, dateadd('")
	b.WriteString(strings.ToLower(m[3]))
	b.WriteString("', ")
	b.WriteString(strconv.Itoa(n))
	b.WriteString(", '")
	b.WriteString(left)
	b.WriteString("')")
	b.WriteString(m[4])
	return b.String(), true
}

// stripToIdentifier drops every rune that is not a letter, digit or period.
func stripToIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package translate

import (
	"regexp"
	"strings"
)

// concatWSPattern matches CONCAT_WS('<delim>', <args>) AS "<alias>".
// Arguments may not contain ')' so nested calls never match.
var concatWSPattern = regexp.MustCompile(`(?i)\bCONCAT_WS\s*\(\s*'([^']*)'\s*,([^)]*)\)\s*AS\s*"([^"]*)"`)

// RewriteConcatWS turns each CONCAT_WS call with a double-quoted alias into a
// chain of COALESCE calls defaulting each argument to the empty string,
// joined by the delimiter with ||.
//
// Arguments are split on commas at a single level. A call with an empty
// argument is left unchanged.
func RewriteConcatWS(query string) string {
	matches := concatWSPattern.FindAllStringSubmatchIndex(query, -1)
	if len(matches) == 0 {
		return query
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		delim := query[m[2]:m[3]]
		args := query[m[4]:m[5]]
		alias := query[m[6]:m[7]]

		replacement, ok := coalesceChain(delim, args, alias)
		if !ok {
			continue
		}
		b.WriteString(query[last:m[0]])
		b.WriteString(replacement)
		last = m[1]
	}
	b.WriteString(query[last:])

	return b.String()
}

func coalesceChain(delim, args, alias string) (string, bool) {
	parts := strings.Split(args, ",")
	wrapped := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return "", false
		}
		wrapped = append(wrapped, "COALESCE("+p+", '')")
	}

	return strings.Join(wrapped, " || '"+delim+"' || ") + ` AS "` + alias + `"`, true
}

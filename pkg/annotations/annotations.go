// Package annotations parses pgshift directives embedded in SQL comments.
//
// Directives are comments with a special prefix placed in the header of a
// query file, before its first statement:
//
//	-- @pgshift:report-id=1042
//	-- @pgshift:report-name=monthly revenue
//	-- @pgshift:no-validate
//	SELECT ...
//
// Syntax:
//   - `-- @pgshift:<key>`: boolean flag (presence means true)
//   - `-- @pgshift:<key>=<value>`: key-value setting
//   - Only the header counts: parsing stops at the first statement line
//
// Directives are ordinary comments to PostgreSQL and are removed with every
// other comment during translation.
package annotations

import (
	"sort"
	"strings"
)

const (
	// Prefix is the annotation prefix that identifies pgshift directives.
	Prefix = "-- @pgshift:"
)

// Known directive keys.
const (
	ReportID   = "report-id"
	ReportName = "report-name"
	NoValidate = "no-validate"
	Skip       = "skip"
)

// Known annotation keys and what they do.
var Known = map[string]string{
	ReportID:   "string: report ID used to name the translated file",
	ReportName: "string: report name used to name the translated file",
	NoValidate: "bool: do not validate this query against Redshift",
	Skip:       "bool: leave this file out of a batch",
}

// Set is a collection of annotations with helper methods.
type Set map[string]string

// Has returns true if the key is present (for boolean flags).
func (a Set) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// GetString returns the value for a key, or defaultVal if not found or empty.
func (a Set) GetString(key, defaultVal string) string {
	if v, ok := a[key]; ok && v != "" {
		return v
	}
	return defaultVal
}

// GetBool returns true if the key is present.
// For boolean flags, presence alone indicates true.
// For explicit values, parses "true", "1", "yes" as true.
func (a Set) GetBool(key string) bool {
	v, ok := a[key]
	if !ok {
		return false
	}
	if v == "" {
		return true // Boolean flag present
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// Unknown returns the keys that are not Known, sorted.
func (a Set) Unknown() []string {
	var unknown []string
	for key := range a {
		if _, ok := Known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// Header returns the directives in the comment header of source. Blank
// lines and ordinary comments may appear between directives. A later
// directive overrides an earlier one with the same key.
func Header(source string) Set {
	set := make(Set)
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, Prefix):
			if key, value, ok := parseLine(trimmed); ok {
				set[key] = value
			}
		case trimmed == "", strings.HasPrefix(trimmed, "--"):
			// Regular comments and blank lines don't end the header
		default:
			return set
		}
	}
	return set
}

// parseLine parses a single annotation line.
func parseLine(line string) (key, value string, ok bool) {
	content := strings.TrimSpace(strings.TrimPrefix(line, Prefix))
	if content == "" {
		return "", "", false
	}

	// Check for key=value
	if idx := strings.Index(content, "="); idx > 0 {
		return strings.TrimSpace(content[:idx]), strings.TrimSpace(content[idx+1:]), true
	}

	// Boolean flag (key only)
	return content, "", true
}

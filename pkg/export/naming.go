// Package export names, packages and ships translation artifacts.
package export

import (
	"path"
	"strings"
)

// ContentType is the media type of every .sql artifact.
const ContentType = "text/sql"

// TranslatedMarker is the base-name suffix of a batch output. Inputs that
// already carry it are treated as translated and skipped.
const TranslatedMarker = "_redshift"

// TranslatedFileName names the translated artifact of a single report.
func TranslatedFileName(reportID, reportName string) string {
	return "Redshift-" + clean(reportID) + "-" + clean(reportName) + ".sql"
}

// OriginalFileName names the original artifact of a single report.
func OriginalFileName(reportID, reportName string) string {
	return "Postgres-" + clean(reportID) + "-" + clean(reportName) + ".sql"
}

// BatchOutputName returns the archive entry name for an uploaded file, and
// false when the input is already a translated output.
func BatchOutputName(input string) (string, bool) {
	base := path.Base(strings.ReplaceAll(input, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = "query"
	}
	if strings.HasSuffix(strings.ToLower(base), TranslatedMarker) {
		return "", false
	}
	return base + TranslatedMarker + ".sql", true
}

// clean keeps caller-supplied name parts from introducing path separators
// or header-breaking characters into a download name.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20 || r == 0x7f || r == '"':
			return -1
		}
		return r
	}, s)
}

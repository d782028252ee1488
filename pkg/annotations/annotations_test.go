package annotations

import (
	"reflect"
	"testing"
)

func TestHeader(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   Set
	}{
		{
			name:   "flag and values",
			source: "-- @pgshift:report-id=1042\n-- @pgshift:report-name=monthly revenue\n-- @pgshift:no-validate\nSELECT 1",
			want:   Set{ReportID: "1042", ReportName: "monthly revenue", NoValidate: ""},
		},
		{
			name:   "blank lines and comments inside header",
			source: "-- owner: finance\n\n-- @pgshift:skip\n\nSELECT 1",
			want:   Set{Skip: ""},
		},
		{
			name:   "directives after the first statement are ignored",
			source: "SELECT 1;\n-- @pgshift:skip\nSELECT 2",
			want:   Set{},
		},
		{
			name:   "spaces around equals",
			source: "  -- @pgshift:report-id = 7  \nSELECT 1",
			want:   Set{ReportID: "7"},
		},
		{
			name:   "later directive wins",
			source: "-- @pgshift:report-id=1\n-- @pgshift:report-id=2\nSELECT 1",
			want:   Set{ReportID: "2"},
		},
		{
			name:   "empty directive",
			source: "-- @pgshift:\nSELECT 1",
			want:   Set{},
		},
		{
			name:   "other prefixes are plain comments",
			source: "-- @aul:isolated\nSELECT 1",
			want:   Set{},
		},
		{
			name:   "CRLF",
			source: "-- @pgshift:report-name=x\r\nSELECT 1",
			want:   Set{ReportName: "x"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Header(tc.source)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Header() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSet_GetBool(t *testing.T) {
	set := Set{"flag": "", "yes": "yes", "on": "ON", "no": "false", "zero": "0"}

	tests := []struct {
		key  string
		want bool
	}{
		{"flag", true},
		{"yes", true},
		{"on", true},
		{"no", false},
		{"zero", false},
		{"missing", false},
	}
	for _, tc := range tests {
		if got := set.GetBool(tc.key); got != tc.want {
			t.Errorf("GetBool(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestSet_GetString(t *testing.T) {
	set := Set{ReportID: "12", ReportName: ""}

	if got := set.GetString(ReportID, "x"); got != "12" {
		t.Errorf("expected 12, got %q", got)
	}
	if got := set.GetString(ReportName, "fallback"); got != "fallback" {
		t.Errorf("empty value should fall back, got %q", got)
	}
	if !set.Has(ReportName) || set.Has(Skip) {
		t.Error("Has reports presence, not value")
	}
}

func TestSet_Unknown(t *testing.T) {
	set := Set{ReportID: "1", "zeta": "", "alpha": "x", Skip: ""}
	want := []string{"alpha", "zeta"}
	if got := set.Unknown(); !reflect.DeepEqual(got, want) {
		t.Errorf("Unknown() = %v, want %v", got, want)
	}
}

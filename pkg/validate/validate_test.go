package validate

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestStatements(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "idiom calls dropped",
			in:   "CALL etl.a();\nCALL etl.b();\nSELECT 1",
			want: []string{"SELECT 1"},
		},
		{
			name: "semicolon in literal",
			in:   "SELECT ';' AS sep; SELECT 2;",
			want: []string{"SELECT ';' AS sep", "SELECT 2"},
		},
		{
			name: "quoted identifier",
			in:   `SELECT 1 AS "a;b"`,
			want: []string{`SELECT 1 AS "a;b"`},
		},
		{
			name: "lowercase call",
			in:   "call x();\nselect 1",
			want: []string{"select 1"},
		},
		{
			name: "empty",
			in:   " ; ;\n",
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Statements(tc.in)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestExplainable(t *testing.T) {
	tests := map[string]bool{
		"SELECT 1":                 true,
		"with x as (select 1) ...": true,
		"SELECT(1)":                true,
		"INSERT INTO t VALUES (1)": true,
		"CREATE TABLE t (id int)":  false,
		"SELECTED":                 false,
		"VACUUM":                   false,
	}
	for stmt, want := range tests {
		if got := Explainable(stmt); got != want {
			t.Errorf("%q: expected %v, got %v", stmt, want, got)
		}
	}
}

func TestWarning_String(t *testing.T) {
	w := Warning{Statement: 2, SQLState: "42883", Message: "function now() does not exist"}
	if got := w.String(); got != "statement 2: function now() does not exist (SQLSTATE 42883)" {
		t.Errorf("unexpected warning text: %s", got)
	}
}

func TestNew_BadDSN(t *testing.T) {
	if _, err := New(context.Background(), Config{DSN: "postgres://%zz"}, nil); err == nil {
		t.Error("expected DSN parse error")
	}
}

// Runs against a real endpoint when PGSHIFT_TEST_VALIDATE_DSN is set.
func TestValidator_Live(t *testing.T) {
	dsn := os.Getenv("PGSHIFT_TEST_VALIDATE_DSN")
	if dsn == "" {
		t.Skip("PGSHIFT_TEST_VALIDATE_DSN not set")
	}

	cfg := DefaultConfig()
	cfg.DSN = dsn
	v, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	defer v.Close()

	if w := v.Validate(context.Background(), "CALL etl.a();\nSELECT 1"); len(w) != 0 {
		t.Errorf("expected no warnings, got %v", w)
	}
	w := v.Validate(context.Background(), "SELECT * FROM pgshift_no_such_table")
	if len(w) != 1 || w[0].SQLState == "" {
		t.Errorf("expected one warning with SQLSTATE, got %v", w)
	}
}

package translate

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/ha1tch/pgshift/pkg/log"
)

const reportQuery = "SELECT assert_fresh('warehouse.fact_orders');\n" +
	"SELECT assert_fresh('warehouse.dim_customers');\n" +
	"SELECT o.id -- order key\n" +
	"    , CONCAT_WS(' ', c.first_name, c.last_name) AS \"customer\"\n" +
	"    , o.created_at + INTERVAL '1 YEAR' AS renewal\n" +
	"    , now() AS loaded_at\n" +
	"FROM orders o\n" +
	"WHERE o.status = 'open' OR o.status = 'held'\n" +
	"  AND o.total > 0"

const reportTranslated = "CALL etl.assert_fact_orders_fresh();\n" +
	"CALL etl.assert_dim_customers_fresh();\n" +
	"SELECT o.id \n" +
	"\t, COALESCE(c.first_name, '') || ' ' || COALESCE(c.last_name, '') AS \"customer\"\n" +
	"\t, dateadd('year', 1, 'o.createdat') AS renewal\n" +
	"\t, getdate() AS loaded_at\n" +
	"FROM orders o\n" +
	"WHERE o.status = 'open' \n" +
	"\tOR o.status = 'held'\n" +
	"\tAND o.total > 0"

func TestPipeline_Translate(t *testing.T) {
	p := New(DefaultMapping())

	if got := p.Translate(reportQuery); got != reportTranslated {
		t.Errorf("unexpected translation:\nwant: %q\ngot:  %q", reportTranslated, got)
	}
}

func TestPipeline_StageOrder(t *testing.T) {
	want := []string{
		StageAssertIdioms,
		StageReservedWords,
		StageStripComments,
		StageIndentCommas,
		StageIndentConjunctions,
		StageSplitOr,
		StageConcatWS,
		StageIntervals,
	}

	got := New(nil).Stages()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected stages %v, got %v", want, got)
	}
}

// Every boundary of the report query is pinned so a reordering of stages
// shows up as a snapshot mismatch.
func TestPipeline_TraceSnapshots(t *testing.T) {
	p := New(DefaultMapping())
	out, trace := p.Trace(reportQuery)

	if out != reportTranslated {
		t.Fatalf("trace output differs from Translate:\nwant: %q\ngot:  %q", reportTranslated, out)
	}
	if len(trace) != len(p.Stages()) {
		t.Fatalf("expected %d stage results, got %d", len(p.Stages()), len(trace))
	}

	snapshots := map[string]string{
		StageAssertIdioms: "CALL etl.assert_fact_orders_fresh();\n" +
			"CALL etl.assert_dim_customers_fresh();\n" +
			"SELECT o.id -- order key\n" +
			"    , CONCAT_WS(' ', c.first_name, c.last_name) AS \"customer\"\n" +
			"    , o.created_at + INTERVAL '1 YEAR' AS renewal\n" +
			"    , now() AS loaded_at\n" +
			"FROM orders o\n" +
			"WHERE o.status = 'open' OR o.status = 'held'\n" +
			"  AND o.total > 0",
		StageStripComments: "CALL etl.assert_fact_orders_fresh();\n" +
			"CALL etl.assert_dim_customers_fresh();\n" +
			"SELECT o.id \n" +
			"    , CONCAT_WS(' ', c.first_name, c.last_name) AS \"customer\"\n" +
			"    , o.created_at + INTERVAL '1 YEAR' AS renewal\n" +
			"    , getdate() AS loaded_at\n" +
			"FROM orders o\n" +
			"WHERE o.status = 'open' OR o.status = 'held'\n" +
			"  AND o.total > 0",
		StageSplitOr: "CALL etl.assert_fact_orders_fresh();\n" +
			"CALL etl.assert_dim_customers_fresh();\n" +
			"SELECT o.id \n" +
			"\t, CONCAT_WS(' ', c.first_name, c.last_name) AS \"customer\"\n" +
			"\t, o.created_at + INTERVAL '1 YEAR' AS renewal\n" +
			"\t, getdate() AS loaded_at\n" +
			"FROM orders o\n" +
			"WHERE o.status = 'open' \n" +
			"\tOR o.status = 'held'\n" +
			"\tAND o.total > 0",
	}

	for _, res := range trace {
		if !res.Changed {
			t.Errorf("expected stage %s to change the report query", res.Stage)
		}
		if want, ok := snapshots[res.Stage]; ok && res.Output != want {
			t.Errorf("stage %s snapshot mismatch:\nwant: %q\ngot:  %q", res.Stage, want, res.Output)
		}
	}
}

func TestPipeline_NoIdiomIsIdentity(t *testing.T) {
	p := New(DefaultMapping())

	queries := []string{
		"SELECT id, name\nFROM users\nWHERE id = 1",
		"SELECT count(*) FROM events GROUP BY day ORDER BY day",
		"",
	}
	for _, q := range queries {
		if got := p.Translate(q); got != q {
			t.Errorf("expected %q unchanged, got %q", q, got)
		}
	}
}

func TestPipeline_SecondPassKeepsTargetTerms(t *testing.T) {
	p := New(DefaultMapping())

	once := p.Translate("SELECT now(), string_agg(a, ',') AS names FROM t")
	twice := p.Translate(once)
	if once != twice {
		t.Errorf("expected second translation to be stable:\nfirst:  %q\nsecond: %q", once, twice)
	}
	if !strings.Contains(twice, "getdate()") || !strings.Contains(twice, "listagg(") {
		t.Errorf("expected target terms to survive, got %q", twice)
	}
}

func TestPipeline_CustomIdioms(t *testing.T) {
	p := New(nil, WithIdioms(nil))

	got := p.Translate(DefaultAssertIdioms()[0].Head[0] + "\n" + DefaultAssertIdioms()[0].Head[1])
	if strings.Contains(got, "CALL") {
		t.Errorf("expected no idiom rewrite with an empty table, got %q", got)
	}
}

func TestPipeline_Concurrent(t *testing.T) {
	p := New(DefaultMapping())

	var wg sync.WaitGroup
	errs := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := p.Translate(reportQuery); got != reportTranslated {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)

	for got := range errs {
		t.Errorf("concurrent translation differs: %q", got)
	}
}

func TestPipeline_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{DefaultLevel: log.LevelDebug, Output: &buf})

	p := New(DefaultMapping(), WithLogger(logger))
	if got := p.Translate(reportQuery); got != reportTranslated {
		t.Fatalf("logging changed the translation: %q", got)
	}

	out := buf.String()
	if strings.Count(out, "stage applied") != len(p.Stages()) {
		t.Errorf("expected one log line per stage, got:\n%s", out)
	}
	if !strings.Contains(out, "[translation]") {
		t.Errorf("expected translation category in log output, got:\n%s", out)
	}
}

func TestPipeline_DebugEnabled(t *testing.T) {
	info := log.New(log.Config{DefaultLevel: log.LevelInfo, Output: &bytes.Buffer{}})
	tests := []struct {
		name   string
		logger *log.Logger
		want   bool
	}{
		{"no logger", nil, false},
		{"discard", log.Discard(), false},
		{"info", info, false},
		{"debug", log.New(log.Config{DefaultLevel: log.LevelDebug, Output: &bytes.Buffer{}}), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var opts []Option
			if tc.logger != nil {
				opts = append(opts, WithLogger(tc.logger))
			}
			p := New(DefaultMapping(), opts...)
			if got := p.debugEnabled(); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
			if got := p.Translate(reportQuery); got != reportTranslated {
				t.Errorf("unexpected translation: %q", got)
			}
		})
	}
}

func TestPipeline_DebugFollowsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{DefaultLevel: log.LevelInfo, Output: &buf})
	p := New(DefaultMapping(), WithLogger(logger))

	p.Translate(reportQuery)
	if buf.Len() != 0 {
		t.Fatalf("expected no stage logging at info, got:\n%s", buf.String())
	}

	logger.SetLevel(log.CategoryTranslation, log.LevelDebug)
	p.Translate(reportQuery)
	if strings.Count(buf.String(), "stage applied") != len(p.Stages()) {
		t.Errorf("expected stage logging after raising the level, got:\n%s", buf.String())
	}
}

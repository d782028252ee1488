package service

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/ha1tch/pgshift/pkg/batch"
	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/mapping"
	"github.com/ha1tch/pgshift/pkg/storage"
	"github.com/ha1tch/pgshift/pkg/translate"
	"github.com/ha1tch/pgshift/pkg/validate"
)

type stubValidator struct {
	seen []string
}

func (v *stubValidator) Validate(ctx context.Context, translated string) []validate.Warning {
	v.seen = append(v.seen, translated)
	return []validate.Warning{{Statement: 1, Message: "checked"}}
}

func TestService_Translate(t *testing.T) {
	history := storage.NewMemoryHistory()
	v := &stubValidator{}
	s := New(mapping.NewRegistry(nil), nil, WithHistory(history), WithValidator(v))

	ctx := log.WithRequestID(context.Background(), "req-7")
	res, err := s.Translate(ctx, Request{
		Query:      "SELECT now() -- when\nFROM t",
		ReportID:   "7",
		ReportName: "daily",
		Source:     SourceAPI,
	})
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}

	if res.Translated != "SELECT getdate() \nFROM t" {
		t.Errorf("unexpected translation: %q", res.Translated)
	}
	if res.FileName != "Redshift-7-daily.sql" || res.OriginalFileName != "Postgres-7-daily.sql" {
		t.Errorf("unexpected file names: %s %s", res.FileName, res.OriginalFileName)
	}
	if res.RequestID != "req-7" || res.MappingVersion != 1 {
		t.Errorf("unexpected request id or version: %s %d", res.RequestID, res.MappingVersion)
	}
	if len(res.Warnings) != 1 || len(v.seen) != 1 || v.seen[0] != res.Translated {
		t.Errorf("expected validator to see the translation, got %v", v.seen)
	}
	if res.Trace != nil {
		t.Error("expected no trace unless requested")
	}

	e, err := history.Get(context.Background(), res.HistoryID)
	if err != nil {
		t.Fatalf("expected history entry: %v", err)
	}
	if e.RequestID != "req-7" || e.Source != SourceAPI || e.Original != "SELECT now() -- when\nFROM t" {
		t.Errorf("unexpected history entry: %+v", e)
	}
}

func TestService_TranslateTrace(t *testing.T) {
	s := New(mapping.NewRegistry(nil), nil)

	res, err := s.Translate(context.Background(), Request{Query: "SELECT now()", Trace: true})
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if len(res.Trace) != len(translate.New(nil).Stages()) {
		t.Errorf("expected one trace entry per stage, got %d", len(res.Trace))
	}
	if res.RequestID == "" {
		t.Error("expected generated request id")
	}
	if res.HistoryID != 0 {
		t.Error("expected no history id without history")
	}
}

func TestService_MalformedEncoding(t *testing.T) {
	s := New(mapping.NewRegistry(nil), nil)

	_, err := s.Translate(context.Background(), Request{Query: "SELECT '\xff'"})
	if !errors.IsCode(err, errors.ErrCodeMalformedEncoding) {
		t.Errorf("expected malformed encoding, got %v", err)
	}
}

func TestService_StripsBOM(t *testing.T) {
	s := New(mapping.NewRegistry(nil), nil)

	res, err := s.Translate(context.Background(), Request{
		Query: "\xef\xbb\xbfSELECT assert_fresh('warehouse.fact_orders');\nSELECT assert_fresh('warehouse.dim_customers');",
	})
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if res.Translated != "CALL etl.assert_fact_orders_fresh();\nCALL etl.assert_dim_customers_fresh();" {
		t.Errorf("expected idiom rewrite after BOM removal, got %q", res.Translated)
	}
}

func TestService_Disabled(t *testing.T) {
	s := New(mapping.NewRegistry(nil), nil)
	ctx := context.Background()

	if s.BatchEnabled() || s.HistoryEnabled() {
		t.Error("expected batch and history disabled")
	}
	if _, err := s.Batch(ctx, []batch.Input{{Name: "a.sql"}}); !errors.IsCode(err, errors.ErrCodeNotImplemented) {
		t.Errorf("expected disabled batch error, got %v", err)
	}
	if _, err := s.History(ctx, 10); !errors.IsCode(err, errors.ErrCodeNotImplemented) {
		t.Errorf("expected disabled history error, got %v", err)
	}
	if _, err := s.Entry(ctx, 1); !errors.IsCode(err, errors.ErrCodeNotImplemented) {
		t.Errorf("expected disabled history error, got %v", err)
	}
}

func TestService_Batch(t *testing.T) {
	registry := mapping.NewRegistry(nil)
	cfg := batch.DefaultConfig()
	cfg.WorkspaceRoot = "/work"
	p := batch.NewProcessor(afero.NewMemMapFs(), registry, cfg, nil)
	s := New(registry, nil, WithBatch(p))

	report, err := s.Batch(context.Background(), []batch.Input{{Name: "q.sql", Data: []byte("SELECT now()")}})
	if err != nil {
		t.Fatalf("failed to run batch: %v", err)
	}
	if report.Translated != 1 || len(report.Archive) == 0 {
		t.Errorf("expected one translated file and an archive, got %+v", report)
	}
}

func TestService_HeaderDirectives(t *testing.T) {
	v := &stubValidator{}
	s := New(mapping.NewRegistry(nil), nil, WithValidator(v))

	query := "-- @pgshift:report-id=31\n-- @pgshift:report-name=churn\n-- @pgshift:no-validate\nSELECT now()"

	res, err := s.Translate(context.Background(), Request{Query: query, Source: SourceUpload})
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if res.FileName != "Redshift-31-churn.sql" {
		t.Errorf("expected names from directives, got %s", res.FileName)
	}
	if len(v.seen) != 0 || res.Warnings != nil {
		t.Error("expected validation to be skipped")
	}
	if res.Translated != "\n\n\nSELECT getdate()" {
		t.Errorf("expected directives stripped with comments, got %q", res.Translated)
	}

	// request fields win over directives
	res, err = s.Translate(context.Background(), Request{Query: query, ReportID: "1", ReportName: "x"})
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if res.FileName != "Redshift-1-x.sql" {
		t.Errorf("expected request names, got %s", res.FileName)
	}
}

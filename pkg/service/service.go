// Package service is the translation service behind every listener.
//
// It takes a request, runs it through the active mapping's pipeline and
// then, when configured, validates the result against Redshift and records
// it in the history.
package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ha1tch/pgshift/pkg/annotations"
	"github.com/ha1tch/pgshift/pkg/batch"
	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/export"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/mapping"
	"github.com/ha1tch/pgshift/pkg/storage"
	"github.com/ha1tch/pgshift/pkg/translate"
	"github.com/ha1tch/pgshift/pkg/validate"
)

// Request sources.
const (
	SourceForm     = "form"
	SourceUpload   = "upload"
	SourceAPI      = "api"
	SourcePostgres = "postgres"
	SourceCLI      = "cli"
)

const utf8BOM = "\xef\xbb\xbf"

// Validator checks translated text against the target.
type Validator interface {
	Validate(ctx context.Context, translated string) []validate.Warning
}

// Request is one query to translate.
type Request struct {
	Query      string
	ReportID   string
	ReportName string
	Source     string
	Trace      bool // include per-stage output
}

// Result is a finished translation.
type Result struct {
	RequestID        string                  `json:"request_id"`
	Original         string                  `json:"original"`
	Translated       string                  `json:"translated"`
	FileName         string                  `json:"file_name"`
	OriginalFileName string                  `json:"original_file_name"`
	MappingVersion   int64                   `json:"mapping_version"`
	HistoryID        int64                   `json:"history_id,omitempty"`
	Trace            []translate.StageResult `json:"trace,omitempty"`
	Warnings         []validate.Warning      `json:"warnings,omitempty"`
	Duration         time.Duration           `json:"duration_ns"`
}

// Service translates queries and batches.
type Service struct {
	registry  *mapping.Registry
	logger    *log.Logger
	history   storage.History
	validator Validator
	batch     *batch.Processor
}

// Option configures a Service.
type Option func(*Service)

// WithHistory records every translation.
func WithHistory(h storage.History) Option {
	return func(s *Service) {
		s.history = h
	}
}

// WithValidator validates every translation.
func WithValidator(v Validator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithBatch enables batch translation.
func WithBatch(p *batch.Processor) Option {
	return func(s *Service) {
		s.batch = p
	}
}

// New creates a service around a mapping registry.
func New(registry *mapping.Registry, logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Discard()
	}
	s := &Service{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Translate translates one query. The only failure is input that is not
// valid UTF-8; validation and history problems are logged, not returned.
func (s *Service) Translate(ctx context.Context, req Request) (*Result, error) {
	requestID := log.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = log.WithRequestID(ctx, requestID)
	}

	if !utf8.ValidString(req.Query) {
		return nil, errors.MalformedEncoding("query").
			WithOp("Service.Translate").
			WithField("request_id", requestID).
			Err()
	}
	original := strings.TrimPrefix(req.Query, utf8BOM)

	// Header directives fill in what the request left out.
	directives := annotations.Header(original)
	if unknown := directives.Unknown(); len(unknown) > 0 {
		s.logger.Application().WithContext(ctx).Warn("unknown directives ignored",
			"keys", strings.Join(unknown, ","),
		)
	}
	if req.ReportID == "" {
		req.ReportID = directives.GetString(annotations.ReportID, "")
	}
	if req.ReportName == "" {
		req.ReportName = directives.GetString(annotations.ReportName, "")
	}

	start := time.Now()
	snap := s.registry.Current()
	res := &Result{
		RequestID:        requestID,
		Original:         original,
		FileName:         export.TranslatedFileName(req.ReportID, req.ReportName),
		OriginalFileName: export.OriginalFileName(req.ReportID, req.ReportName),
		MappingVersion:   snap.Version,
	}
	if req.Trace {
		res.Translated, res.Trace = snap.Pipeline.Trace(original)
	} else {
		res.Translated = snap.Pipeline.Translate(original)
	}
	res.Duration = time.Since(start)

	if s.validator != nil && !directives.GetBool(annotations.NoValidate) {
		res.Warnings = s.validator.Validate(ctx, res.Translated)
	}

	if s.history != nil {
		e := &storage.Entry{
			RequestID:      requestID,
			ReportID:       req.ReportID,
			ReportName:     req.ReportName,
			Source:         req.Source,
			Original:       original,
			Translated:     res.Translated,
			MappingVersion: snap.Version,
			Duration:       res.Duration,
		}
		if err := s.history.Record(ctx, e); err != nil {
			s.logger.Application().WithContext(ctx).Error("failed to record translation", err)
		} else {
			res.HistoryID = e.ID
		}
	}

	s.logger.Application().WithContext(ctx).Info("query translated",
		"source", req.Source,
		"report_id", req.ReportID,
		"bytes", len(original),
		"mapping_version", snap.Version,
		"warnings", len(res.Warnings),
	)
	s.logger.Performance().WithContext(ctx).Debug("translation timing",
		"duration", res.Duration,
	)

	return res, nil
}

// BatchEnabled reports whether Batch can be used.
func (s *Service) BatchEnabled() bool {
	return s.batch != nil
}

// Batch translates a set of files into an archive.
func (s *Service) Batch(ctx context.Context, inputs []batch.Input) (*batch.Report, error) {
	if s.batch == nil {
		return nil, errors.New(errors.ErrCodeNotImplemented, "batch translation is disabled").
			WithOp("Service.Batch").
			Err()
	}
	return s.batch.Process(ctx, inputs)
}

// HistoryEnabled reports whether translations are recorded.
func (s *Service) HistoryEnabled() bool {
	return s.history != nil
}

// History returns up to limit recent translations, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.Entry, error) {
	if s.history == nil {
		return nil, errors.New(errors.ErrCodeNotImplemented, "history is disabled").Err()
	}
	return s.history.Recent(ctx, limit)
}

// Entry returns one recorded translation.
func (s *Service) Entry(ctx context.Context, id int64) (*storage.Entry, error) {
	if s.history == nil {
		return nil, errors.New(errors.ErrCodeNotImplemented, "history is disabled").Err()
	}
	return s.history.Get(ctx, id)
}

// Mapping returns the active mapping snapshot.
func (s *Service) Mapping() *mapping.Snapshot {
	return s.registry.Current()
}

// Package batch translates a set of uploaded files into one zip archive.
//
// Uploads are staged in a per-batch workspace, translated in parallel and
// collected into the archive. A file that cannot be read or decoded is
// reported as failed without affecting the others. The workspace is removed
// when the batch finishes.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/ha1tch/pgshift/pkg/annotations"
	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/export"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/mapping"
	"github.com/ha1tch/pgshift/pkg/storage"
)

// File status values.
const (
	StatusTranslated = "translated"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
)

const utf8BOM = "\xef\xbb\xbf"

// Config holds batch settings.
type Config struct {
	Workers       int    // parallel translations
	WorkspaceRoot string // staging directory on the processor's filesystem
	MaxFiles      int    // 0 means unlimited
	ArchivePrefix string // key prefix for the archive sink
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		WorkspaceRoot: "/tmp/pgshift",
		MaxFiles:      500,
		ArchivePrefix: "batches",
	}
}

// Input is one uploaded file.
type Input struct {
	Name string
	Data []byte
}

// FileResult describes what happened to one input.
type FileResult struct {
	Input    string        `json:"input"`
	Output   string        `json:"output,omitempty"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration_ns"`
}

// Report summarizes a batch.
type Report struct {
	BatchID        string       `json:"batch_id"`
	MappingVersion int64        `json:"mapping_version"`
	Files          []FileResult `json:"files"`
	Translated     int          `json:"translated"`
	Skipped        int          `json:"skipped"`
	Failed         int          `json:"failed"`
	Location       string       `json:"location,omitempty"`
	Archive        []byte       `json:"-"`
}

// Processor runs batches.
type Processor struct {
	fs       afero.Fs
	registry *mapping.Registry
	cfg      Config
	logger   *log.Logger

	history storage.History
	sink    export.Sink
}

// Option configures a Processor.
type Option func(*Processor)

// WithHistory records every translated file.
func WithHistory(h storage.History) Option {
	return func(p *Processor) {
		p.history = h
	}
}

// WithSink stores every finished archive.
func WithSink(s export.Sink) Option {
	return func(p *Processor) {
		p.sink = s
	}
}

// NewProcessor creates a batch processor. fs is usually afero.NewOsFs().
func NewProcessor(fs afero.Fs, registry *mapping.Registry, cfg Config, logger *log.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = log.Discard()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Processor{
		fs:       fs,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process translates inputs and returns the report with the archive bytes.
// Per-file problems are reported in the result; an error is returned only
// when the batch as a whole cannot run or produce its archive.
func (p *Processor) Process(ctx context.Context, inputs []Input) (*Report, error) {
	if len(inputs) == 0 {
		return nil, errors.InvalidInput("files", "no files uploaded").WithOp("Batch.Process").Err()
	}
	if p.cfg.MaxFiles > 0 && len(inputs) > p.cfg.MaxFiles {
		return nil, errors.InvalidInput("files",
			fmt.Sprintf("%d files exceeds the limit of %d", len(inputs), p.cfg.MaxFiles)).
			WithOp("Batch.Process").
			Err()
	}

	start := time.Now()
	snap := p.registry.Current()
	report := &Report{
		BatchID:        uuid.NewString(),
		MappingVersion: snap.Version,
		Files:          make([]FileResult, len(inputs)),
	}
	ctx = log.WithRequestID(ctx, report.BatchID)
	logger := p.logger.Application().WithContext(ctx)

	ws, err := p.newWorkspace(report.BatchID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.remove(); err != nil {
			logger.Warn("failed to remove workspace", "dir", ws.dir, "error", err.Error())
		}
	}()

	// Stage every upload before any translation starts.
	staged := make([]string, len(inputs))
	for i, in := range inputs {
		report.Files[i] = FileResult{Input: in.Name, Bytes: len(in.Data)}
		out, ok := export.BatchOutputName(in.Name)
		if !ok || annotations.Header(string(in.Data)).GetBool(annotations.Skip) {
			report.Files[i].Status = StatusSkipped
			continue
		}
		report.Files[i].Output = out
		staged[i], err = ws.stage(i, in)
		if err != nil {
			p.fail(&report.Files[i], err)
		}
	}

	var buf bytes.Buffer
	archive := export.NewArchive(&buf)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	var recordMu sync.Mutex
	for i := range inputs {
		res := &report.Files[i]
		if res.Status != "" {
			continue
		}
		stagedPath := staged[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				p.fail(res, errors.Wrap(err, errors.ErrCodeCancelled, "batch cancelled").Err())
				return nil
			}

			fileStart := time.Now()
			var translated []byte
			outPath, original, err := p.translateFile(ws, stagedPath, res.Output, snap)
			if err == nil {
				translated, err = ws.readOutput(outPath)
			}
			if err == nil {
				res.Output, err = archive.Add(res.Output, translated)
			}
			res.Duration = time.Since(fileStart)
			if err != nil {
				p.fail(res, err)
				logger.Warn("batch file failed", "file", res.Input, "error", err.Error())
				return nil
			}
			res.Status = StatusTranslated

			if p.history != nil {
				recordMu.Lock()
				defer recordMu.Unlock()
				e := &storage.Entry{
					RequestID:      report.BatchID,
					ReportName:     res.Input,
					Source:         "batch",
					Original:       original,
					Translated:     string(translated),
					MappingVersion: snap.Version,
					Duration:       res.Duration,
				}
				if err := p.history.Record(gctx, e); err != nil {
					logger.Warn("failed to record batch file", "file", res.Input, "error", err.Error())
				}
			}
			return nil
		})
	}

	// Workers never return errors; cancellation is checked below.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCancelled, "batch cancelled").
			WithField("batch_id", report.BatchID).
			Err()
	}

	if err := archive.Close(); err != nil {
		return nil, err
	}
	report.Archive = buf.Bytes()

	for _, f := range report.Files {
		switch f.Status {
		case StatusTranslated:
			report.Translated++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
		}
	}

	if p.sink != nil && report.Translated > 0 {
		loc, err := p.sink.Store(ctx, export.ArchiveKey(p.cfg.ArchivePrefix, report.BatchID), bytes.NewReader(report.Archive))
		if err != nil {
			// the caller still gets the archive
			logger.Error("failed to store archive", err)
		} else {
			report.Location = loc
		}
	}

	logger.Info("batch processed",
		"files", len(inputs),
		"translated", report.Translated,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"mapping_version", report.MappingVersion,
	)
	p.logger.Performance().WithContext(ctx).Info("batch timing",
		"files", len(inputs),
		"duration", time.Since(start),
	)

	return report, nil
}

// translateFile reads a staged file back, translates it and writes the
// output to the workspace. It returns the output path and the original text.
func (p *Processor) translateFile(ws *workspace, stagedPath, output string, snap *mapping.Snapshot) (string, string, error) {
	data, err := afero.ReadFile(p.fs, stagedPath)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeFileRead, "read staged file").
			WithField("path", stagedPath).
			Err()
	}
	if !utf8.Valid(data) {
		return "", "", errors.MalformedEncoding(path.Base(stagedPath)).Err()
	}
	original := strings.TrimPrefix(string(data), utf8BOM)

	outPath, err := ws.writeOutput(stagedPath, output, snap.Pipeline.Translate(original))
	if err != nil {
		return "", "", err
	}
	return outPath, original, nil
}

func (p *Processor) fail(res *FileResult, err error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	res.Code = errors.GetCode(err).String()
}

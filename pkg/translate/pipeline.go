package translate

import (
	"time"

	"github.com/ha1tch/pgshift/pkg/log"
)

// Stage is one named rewrite in the pipeline.
type Stage struct {
	Name  string
	Apply func(string) string
}

// StageResult is the text at one stage boundary.
type StageResult struct {
	Stage    string        `json:"stage"`
	Output   string        `json:"output"`
	Changed  bool          `json:"changed"`
	Duration time.Duration `json:"duration_ns"`
}

// Stage names, in execution order.
const (
	StageAssertIdioms       = "assert-idioms"
	StageReservedWords      = "reserved-words"
	StageStripComments      = "strip-comments"
	StageIndentCommas       = "indent-commas"
	StageIndentConjunctions = "indent-conjunctions"
	StageSplitOr            = "split-or"
	StageConcatWS           = "concat-ws"
	StageIntervals          = "intervals"
)

// Pipeline applies the translation stages in their fixed order.
// A Pipeline is immutable once built and safe for concurrent use.
type Pipeline struct {
	mapping *Mapping
	idioms  []AssertIdiom
	stages  []Stage
	logger  *log.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithIdioms replaces the default assert idiom table.
func WithIdioms(idioms []AssertIdiom) Option {
	return func(p *Pipeline) {
		p.idioms = append([]AssertIdiom(nil), idioms...)
	}
}

// WithLogger enables debug logging of each stage.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New builds a pipeline around a reserved-word mapping. A nil mapping
// disables reserved-word substitution.
func New(m *Mapping, opts ...Option) *Pipeline {
	p := &Pipeline{
		mapping: m,
		idioms:  DefaultAssertIdioms(),
	}
	for _, opt := range opts {
		opt(p)
	}

	// The formatting sub-steps are listed individually so traces show every
	// boundary; together they are FormatIndentation.
	p.stages = []Stage{
		{Name: StageAssertIdioms, Apply: func(q string) string { return RewriteAssertIdioms(q, p.idioms) }},
		{Name: StageReservedWords, Apply: func(q string) string { return ReplaceReservedWords(q, p.mapping) }},
		{Name: StageStripComments, Apply: StripComments},
		{Name: StageIndentCommas, Apply: IndentLeadingCommas},
		{Name: StageIndentConjunctions, Apply: IndentLeadingConjunctions},
		{Name: StageSplitOr, Apply: SplitInlineOr},
		{Name: StageConcatWS, Apply: RewriteConcatWS},
		{Name: StageIntervals, Apply: RewriteIntervals},
	}
	return p
}

// Mapping returns the pipeline's reserved-word mapping.
func (p *Pipeline) Mapping() *Mapping { return p.mapping }

// Idioms returns a copy of the pipeline's assert idiom table.
func (p *Pipeline) Idioms() []AssertIdiom {
	return append([]AssertIdiom(nil), p.idioms...)
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Translate runs query through every stage and returns the result. Stages
// are only timed and recorded when translation debug logging is on.
func (p *Pipeline) Translate(query string) string {
	if !p.debugEnabled() {
		for _, s := range p.stages {
			query = s.Apply(query)
		}
		return query
	}
	out, _ := p.Trace(query)
	return out
}

// debugEnabled is checked per call so a level change on a live logger
// takes effect without rebuilding the pipeline.
func (p *Pipeline) debugEnabled() bool {
	return p.logger != nil && p.logger.Enabled(log.CategoryTranslation, log.LevelDebug)
}

// Trace runs query through every stage and also returns the text at each
// stage boundary.
func (p *Pipeline) Trace(query string) (string, []StageResult) {
	results := make([]StageResult, 0, len(p.stages))
	for _, s := range p.stages {
		start := time.Now()
		out := s.Apply(query)
		res := StageResult{
			Stage:    s.Name,
			Output:   out,
			Changed:  out != query,
			Duration: time.Since(start),
		}
		results = append(results, res)

		if p.debugEnabled() {
			p.logger.Translation().Debug("stage applied",
				"stage", s.Name,
				"changed", res.Changed,
				"duration", res.Duration,
			)
		}
		query = out
	}
	return query, results
}

// Package validate checks translated text against a live Redshift endpoint.
//
// Each explainable statement is sent as EXPLAIN, so nothing is executed.
// Problems come back as warnings; validation never changes or rejects a
// translation.
package validate

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/log"
)

// Config holds validator settings. An empty DSN disables validation.
type Config struct {
	DSN      string
	Timeout  time.Duration // per statement
	MaxConns int32
}

// DefaultConfig returns validation disabled.
func DefaultConfig() Config {
	return Config{
		Timeout:  5 * time.Second,
		MaxConns: 4,
	}
}

// Warning is one statement the target rejected.
type Warning struct {
	Statement int    `json:"statement"` // 1-based
	SQLState  string `json:"sqlstate,omitempty"`
	Message   string `json:"message"`
}

func (w Warning) String() string {
	if w.SQLState != "" {
		return fmt.Sprintf("statement %d: %s (SQLSTATE %s)", w.Statement, w.Message, w.SQLState)
	}
	return fmt.Sprintf("statement %d: %s", w.Statement, w.Message)
}

// Validator runs EXPLAIN through a pgx connection pool.
type Validator struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *log.Logger
}

// New connects to the target. The pool connects lazily, so an unreachable
// target surfaces as warnings on first use rather than here.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*Validator, error) {
	if logger == nil {
		logger = log.Discard()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "parse validation DSN").
			WithOp("Validate.New").
			Err()
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidationFailed, "create validation pool").
			WithOp("Validate.New").
			Err()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	logger.System().Info("validation enabled",
		"host", pcfg.ConnConfig.Host,
		"database", pcfg.ConnConfig.Database,
	)

	return &Validator{pool: pool, timeout: timeout, logger: logger}, nil
}

// Validate explains every statement of translated and returns the ones the
// target rejected.
func (v *Validator) Validate(ctx context.Context, translated string) []Warning {
	var warnings []Warning

	for i, stmt := range Statements(translated) {
		if !Explainable(stmt) {
			continue
		}
		if err := v.explain(ctx, stmt); err != nil {
			w := Warning{Statement: i + 1, Message: err.Error()}
			var pgErr *pgconn.PgError
			if stderrors.As(err, &pgErr) {
				w.SQLState = pgErr.Code
				w.Message = pgErr.Message
			}
			warnings = append(warnings, w)
			v.logger.Application().Debug("validation warning",
				"statement", w.Statement,
				"sqlstate", w.SQLState,
				"message", w.Message,
			)
		}
	}

	return warnings
}

func (v *Validator) explain(ctx context.Context, stmt string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	rows, err := v.pool.Query(ctx, "EXPLAIN "+stmt)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// Close closes the pool.
func (v *Validator) Close() {
	v.pool.Close()
}

// Statements splits text into statements on semicolons outside quotes and
// drops CALL statements, which EXPLAIN does not accept.
func Statements(text string) []string {
	var out []string
	var cur strings.Builder
	var quote byte

	flush := func() {
		stmt := strings.TrimSpace(cur.String())
		cur.Reset()
		if stmt == "" || hasKeyword(stmt, "CALL") {
			return
		}
		out = append(out, stmt)
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()

	return out
}

// Explainable reports whether stmt is a statement kind EXPLAIN accepts.
func Explainable(stmt string) bool {
	for _, kw := range []string{"SELECT", "WITH", "INSERT", "UPDATE", "DELETE"} {
		if hasKeyword(stmt, kw) {
			return true
		}
	}
	return false
}

func hasKeyword(stmt, kw string) bool {
	if len(stmt) < len(kw) || !strings.EqualFold(stmt[:len(kw)], kw) {
		return false
	}
	if len(stmt) == len(kw) {
		return true
	}
	next := stmt[len(kw)]
	return next == ' ' || next == '\t' || next == '\n' || next == '\r' || next == '('
}

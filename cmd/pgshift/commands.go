package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/ha1tch/pgshift/pkg/batch"
	"github.com/ha1tch/pgshift/pkg/export"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/mapping"
	"github.com/ha1tch/pgshift/pkg/server"
	"github.com/ha1tch/pgshift/pkg/service"
	"github.com/ha1tch/pgshift/pkg/tlsutil"
	"github.com/ha1tch/pgshift/pkg/validate"
	"github.com/ha1tch/pgshift/pkg/version"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)

	var configFile string
	fs.StringVar(&configFile, "c", "", "Configuration file path")
	fs.StringVar(&configFile, "config", "", "Configuration file path")
	fs.String("m", "", "Mapping file")
	fs.String("mapping", "", "Mapping file")
	fs.Bool("watch", true, "Reload the mapping file on change")
	fs.Int("http-port", 8080, "HTTP port (0 = disabled)")
	fs.Int("pg-port", 0, "PostgreSQL wire port (0 = disabled)")
	fs.String("storage", "memory", "History backend: memory, sqlite, none")
	fs.String("storage-path", "", "SQLite database file")
	fs.String("validate-dsn", "", "Redshift connection for validation")
	fs.String("archive-dir", "", "Keep batch archives in this directory")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "text", "Log format (text, json)")
	noBanner := fs.Bool("no-banner", false, "Suppress startup banner")
	fs.Usage = func() { printUsage(stderr) }

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return exitUsage
	}

	v, err := loadConfig(configFile, fs)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	cfg, err := buildConfig(v)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fail(stderr, "creating server: %v", err)
	}
	if err := srv.Start(); err != nil {
		return fail(stderr, "starting server: %v", err)
	}

	if !*noBanner {
		bold := color.New(color.Bold)
		bold.Fprintf(stdout, "pgshift %s\n", version.Version)
		snap := srv.Registry().Current()
		fmt.Fprintf(stdout, "  Mapping: %s (version %d)\n", snap.Source, snap.Version)
		fmt.Fprintf(stdout, "  History: %s\n", cfg.Storage.Type)
		fmt.Fprintf(stdout, "  Validation: %v\n", cfg.Validate.DSN != "")
		for _, l := range cfg.Listeners {
			if ln, ok := srv.Listener(l.Name); ok && ln.Addr() != nil {
				color.New(color.FgGreen).Fprintf(stdout, "  Listening: %s on %s\n", l.Protocol, ln.Addr())
			}
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nShutting down (%s)...\n", sig)

	if err := srv.Stop(); err != nil {
		return fail(stderr, "stopping server: %v", err)
	}
	fmt.Fprintln(stdout, "Server stopped")
	return exitOK
}

// oneShot carries the setup shared by translate, batch and mapping.
type oneShot struct {
	v        *viper.Viper
	logger   *log.Logger
	registry *mapping.Registry
}

// prepare loads configuration, the logger and the mapping. A nil result
// means the command should exit with code.
func prepare(configFile string, fs *flag.FlagSet, stderr io.Writer) (*oneShot, int) {
	v, err := loadConfig(configFile, fs)
	if err != nil {
		return nil, fail(stderr, "%v", err)
	}
	logger, err := newLogger(v, stderr)
	if err != nil {
		return nil, fail(stderr, "%v", err)
	}

	registry := mapping.NewRegistry(logger)
	if file, err := expandPath(v.GetString("mapping.file")); err != nil {
		logger.Close()
		return nil, fail(stderr, "%v", err)
	} else if file != "" {
		if _, err := registry.LoadFile(file); err != nil {
			logger.Close()
			return nil, fail(stderr, "%v", err)
		}
	}

	return &oneShot{v: v, logger: logger, registry: registry}, exitOK
}

func runTranslate(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := newFlagSet("translate", stderr)

	var configFile, outDir string
	fs.StringVar(&configFile, "c", "", "Configuration file path")
	fs.StringVar(&configFile, "config", "", "Configuration file path")
	fs.String("m", "", "Mapping file")
	fs.String("mapping", "", "Mapping file")
	fs.StringVar(&outDir, "o", "", "Output directory")
	fs.StringVar(&outDir, "output", "", "Output directory")
	fs.String("validate-dsn", "", "Redshift connection for validation")
	fs.String("log-level", "warn", "Log level")
	trace := fs.Bool("trace", false, "Print the text after every stage to stderr")
	reportID := fs.String("report-id", "", "Report ID")
	reportName := fs.String("report-name", "", "Report name")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	env, code := prepare(configFile, fs, stderr)
	if env == nil {
		return code
	}
	defer env.logger.Close()

	ctx := context.Background()
	var opts []service.Option
	if dsn := env.v.GetString("validate.dsn"); dsn != "" {
		cfg := validate.DefaultConfig()
		cfg.DSN = dsn
		cfg.Timeout = env.v.GetDuration("validate.timeout")
		val, err := validate.New(ctx, cfg, env.logger)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		defer val.Close()
		opts = append(opts, service.WithValidator(val))
	}
	svc := service.New(env.registry, env.logger, opts...)

	type input struct {
		name string
		data []byte
	}
	var inputs []input
	if fs.NArg() == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fail(stderr, "reading stdin: %v", err)
		}
		inputs = append(inputs, input{name: "stdin", data: data})
	}
	for _, name := range fs.Args() {
		data, err := afero.ReadFile(AppFs, name)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		inputs = append(inputs, input{name: name, data: data})
	}

	if outDir != "" {
		if err := AppFs.MkdirAll(outDir, 0755); err != nil {
			return fail(stderr, "%v", err)
		}
	}

	warn := color.New(color.FgYellow)
	ok := color.New(color.FgGreen)
	failed := 0
	for _, in := range inputs {
		outName := ""
		if outDir != "" && in.name != "stdin" {
			name, translate := export.BatchOutputName(in.name)
			if !translate {
				warn.Fprintf(stderr, "skipped: %s is already translated\n", in.name)
				continue
			}
			outName = name
		}

		res, err := svc.Translate(ctx, service.Request{
			Query:      string(in.data),
			ReportID:   *reportID,
			ReportName: *reportName,
			Source:     service.SourceCLI,
			Trace:      *trace,
		})
		if err != nil {
			fail(stderr, "%s: %v", in.name, err)
			failed++
			continue
		}

		for _, st := range res.Trace {
			fmt.Fprintf(stderr, "-- %s (changed: %v)\n%s\n", st.Stage, st.Changed, st.Output)
		}
		for _, w := range res.Warnings {
			warn.Fprintf(stderr, "warning: %s: %s\n", in.name, w)
		}

		if outDir == "" {
			io.WriteString(stdout, res.Translated)
			if !strings.HasSuffix(res.Translated, "\n") {
				io.WriteString(stdout, "\n")
			}
			continue
		}

		if outName == "" {
			outName = res.FileName
		}
		outPath := filepath.Join(outDir, outName)
		if err := afero.WriteFile(AppFs, outPath, []byte(res.Translated), 0644); err != nil {
			fail(stderr, "%v", err)
			failed++
			continue
		}
		ok.Fprintf(stdout, "%s -> %s\n", in.name, outPath)
	}

	if failed > 0 {
		return exitError
	}
	return exitOK
}

func runBatch(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("batch", stderr)

	var configFile, outFile string
	fs.StringVar(&configFile, "c", "", "Configuration file path")
	fs.StringVar(&configFile, "config", "", "Configuration file path")
	fs.String("m", "", "Mapping file")
	fs.String("mapping", "", "Mapping file")
	fs.StringVar(&outFile, "o", "", "Archive path")
	fs.StringVar(&outFile, "output", "", "Archive path")
	fs.Int("workers", 4, "Files translated concurrently")
	fs.String("s3-bucket", "", "Upload the archive to this S3 bucket")
	fs.String("s3-prefix", "", "Key prefix inside the bucket")
	fs.String("log-level", "warn", "Log level")
	asJSON := fs.Bool("json", false, "Print the batch report as JSON")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "batch: no input files")
		return exitUsage
	}

	env, code := prepare(configFile, fs, stderr)
	if env == nil {
		return code
	}
	defer env.logger.Close()

	cfg, err := buildConfig(env.v)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	var opts []batch.Option
	if cfg.S3.Bucket != "" {
		sink, err := export.NewS3Sink(cfg.S3, env.logger)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		opts = append(opts, batch.WithSink(sink))
	}
	processor := batch.NewProcessor(AppFs, env.registry, cfg.Batch, env.logger, opts...)

	inputs := make([]batch.Input, 0, fs.NArg())
	for _, name := range fs.Args() {
		data, err := afero.ReadFile(AppFs, name)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		inputs = append(inputs, batch.Input{Name: name, Data: data})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := processor.Process(ctx, inputs)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	if outFile == "" {
		outFile = "pgshift-" + report.BatchID + ".zip"
	}
	if report.Translated > 0 {
		if dir := filepath.Dir(outFile); dir != "." {
			if err := AppFs.MkdirAll(dir, 0755); err != nil {
				return fail(stderr, "%v", err)
			}
		}
		if err := afero.WriteFile(AppFs, outFile, report.Archive, 0644); err != nil {
			return fail(stderr, "%v", err)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fail(stderr, "%v", err)
		}
	} else {
		printReport(stdout, report, outFile)
	}

	if report.Failed > 0 {
		return exitError
	}
	return exitOK
}

func printReport(w io.Writer, report *batch.Report, archive string) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for _, f := range report.Files {
		switch f.Status {
		case batch.StatusTranslated:
			fmt.Fprintf(w, "%s %s -> %s\n", green("translated"), f.Input, f.Output)
		case batch.StatusSkipped:
			fmt.Fprintf(w, "%s %s\n", yellow("skipped"), f.Input)
		default:
			fmt.Fprintf(w, "%s %s: %s\n", red("failed"), f.Input, f.Error)
		}
	}
	fmt.Fprintf(w, "\nbatch %s: translated: %d, skipped: %d, failed: %d\n",
		report.BatchID, report.Translated, report.Skipped, report.Failed)
	if report.Translated > 0 {
		fmt.Fprintf(w, "archive: %s\n", archive)
	}
	if report.Location != "" {
		fmt.Fprintf(w, "uploaded: %s\n", report.Location)
	}
}

func runMapping(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("mapping", stderr)

	var configFile string
	fs.StringVar(&configFile, "c", "", "Configuration file path")
	fs.StringVar(&configFile, "config", "", "Configuration file path")
	fs.String("m", "", "Mapping file")
	fs.String("mapping", "", "Mapping file")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	v, err := loadConfig(configFile, fs)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	file := v.GetString("mapping.file")
	if fs.NArg() > 0 {
		file = fs.Arg(0)
	}
	if file, err = expandPath(file); err != nil {
		return fail(stderr, "%v", err)
	}

	tables := mapping.DefaultTables()
	source := "builtin"
	if file != "" {
		if tables, err = mapping.LoadFile(file); err != nil {
			return fail(stderr, "%v", err)
		}
		source = file
	}
	// Build performs the checks a server would apply on load.
	if _, err := tables.Build(); err != nil {
		return fail(stderr, "%s: %v", source, err)
	}

	data, err := tables.Marshal()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	stdout.Write(data)
	color.New(color.FgGreen).Fprintf(stderr, "%s: %d words, %d idioms\n",
		source, len(tables.Words), len(tables.Idioms))
	return exitOK
}

func runCert(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("cert", stderr)
	dir := fs.String("d", ".", "Output directory")

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	certFile, keyFile, err := tlsutil.GenerateAndSaveCert(*dir)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	fmt.Fprintf(stdout, "certificate: %s\nkey: %s\n", certFile, keyFile)
	return exitOK
}

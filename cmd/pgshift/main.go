package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/ha1tch/pgshift/pkg/version"
)

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		color.NoColor = true
	}

	// Flags before a command, or no command at all, mean serve.
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return runServe(args, stdout, stderr)
	case "translate":
		return runTranslate(args, stdin, stdout, stderr)
	case "batch":
		return runBatch(args, stdout, stderr)
	case "mapping":
		return runMapping(args, stdout, stderr)
	case "cert":
		return runCert(args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Full())
		return exitOK
	case "help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return exitUsage
	}
}

// newFlagSet creates a flag set whose parse errors and usage go to stderr.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("pgshift "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags parses args and maps the outcome to an exit code. ok is false
// when the command should return code immediately.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK, false
		}
		return exitUsage, false
	}
	return exitOK, true
}

func fail(stderr io.Writer, format string, args ...interface{}) int {
	color.New(color.FgRed).Fprintf(stderr, "error: "+format+"\n", args...)
	return exitError
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `pgshift - PostgreSQL to Redshift query translator

Usage:
  pgshift [command] [options]

Commands:
  serve        Start the translation server (default)
  translate    Translate files, or stdin, and print or save the result
  batch        Translate many files into one zip archive
  mapping      Check a mapping file and print the active tables
  cert         Generate a self-signed TLS certificate
  version      Show version
  help         Show this help

Serve Options:
  -c, --config <file>      Configuration file (default: search ./, ~/, ~/.config/pgshift)
  -m, --mapping <file>     Mapping file (default: built-in tables)
  --watch                  Reload the mapping file on change (default: true)
  --http-port <port>       HTTP port (default: 8080, 0 = disabled)
  --pg-port <port>         PostgreSQL wire port (0 = disabled)
  --storage <type>         History backend: memory, sqlite, none (default: memory)
  --storage-path <path>    SQLite database file
  --validate-dsn <dsn>     Redshift connection for EXPLAIN validation
  --archive-dir <dir>      Keep a copy of every batch archive here
  --log-level <level>      Log level: debug, info, warn, error (default: info)
  --log-format <format>    Log format: text, json (default: text)
  --no-banner              Suppress startup banner

Translate Options:
  -o, --output <dir>       Write <name>_redshift.sql files instead of printing
  --trace                  Print the text after every stage to stderr
  --report-id, --report-name
                           Name the single translated report

Batch Options:
  -o, --output <file>      Archive path (default: pgshift-<batch id>.zip)
  --workers <n>            Files translated concurrently (default: 4)
  --json                   Print the batch report as JSON
  --s3-bucket, --s3-prefix Upload the archive to S3

Configuration:
  Every setting can be given in the config file or as an environment
  variable: PGSHIFT_HTTP_PORT, PGSHIFT_MAPPING_FILE, PGSHIFT_VALIDATE_DSN...
  A .env file in the working directory is loaded first.

Exit Codes:
  0  Success
  1  Runtime error
  2  CLI usage error
`)
}

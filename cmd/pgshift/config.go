package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/export"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/protocol"
	"github.com/ha1tch/pgshift/pkg/server"
	"github.com/ha1tch/pgshift/pkg/storage"
	"github.com/ha1tch/pgshift/pkg/version"
)

// AppFs is the filesystem for CLI inputs, outputs and batch workspaces.
var AppFs = afero.NewOsFs()

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"m":            "mapping.file",
	"mapping":      "mapping.file",
	"watch":        "mapping.watch",
	"http-port":    "http.port",
	"pg-port":      "postgres.port",
	"storage":      "storage.type",
	"storage-path": "storage.path",
	"validate-dsn": "validate.dsn",
	"archive-dir":  "archive.dir",
	"workers":      "batch.workers",
	"s3-bucket":    "archive.s3.bucket",
	"s3-prefix":    "archive.s3.prefix",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// loadDotEnv loads .env and then .env.local from the working directory.
// Variables already set in the environment win over .env; .env.local
// overrides both.
func loadDotEnv() {
	if _, err := AppFs.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	if _, err := AppFs.Stat(".env.local"); err == nil {
		_ = godotenv.Overload(".env.local")
	}
}

// loadConfig reads the configuration file, environment and the flags that
// were set on fs, in increasing priority.
func loadConfig(configFile string, fs *flag.FlagSet) (*viper.Viper, error) {
	loadDotEnv()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PGSHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "expand config path").Err()
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			code := errors.ErrCodeConfigParse
			if os.IsNotExist(err) {
				code = errors.ErrCodeConfigMissing
			}
			return nil, errors.Wrap(err, code, "read config file").
				WithField("file", path).
				Err()
		}
	} else {
		v.SetConfigName("pgshift")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
			v.AddConfigPath(filepath.Join(home, ".config", "pgshift"))
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "read config file").Err()
			}
		}
	}

	if fs != nil {
		fs.Visit(func(f *flag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return
			}
			v.Set(key, f.Value.String())
			if f.Name == "pg-port" {
				v.Set("postgres.enabled", f.Value.String() != "0")
			}
			if f.Name == "http-port" {
				v.Set("http.enabled", f.Value.String() != "0")
			}
		})
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	def := server.DefaultConfig()
	httpDef := protocol.DefaultListenerConfig(protocol.ProtocolHTTP)
	pgDef := protocol.DefaultListenerConfig(protocol.ProtocolPostgres)
	sqliteDef := storage.DefaultSQLiteConfig()

	v.SetDefault("mapping.file", "")
	v.SetDefault("mapping.watch", def.WatchMapping)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", httpDef.Host)
	v.SetDefault("http.port", httpDef.Port)
	v.SetDefault("http.max_body_bytes", httpDef.MaxBodyBytes)
	v.SetDefault("http.read_timeout", httpDef.ReadTimeout)
	v.SetDefault("http.write_timeout", httpDef.WriteTimeout)
	v.SetDefault("http.tls.enabled", false)
	v.SetDefault("http.tls.cert", "")
	v.SetDefault("http.tls.key", "")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", pgDef.Host)
	v.SetDefault("postgres.port", pgDef.Port)
	v.SetDefault("postgres.max_connections", pgDef.MaxConnections)
	v.SetDefault("postgres.idle_timeout", pgDef.IdleTimeout)
	v.SetDefault("postgres.tls.enabled", false)
	v.SetDefault("postgres.tls.cert", "")
	v.SetDefault("postgres.tls.key", "")

	v.SetDefault("storage.type", def.Storage.Type)
	v.SetDefault("storage.path", sqliteDef.Path)
	v.SetDefault("storage.journal_mode", sqliteDef.JournalMode)

	v.SetDefault("validate.dsn", "")
	v.SetDefault("validate.timeout", def.Validate.Timeout)
	v.SetDefault("validate.max_conns", def.Validate.MaxConns)

	v.SetDefault("batch.enabled", def.BatchEnabled)
	v.SetDefault("batch.workers", def.Batch.Workers)
	v.SetDefault("batch.workspace", def.Batch.WorkspaceRoot)
	v.SetDefault("batch.max_files", def.Batch.MaxFiles)
	v.SetDefault("batch.archive_prefix", def.Batch.ArchivePrefix)

	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.retries", 3)

	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("log.format", def.LogFormat)
}

// buildConfig turns resolved settings into a server configuration.
func buildConfig(v *viper.Viper) (server.Config, error) {
	cfg := server.DefaultConfig()
	cfg.Version = version.Version
	cfg.WorkspaceFS = AppFs

	var err error
	if cfg.MappingFile, err = expandPath(v.GetString("mapping.file")); err != nil {
		return cfg, err
	}
	cfg.WatchMapping = v.GetBool("mapping.watch")

	cfg.Listeners = nil
	if v.GetBool("http.enabled") {
		l := protocol.DefaultListenerConfig(protocol.ProtocolHTTP)
		l.Host = v.GetString("http.host")
		l.Port = v.GetInt("http.port")
		l.MaxBodyBytes = v.GetInt64("http.max_body_bytes")
		l.ReadTimeout = v.GetDuration("http.read_timeout")
		l.WriteTimeout = v.GetDuration("http.write_timeout")
		l.TLSEnabled = v.GetBool("http.tls.enabled")
		l.TLSCertFile = v.GetString("http.tls.cert")
		l.TLSKeyFile = v.GetString("http.tls.key")
		cfg.Listeners = append(cfg.Listeners, l)
	}
	if v.GetBool("postgres.enabled") {
		l := protocol.DefaultListenerConfig(protocol.ProtocolPostgres)
		l.Host = v.GetString("postgres.host")
		l.Port = v.GetInt("postgres.port")
		l.MaxConnections = v.GetInt("postgres.max_connections")
		l.IdleTimeout = v.GetDuration("postgres.idle_timeout")
		l.TLSEnabled = v.GetBool("postgres.tls.enabled")
		l.TLSCertFile = v.GetString("postgres.tls.cert")
		l.TLSKeyFile = v.GetString("postgres.tls.key")
		cfg.Listeners = append(cfg.Listeners, l)
	}

	cfg.Storage.Type = v.GetString("storage.type")
	if cfg.Storage.SQLite.Path, err = expandPath(v.GetString("storage.path")); err != nil {
		return cfg, err
	}
	cfg.Storage.SQLite.JournalMode = v.GetString("storage.journal_mode")

	cfg.Validate.DSN = v.GetString("validate.dsn")
	cfg.Validate.Timeout = v.GetDuration("validate.timeout")
	cfg.Validate.MaxConns = v.GetInt32("validate.max_conns")

	cfg.BatchEnabled = v.GetBool("batch.enabled")
	cfg.Batch.Workers = v.GetInt("batch.workers")
	cfg.Batch.WorkspaceRoot = v.GetString("batch.workspace")
	cfg.Batch.MaxFiles = v.GetInt("batch.max_files")
	cfg.Batch.ArchivePrefix = v.GetString("batch.archive_prefix")
	if cfg.Batch.Workers < 1 {
		return cfg, errors.InvalidInput("batch.workers", "must be at least 1").Err()
	}

	if cfg.ArchiveDir, err = expandPath(v.GetString("archive.dir")); err != nil {
		return cfg, err
	}
	cfg.S3 = export.S3Config{
		Bucket:   v.GetString("archive.s3.bucket"),
		Prefix:   v.GetString("archive.s3.prefix"),
		Region:   v.GetString("archive.s3.region"),
		Endpoint: v.GetString("archive.s3.endpoint"),
		Retries:  v.GetInt("archive.s3.retries"),
	}

	cfg.LogLevel = v.GetString("log.level")
	cfg.LogFormat = v.GetString("log.format")

	return cfg, nil
}

// newLogger builds the logger of the one-shot commands. Unless configured
// otherwise only warnings and errors are shown.
func newLogger(v *viper.Viper, stderr io.Writer) (*log.Logger, error) {
	v.SetDefault("log.level", "warn")

	level, err := log.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid log level").Err()
	}
	format, err := log.ParseFormat(v.GetString("log.format"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid log format").Err()
	}
	return log.New(log.Config{
		DefaultLevel: level,
		Format:       format,
		Output:       stderr,
	}), nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeConfigInvalid, "expand path").
			WithField("path", p).
			Err()
	}
	return expanded, nil
}

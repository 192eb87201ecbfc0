package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrEthical07/delegauth"
	"github.com/MrEthical07/delegauth/metrics/export/prometheus"
	"github.com/MrEthical07/delegauth/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

type globalOptions struct {
	configPath   string
	baseURL      string
	statePath    string
	primaryToken string
	output       string
	logLevel     string
	logFile      string
	verbose      bool
	printMetrics bool

	cfg delegauth.Config
}

// resolve applies precedence flag > env > config file > default.
func (o *globalOptions) resolve(cmd *cobra.Command) error {
	if o.output != "text" && o.output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'text' or 'json'", o.output)
	}

	cfg := delegauth.DefaultConfig()
	if o.configPath != "" {
		loaded, err := delegauth.LoadConfigFile(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.Store.Backend = "file"
	}

	if !cmd.Flags().Changed("base-url") {
		if v := os.Getenv("DELEGAUTH_BASE_URL"); v != "" {
			o.baseURL = v
		}
	}
	if o.baseURL != "" {
		cfg.Endpoint.BaseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	}
	if !cmd.Flags().Changed("primary-token") {
		o.primaryToken = os.Getenv("DELEGAUTH_PRIMARY_TOKEN")
	}

	if cfg.Store.Backend == "file" {
		switch {
		case o.statePath != "":
			cfg.Store.FilePath = o.statePath
		case cfg.Store.FilePath == "":
			dir, err := stateDir()
			if err != nil {
				return err
			}
			cfg.Store.FilePath = filepath.Join(dir, "state.yaml")
		}
	}

	// A CLI run is short-lived; block on a full event buffer instead of dropping.
	cfg.Events.DropIfFull = false
	o.cfg = cfg
	return nil
}

func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".delegauth"), nil
}

func (o *globalOptions) logger(stderr io.Writer) (*logrus.Logger, func(), error) {
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}

	path := o.logFile
	if path == "" {
		dir, err := stateDir()
		if err != nil {
			return nil, nil, err
		}
		path = filepath.Join(dir, "delegauthctl.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     28,
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{})
	if o.verbose {
		log.SetOutput(io.MultiWriter(rotating, stderr))
	} else {
		log.SetOutput(rotating)
	}
	return log, func() { _ = rotating.Close() }, nil
}

// session is one opened facade with its primary provider.
type session struct {
	facade  *delegauth.Facade
	primary *delegauth.PrimarySession
	log     *logrus.Logger
	opts    *globalOptions
	stderr  io.Writer
	closeFn func()
}

type openOption func(*delegauth.Builder)

func (o *globalOptions) open(cmd *cobra.Command, extra ...openOption) (*session, error) {
	log, closeLog, err := o.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	primary := delegauth.NewPrimarySession()
	if o.primaryToken != "" {
		primary.SetToken(o.primaryToken)
	}

	b := delegauth.New().
		WithConfig(o.cfg).
		WithPrimary(primary).
		WithLogger(log).
		WithEventSink(delegauth.NewLogSink(log.WithField("component", "events")))
	for _, fn := range extra {
		fn(b)
	}
	f, err := b.Build(cmd.Context())
	if err != nil {
		closeLog()
		return nil, err
	}
	return &session{
		facade:  f,
		primary: primary,
		log:     log,
		opts:    o,
		stderr:  cmd.ErrOrStderr(),
		closeFn: closeLog,
	}, nil
}

func withBackend(backend store.Backend) openOption {
	return func(b *delegauth.Builder) { b.WithBackend(backend) }
}

func (s *session) Close() {
	if s.opts.printMetrics {
		_, _ = io.WriteString(s.stderr, prometheus.NewPrometheusExporter(s.facade).Render())
	}
	s.facade.Close()
	s.closeFn()
}

// requireToken fails when the command needs a primary token and none was supplied.
func (s *session) requireToken() error {
	if s.opts.primaryToken == "" {
		return fmt.Errorf("a primary token is required: pass --primary-token or set DELEGAUTH_PRIMARY_TOKEN")
	}
	return nil
}

// restore loads organizations for a session restored from the state file.
func (s *session) restore(ctx context.Context) error {
	if !s.facade.Session().IsAuthenticated() {
		return delegauth.ErrUnauthenticated
	}
	if s.facade.Organizations().Loaded() {
		return nil
	}
	return s.facade.Organizations().Load(ctx)
}

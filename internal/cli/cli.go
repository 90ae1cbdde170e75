// Package cli implements the migrate command line.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/root-talis/migrator"
	"github.com/root-talis/migrator/config"
	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/driver/mysql"
	"github.com/root-talis/migrator/driver/postgres"
	"github.com/root-talis/migrator/driver/sqlite"
	"github.com/root-talis/migrator/logging"
	"github.com/root-talis/migrator/metrics"
	"github.com/root-talis/migrator/migrations"
)

type flags struct {
	configPath      string
	driver          string
	dsn             string
	database        string
	table           string
	logLevel        string
	logJSON         bool
	stepTimeout     time.Duration
	noValidate      bool
	metricsTextfile string
}

// app holds what a command needs once flags and configuration are read.
type app struct {
	stdout io.Writer
	stderr io.Writer
	flags  flags

	cfg       *config.Config
	log       *logrus.Logger
	db        *sql.DB
	driver    driver.Driver
	migrator  migrator.Migrator
	collector *metrics.Collector
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: stdout, stderr: stderr}

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}

	if err != nil {
		writeError(stderr, err)
	}
	return ExitCode(err)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply and roll back identity schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "path to a YAML configuration file")
	pf.StringVar(&a.flags.driver, "driver", "", "database driver: postgres, mysql or sqlite")
	pf.StringVar(&a.flags.dsn, "dsn", "", "database connection string (file path for sqlite)")
	pf.StringVar(&a.flags.database, "database", "", "MySQL database or PostgreSQL schema of the migrations table")
	pf.StringVar(&a.flags.table, "table", "", "name of the applied migrations table")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")
	pf.BoolVar(&a.flags.logJSON, "log-json", false, "log in JSON")
	pf.DurationVar(&a.flags.stepTimeout, "step-timeout", 0, "abort and roll back a step running longer than this")
	pf.BoolVar(&a.flags.noValidate, "no-validate", false, "skip the dry run of pending migrations")
	pf.StringVar(&a.flags.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file")

	root.AddCommand(
		a.upCommand(),
		a.downCommand(),
		a.statusCommand(),
		a.validateCommand(),
		a.planCommand(),
		a.bootstrapCommand(),
		a.unlockCommand(),
	)

	return root
}

// connected wraps a command that needs the database.
func (a *app) connected(run func(cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := a.setup(cmd); err != nil {
			return err
		}
		return run(cmd)
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return usageError{err}
	}

	fs := cmd.Flags()
	override := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	override("driver", func() { cfg.Driver = a.flags.driver })
	override("dsn", func() { cfg.DSN = a.flags.dsn })
	override("database", func() { cfg.Database = a.flags.database })
	override("table", func() { cfg.Table = a.flags.table })
	override("log-level", func() { cfg.Log.Level = a.flags.logLevel })
	override("log-json", func() { cfg.Log.JSON = a.flags.logJSON })
	override("step-timeout", func() { cfg.StepTimeout = a.flags.stepTimeout })
	override("no-validate", func() { cfg.SkipValidation = a.flags.noValidate })
	override("metrics-textfile", func() { cfg.MetricsTextfile = a.flags.metricsTextfile })

	if err := cfg.Validate(); err != nil {
		return usageError{err}
	}
	a.cfg = cfg

	if a.log, err = logging.New(a.stderr, cfg.Log.Level, cfg.Log.JSON); err != nil {
		return usageError{err}
	}

	if a.db, a.driver, err = openDriver(cfg); err != nil {
		return errors.Wrap(err, "failed to open database")
	}

	src, err := migrations.Source()
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}
	baseline, err := migrations.Baseline()
	if err != nil {
		return errors.Wrap(err, "failed to load baseline schema")
	}

	opts := []migrator.Option{
		migrator.WithLogger(a.log),
		migrator.WithStepTimeout(cfg.StepTimeout),
		migrator.WithLockRetry(cfg.LockRetryInterval, cfg.LockRetries),
	}
	if cfg.SkipValidation {
		opts = append(opts, migrator.WithoutValidation())
	}
	if cfg.MetricsTextfile != "" {
		a.collector = metrics.NewCollector()
		opts = append(opts, migrator.WithMetrics(a.collector))
	}

	a.migrator = migrator.New(src, a.driver, baseline, opts...)
	return nil
}

func (a *app) close() error {
	var result error

	if a.collector != nil {
		if err := a.collector.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
			result = err
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil && result == nil {
			result = errors.Wrap(err, "failed to close database")
		}
	}

	return result
}

func openDriver(cfg *config.Config) (*sql.DB, driver.Driver, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, postgres.NewDriver(db, postgres.DriverConfig{
			SchemaName:          cfg.Database,
			MigrationsTableName: cfg.Table,
			LockName:            cfg.LockName,
		}), nil

	case config.DriverMySQL:
		db, err := mysql.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, mysql.NewDriver(db, mysql.DriverConfig{
			DatabaseName:        cfg.Database,
			MigrationsTableName: cfg.Table,
			LockName:            cfg.LockName,
		}), nil

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, sqlite.NewDriver(db, sqlite.DriverConfig{
			MigrationsTableName: cfg.Table,
			LockTableName:       cfg.LockName + "_lock",
		}), nil
	}

	return nil, nil, fmt.Errorf("%w: unknown driver \"%s\"", config.ErrInvalidConfig, cfg.Driver)
}

// Command migrate применяет встроенные SQL-миграции схемы giftsched.
//
//	migrate [-dsn DSN] [-steps N] up|down|status
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "GIFTSCHED_POSTGRES_DSN"
)

// migrator — часть postgres.Store, нужная командам.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
}

type options struct {
	command string
	steps   int
	dsn     string
	timeout time.Duration
}

var (
	openStore = func(ctx context.Context, dsn string) (migrator, func() error, error) {
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	embedded = postgres.EmbeddedMigrations
)

func main() {
	opts, err := parseOptions(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	m, closeStore, err := openStore(ctx, opts.dsn)
	if err != nil {
		fail("open postgres: %v", err)
	}
	defer func() { _ = closeStore() }()

	if err := run(ctx, m, opts, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func parseOptions(fs *flag.FlagSet, args []string, getenv func(string) string) (options, error) {
	opts := options{}
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0 = all) or roll back (0 = one)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+dsnEnv+")")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	var errs []error
	switch fs.NArg() {
	case 0:
		opts.command = "up"
	case 1:
		opts.command = strings.ToLower(fs.Arg(0))
	default:
		errs = append(errs, errors.Newf("expected one command, got %q", fs.Args()))
	}
	if opts.dsn = strings.TrimSpace(opts.dsn); opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv(dsnEnv))
	}
	if opts.dsn == "" {
		errs = append(errs, errors.Newf("%s (or -dsn) is required", dsnEnv))
	}
	if opts.steps < 0 {
		errs = append(errs, errors.New("-steps must not be negative"))
	}
	return opts, errors.Join(errs...)
}

// run выполняет команду и печатает состояние схемы после неё.
func run(ctx context.Context, m migrator, opts options, out io.Writer) error {
	switch opts.command {
	case "up":
		if err := m.MigrateUp(ctx, opts.steps); err != nil {
			return errors.Wrap(err, "migrate up")
		}
	case "down":
		if err := m.MigrateDown(ctx, max(opts.steps, 1)); err != nil {
			return errors.Wrap(err, "migrate down")
		}
	case "status":
	default:
		return errors.Newf("unsupported command %q (use up|down|status)", opts.command)
	}

	version, applied, err := m.MigrationStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "migration status")
	}
	all, err := embedded()
	if err != nil {
		return err
	}

	var pending []string
	for _, info := range all {
		if info.Version > version {
			pending = append(pending, fmt.Sprintf("%04d_%s", info.Version, info.Name))
		}
	}
	_, _ = fmt.Fprintf(out, "%s: version=%d applied=%d pending=%d\n", opts.command, version, applied, len(pending))
	for _, name := range pending {
		_, _ = fmt.Fprintf(out, "  pending %s\n", name)
	}
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

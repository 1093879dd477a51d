// placeholderctl is the operator CLI for the template version ledger and
// the customer override store. Every command prints its result as JSON on
// stdout; logs go to stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/audit"
	"placeholders/core/internal/catalog"
	"placeholders/core/internal/config"
	"placeholders/core/internal/gitrepo"
	"placeholders/core/internal/ledger"
	"placeholders/core/internal/overrides"
	"placeholders/core/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to distinct statuses so scripts can tell a
// stale etag (retry) from a bad schema (fix input).
func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return 2
	case apperr.KindConflict:
		return 3
	case apperr.KindNotFound:
		return 4
	case apperr.KindState:
		return 5
	default:
		return 1
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, ok := commands[args[0]]
	if !ok {
		return apperr.Validation("UNKNOWN_COMMAND", fmt.Sprintf("unknown command %q (see placeholderctl help)", args[0]), nil)
	}
	return cmd(ctx, cfg, logger, args[1:])
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// env holds the services a command runs against.
type env struct {
	logger    *slog.Logger
	store     store.Store
	emitter   *audit.Emitter
	redis     *audit.RedisSink
	archive   *gitrepo.Archive
	catalog   *catalog.Catalog
	ledger    *ledger.Service
	overrides *overrides.Service
	closers   []func()
}

// openStore connects the store every stateful command runs against.
var openStore = func(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	pg, err := store.OpenPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return pg, func() { _ = pg.Close() }, nil
}

// setup opens the store and wires the audit sinks that cfg enables.
func setup(ctx context.Context, cfg config.Config, logger *slog.Logger) (*env, error) {
	e := &env{logger: logger}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.store = st
	e.closers = append(e.closers, closeStore)

	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSink, err := audit.NewRedisSink(cfg.RedisURL, cfg.AuditStream, cfg.AuditStreamMax)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		e.redis = redisSink
		sinks = append(sinks, redisSink)
		e.closers = append(e.closers, func() { _ = redisSink.Close() })
	}
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			e.Close()
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		e.archive = gitrepo.NewArchive(cfg.ArchiveDir)
		sinks = append(sinks, e.archive)
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliBackend := catalog.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		e.catalog = catalog.New(meiliBackend, logger)
		sinks = append(sinks, e.catalog)
		e.closers = append(e.closers, meiliBackend.Close)
	}

	e.emitter = audit.NewEmitter(logger, cfg.AuditQueueSize, sinks...)
	// Runs first on Close so queued events reach sinks before they close.
	e.closers = append(e.closers, e.emitter.Close)

	e.ledger = ledger.New(e.store,
		ledger.WithPublisher(e.emitter),
		ledger.WithLogger(logger),
		ledger.WithLockTTL(cfg.LockTTL),
	)
	e.overrides = overrides.New(e.store, e.ledger,
		overrides.WithPublisher(e.emitter),
		overrides.WithLogger(logger),
	)
	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `placeholderctl manages versioned placeholder schemas and customer overrides.

Usage:
  placeholderctl <command> [flags]

Commands:
  migrate                         apply database migrations
  template create|show|versions   manage templates
  template save|approve|rollback  write template versions
  template lock acquire|release|refresh|show
  intake open|freeze|snapshot     manage intakes and their frozen versions
  override create|review|list|preview
  effective                       print an intake's effective schema
  catalog search                  search approved placeholder fields
  history                         print a template's git archive history
  audit recent                    print recent audit events from Redis

Configuration is read from the environment (DATABASE_URL, REDIS_URL,
MEILI_URL, PLACEHOLDER_ARCHIVE_DIR, PLACEHOLDER_LOCK_TTL, ...) and, when
PLACEHOLDER_CONFIG names a YAML file, from that file.

Exit status: 2 invalid input, 3 conflict (refetch and retry), 4 not found,
5 invalid state, 1 anything else.
`)
}

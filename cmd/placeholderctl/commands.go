package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/audit"
	"placeholders/core/internal/catalog"
	"placeholders/core/internal/config"
	"placeholders/core/internal/gitrepo"
	"placeholders/core/internal/ledger"
	"placeholders/core/internal/overrides"
	"placeholders/core/internal/schema"
	"placeholders/core/internal/store"
)

type command func(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error

var commands = map[string]command{
	"migrate":   runMigrate,
	"schema":    group("schema", map[string]command{"validate": runSchemaValidate, "diff": runSchemaDiff}),
	"template":  group("template", templateCommands),
	"intake":    group("intake", map[string]command{"open": runIntakeOpen, "freeze": runIntakeFreeze, "snapshot": runIntakeSnapshot}),
	"override":  group("override", map[string]command{"create": runOverrideCreate, "review": runOverrideReview, "list": runOverrideList, "preview": runOverridePreview}),
	"effective": runEffective,
	"catalog":   group("catalog", map[string]command{"search": runCatalogSearch}),
	"history":   runHistory,
	"audit":     group("audit", map[string]command{"recent": runAuditRecent}),
}

var templateCommands = map[string]command{
	"create":   runTemplateCreate,
	"show":     runTemplateShow,
	"versions": runTemplateVersions,
	"save":     runTemplateSave,
	"approve":  runTemplateApprove,
	"rollback": runTemplateRollback,
	"lock": group("template lock", map[string]command{
		"acquire": lockCommand("acquire"),
		"release": lockCommand("release"),
		"refresh": lockCommand("refresh"),
		"show":    lockCommand("show"),
	}),
}

func group(name string, subcommands map[string]command) command {
	return func(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
		if len(args) == 0 {
			return apperr.Validation("MISSING_SUBCOMMAND", fmt.Sprintf("%s requires a subcommand", name), nil)
		}
		sub, ok := subcommands[args[0]]
		if !ok {
			return apperr.Validation("UNKNOWN_COMMAND", fmt.Sprintf("unknown %s subcommand %q", name, args[0]), nil)
		}
		return sub(ctx, cfg, logger, args[1:])
	}
}

func flagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ContinueOnError)
}

func parse(flags *pflag.FlagSet, args []string, required ...string) error {
	if err := flags.Parse(args); err != nil {
		return apperr.Validation("INVALID_FLAGS", err.Error(), nil)
	}
	if rest := flags.Args(); len(rest) > 0 {
		return apperr.Validation("UNEXPECTED_ARGUMENT", fmt.Sprintf("unexpected argument: %s", rest[0]), nil)
	}
	missing := make([]string, 0)
	for _, name := range required {
		if !flags.Changed(name) {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("MISSING_FLAGS", fmt.Sprintf("%s: missing %s", flags.Name(), strings.Join(missing, ", ")), nil)
	}
	return nil
}

func withEnv(ctx context.Context, cfg config.Config, logger *slog.Logger, fn func(*env) error) error {
	e, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// readJSON decodes a file, or stdin when path is "-".
func readJSON(path string, v any) error {
	var reader io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer file.Close()
		reader = file
	}
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperr.Validation("INVALID_JSON", fmt.Sprintf("decode %s: %v", path, err), nil)
	}
	return nil
}

func runMigrate(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	dir := flags.String("dir", cfg.MigrationsDir, "directory holding *.up.sql files")
	if err := parse(flags, args); err != nil {
		return err
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	applied, err := store.ApplyMigrations(ctx, db, *dir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("migrations applied", "count", len(applied))
	return printJSON(map[string]any{"applied": applied})
}

func runSchemaValidate(_ context.Context, _ config.Config, _ *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("schema validate", pflag.ContinueOnError)
	file := flags.String("file", "", "JSON array of placeholder fields (- for stdin)")
	if err := parse(flags, args, "file"); err != nil {
		return err
	}
	var fields []schema.PlaceholderField
	if err := readJSON(*file, &fields); err != nil {
		return err
	}
	result := schema.ValidateSchema(fields)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Valid {
		return apperr.Validation("INVALID_SCHEMA", fmt.Sprintf("%d validation errors", len(result.Errors)), nil)
	}
	return nil
}

func runSchemaDiff(_ context.Context, _ config.Config, _ *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("schema diff", pflag.ContinueOnError)
	from := flags.String("from", "", "old schema file")
	to := flags.String("to", "", "new schema file")
	if err := parse(flags, args, "from", "to"); err != nil {
		return err
	}
	var oldFields, newFields []schema.PlaceholderField
	if err := readJSON(*from, &oldFields); err != nil {
		return err
	}
	if err := readJSON(*to, &newFields); err != nil {
		return err
	}
	return printJSON(ledger.CalculateDiff(oldFields, newFields))
}

func runTemplateCreate(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("template create")
	id := flags.String("id", "", "template id")
	name := flags.String("name", "", "display name")
	user := flags.String("user", "", "acting user")
	if err := parse(flags, args, "id", "user"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		template, err := e.ledger.CreateTemplate(ctx, *id, *name, *user)
		if err != nil {
			return err
		}
		return printJSON(template)
	})
}

func runTemplateShow(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("template show")
	id := flags.String("id", "", "template id")
	if err := parse(flags, args, "id"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		template, err := e.ledger.GetTemplate(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(template)
	})
}

func runTemplateVersions(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("template versions")
	id := flags.String("id", "", "template id")
	version := flags.Int("version", 0, "print only this version")
	if err := parse(flags, args, "id"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		if *version > 0 {
			v, err := e.ledger.GetVersion(ctx, *id, *version)
			if err != nil {
				return err
			}
			return printJSON(v)
		}
		versions, err := e.ledger.ListVersions(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(versions)
	})
}

func runTemplateSave(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("template save")
	id := flags.String("id", "", "template id")
	file := flags.String("file", "", "JSON array of placeholder fields (- for stdin)")
	user := flags.String("user", "", "acting user")
	reason := flags.String("reason", "", "change reason")
	etag := flags.String("etag", "", "expected etag; the save fails if the template moved on")
	if err := parse(flags, args, "id", "file", "user"); err != nil {
		return err
	}
	var fields []schema.PlaceholderField
	if err := readJSON(*file, &fields); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		result, err := e.ledger.SaveVersion(ctx, ledger.SaveVersionInput{
			TemplateID:   *id,
			Placeholders: fields,
			UserID:       *user,
			Reason:       *reason,
			ExpectedETag: *etag,
		})
		if err != nil {
			if domainErr, ok := apperr.As(err); ok && domainErr.Kind == apperr.KindValidation {
				_ = printJSON(domainErr.Details)
			}
			return err
		}
		return printJSON(result)
	})
}

func runTemplateApprove(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("template approve")
	id := flags.String("id", "", "template id")
	version := flags.Int("version", 0, "version to approve")
	user := flags.String("user", "", "approver")
	reason := flags.String("reason", "", "approval note")
	if err := parse(flags, args, "id", "version", "user"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		approved, err := e.ledger.ApproveVersion(ctx, *id, *version, *user, *reason)
		if err != nil {
			return err
		}
		return printJSON(approved)
	})
}

func runTemplateRollback(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("template rollback")
	id := flags.String("id", "", "template id")
	to := flags.Int("to", 0, "version whose placeholders are restored")
	user := flags.String("user", "", "acting user")
	reason := flags.String("reason", "", "rollback reason")
	if err := parse(flags, args, "id", "to", "user"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		result, err := e.ledger.RollbackToVersion(ctx, *id, *to, *user, *reason)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func lockCommand(action string) command {
	return func(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
		return runLock(ctx, cfg, logger, action, args)
	}
}

func runLock(ctx context.Context, cfg config.Config, logger *slog.Logger, action string, args []string) error {
	flags := flagSet("template lock " + action)
	id := flags.String("id", "", "template id")
	user := flags.String("user", "", "editor")
	required := []string{"id", "user"}
	if action == "show" {
		required = []string{"id"}
	}
	if err := parse(flags, args, required...); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		var (
			result ledger.LockResult
			err    error
		)
		switch action {
		case "acquire":
			result, err = e.ledger.AcquireLock(ctx, *id, *user)
		case "release":
			result, err = e.ledger.ReleaseLock(ctx, *id, *user)
		case "refresh":
			result, err = e.ledger.RefreshLock(ctx, *id, *user)
		default:
			lock, err := e.ledger.ActiveLock(ctx, *id)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"lock": lock})
		}
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func runIntakeOpen(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("intake open")
	id := flags.String("id", "", "intake id (generated when empty)")
	customer := flags.String("customer", "", "customer id")
	if err := parse(flags, args, "customer"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		intake, err := e.overrides.OpenIntake(ctx, *id, *customer)
		if err != nil {
			return err
		}
		return printJSON(intake)
	})
}

func runIntakeFreeze(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("intake freeze")
	id := flags.String("id", "", "intake id")
	templates := flags.StringSlice("template", nil, "template ids in priority order (repeatable)")
	current := flags.Bool("current", false, "pin current versions instead of latest approved ones")
	overrideID := flags.String("override-id", "", "override to link the snapshot to")
	user := flags.String("user", "", "acting user")
	if err := parse(flags, args, "id", "template"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		snapshot, err := e.overrides.FreezeIntakeVersion(ctx, overrides.FreezeInput{
			IntakeID:            *id,
			TemplateIDs:         *templates,
			UseApprovedVersions: !*current,
			OverrideID:          *overrideID,
			Actor:               *user,
		})
		if err != nil {
			return err
		}
		return printJSON(snapshot)
	})
}

func runIntakeSnapshot(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("intake snapshot")
	id := flags.String("id", "", "intake id")
	if err := parse(flags, args, "id"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		snapshot, err := e.overrides.GetSnapshot(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(snapshot)
	})
}

type overrideFile struct {
	CustomerID string                    `json:"customer_id"`
	Sections   []store.Section           `json:"sections"`
	Modified   []schema.PlaceholderField `json:"modified"`
	Removed    []string                  `json:"removed"`
	Reason     string                    `json:"reason"`
}

func runOverrideCreate(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("override create")
	intake := flags.String("intake", "", "intake id")
	file := flags.String("file", "", "override JSON: sections, modified, removed (- for stdin)")
	user := flags.String("user", "", "acting user")
	if err := parse(flags, args, "intake", "file", "user"); err != nil {
		return err
	}
	var body overrideFile
	if err := readJSON(*file, &body); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		result, err := e.overrides.CreateOverride(ctx, overrides.CreateOverrideInput{
			IntakeID:   *intake,
			CustomerID: body.CustomerID,
			Sections:   body.Sections,
			Modified:   body.Modified,
			Removed:    body.Removed,
			CreatedBy:  *user,
			Reason:     body.Reason,
		})
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if result.Override == nil {
			return apperr.Validation("INVALID_SCHEMA", fmt.Sprintf("%d validation errors", len(result.Validation.Errors)), nil)
		}
		return nil
	})
}

func runOverrideReview(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("override review")
	id := flags.String("id", "", "override id")
	status := flags.String("status", "", "active, pending_review or rejected")
	user := flags.String("user", "", "reviewer")
	notes := flags.String("notes", "", "review notes")
	if err := parse(flags, args, "id", "status", "user"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		reviewed, err := e.overrides.UpdateOverrideStatus(ctx, *id, store.OverrideStatus(*status), *user, *notes)
		if err != nil {
			return err
		}
		return printJSON(reviewed)
	})
}

func runOverrideList(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("override list")
	intake := flags.String("intake", "", "intake id")
	if err := parse(flags, args, "intake"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		items, err := e.overrides.ListOverrides(ctx, *intake)
		if err != nil {
			return err
		}
		return printJSON(items)
	})
}

func runOverridePreview(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("override preview")
	intake := flags.String("intake", "", "intake id")
	id := flags.String("id", "", "override id")
	if err := parse(flags, args, "intake", "id"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		fields, err := e.overrides.ApplyOverride(ctx, *intake, *id)
		if err != nil {
			return err
		}
		return printJSON(fields)
	})
}

func runEffective(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flagSet("effective")
	intake := flags.String("intake", "", "intake id")
	if err := parse(flags, args, "intake"); err != nil {
		return err
	}
	return withEnv(ctx, cfg, logger, func(e *env) error {
		fields, err := e.overrides.GetEffectiveSchema(ctx, *intake)
		if err != nil {
			return err
		}
		return printJSON(fields)
	})
}

func runCatalogSearch(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("catalog search", pflag.ContinueOnError)
	text := flags.StringP("query", "q", "", "search text")
	templateID := flags.String("template", "", "restrict to one template")
	fieldType := flags.String("type", "", "restrict to one field type")
	limit := flags.Int("limit", 20, "maximum hits")
	offset := flags.Int("offset", 0, "hits to skip")
	if err := parse(flags, args); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return apperr.State("CATALOG_DISABLED", "MEILI_URL is not configured", nil)
	}
	backend := catalog.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	defer backend.Close()
	return printJSON(catalog.New(backend, logger).Search(ctx, catalog.Query{
		Text:       *text,
		TemplateID: *templateID,
		Type:       schema.FieldType(*fieldType),
		Limit:      *limit,
		Offset:     *offset,
	}))
}

func runHistory(_ context.Context, cfg config.Config, _ *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("history", pflag.ContinueOnError)
	templateID := flags.String("template", "", "template id")
	limit := flags.Int("limit", 0, "maximum entries (0 for all)")
	version := flags.Int("version", 0, "print the archived schema of this version instead")
	if err := parse(flags, args, "template"); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		return apperr.State("ARCHIVE_DISABLED", "PLACEHOLDER_ARCHIVE_DIR is not configured", nil)
	}
	archive := gitrepo.NewArchive(cfg.ArchiveDir)
	if *version > 0 {
		fields, err := archive.VersionSchema(*templateID, *version)
		if err != nil {
			return err
		}
		return printJSON(fields)
	}
	history, err := archive.History(*templateID, *limit)
	if err != nil {
		return err
	}
	return printJSON(history)
}

func runAuditRecent(ctx context.Context, cfg config.Config, _ *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("audit recent", pflag.ContinueOnError)
	limit := flags.Int64("limit", 20, "number of events")
	if err := parse(flags, args); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return apperr.State("AUDIT_STREAM_DISABLED", "REDIS_URL is not configured", nil)
	}
	sink, err := audit.NewRedisSink(cfg.RedisURL, cfg.AuditStream, cfg.AuditStreamMax)
	if err != nil {
		return err
	}
	defer sink.Close()
	events, err := sink.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

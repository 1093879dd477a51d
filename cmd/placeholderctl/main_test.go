package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/config"
	"placeholders/core/internal/store"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("X", "bad", nil), 2},
		{apperr.Conflict("X", "stale", nil), 3},
		{apperr.NotFound("X", "gone", nil), 4},
		{apperr.State("X", "frozen", nil), 5},
		{errors.New("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRunRejectsUnknownCommands(t *testing.T) {
	for _, args := range [][]string{{"frobnicate"}, {"template"}, {"template", "frobnicate"}, {"template", "lock", "steal"}} {
		if err := run(args); apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("run(%v) = %v, want validation error", args, err)
		}
	}
	if err := run(nil); err != nil {
		t.Fatalf("run() without args should print usage, got %v", err)
	}
}

func TestRunRequiresFlags(t *testing.T) {
	err := run([]string{"template", "save", "--id", "tpl_trust"})
	domainErr, ok := apperr.As(err)
	if !ok || domainErr.Code != "MISSING_FLAGS" {
		t.Fatalf("expected MISSING_FLAGS, got %v", err)
	}
}

func TestSchemaValidateCommand(t *testing.T) {
	valid := writeFile(t, "valid.json", `[{"field_key":"trust_name","label":"Trust name","type":"string","locations":[{"page":1,"section":"body","anchor":"trust"}],"required":true}]`)
	if err := run([]string{"schema", "validate", "--file", valid}); err != nil {
		t.Fatalf("schema validate (valid) error = %v", err)
	}

	invalid := writeFile(t, "invalid.json", `[{"field_key":"X","type":"colour","locations":[]}]`)
	if err := run([]string{"schema", "validate", "--file", invalid}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("schema validate (invalid) = %v, want validation error", err)
	}

	unknown := writeFile(t, "unknown.json", `[{"fieldKey":"trust_name"}]`)
	err := run([]string{"schema", "validate", "--file", unknown})
	if domainErr, ok := apperr.As(err); !ok || domainErr.Code != "INVALID_JSON" {
		t.Fatalf("expected INVALID_JSON for unknown keys, got %v", err)
	}
}

func TestSchemaDiffCommand(t *testing.T) {
	from := writeFile(t, "from.json", `[]`)
	to := writeFile(t, "to.json", `[{"field_key":"county","type":"string","locations":[{"page":1}]}]`)
	if err := run([]string{"schema", "diff", "--from", from, "--to", to}); err != nil {
		t.Fatalf("schema diff error = %v", err)
	}
}

func TestCatalogAndHistoryNeedConfiguration(t *testing.T) {
	t.Setenv("MEILI_URL", "")
	t.Setenv("PLACEHOLDER_ARCHIVE_DIR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PLACEHOLDER_CONFIG", "")
	for _, args := range [][]string{
		{"catalog", "search", "-q", "trust"},
		{"history", "--template", "tpl_trust"},
		{"audit", "recent"},
	} {
		if err := run(args); apperr.KindOf(err) != apperr.KindState {
			t.Fatalf("run(%v) = %v, want state error", args, err)
		}
	}
}

// useStore points every command at st for the rest of the test.
func useStore(t *testing.T, st store.Store) {
	t.Helper()
	previous := openStore
	openStore = func(context.Context, config.Config) (store.Store, func(), error) {
		return st, func() {}, nil
	}
	t.Cleanup(func() { openStore = previous })
}

func TestCommandsShareTheConfiguredStore(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("MEILI_URL", "")
	t.Setenv("PLACEHOLDER_ARCHIVE_DIR", "")
	t.Setenv("PLACEHOLDER_CONFIG", "")
	st := store.NewMemoryStore()
	useStore(t, st)

	fields := writeFile(t, "fields.json", `[{"field_key":"trust_name","label":"Trust name","type":"string","locations":[{"page":1,"section":"body","anchor":"trust"}],"required":true}]`)
	steps := [][]string{
		{"template", "create", "--id", "tpl_trust", "--name", "Trust", "--user", "editor"},
		{"template", "save", "--id", "tpl_trust", "--file", fields, "--user", "editor"},
		{"template", "approve", "--id", "tpl_trust", "--version", "1", "--user", "reviewer"},
		{"template", "show", "--id", "tpl_trust"},
	}
	for _, args := range steps {
		if err := run(args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
	}

	template, err := st.GetTemplate(context.Background(), "tpl_trust")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if template.CurrentVersion != 1 || template.LatestApprovedVersion != 1 {
		t.Fatalf("unexpected template state %+v", template)
	}
}

func TestStoreFailureAbortsCommand(t *testing.T) {
	t.Setenv("PLACEHOLDER_CONFIG", "")
	previous := openStore
	openStore = func(context.Context, config.Config) (store.Store, func(), error) {
		return nil, nil, errors.New("database connection failed: refused")
	}
	t.Cleanup(func() { openStore = previous })

	if err := run([]string{"template", "show", "--id", "tpl_trust"}); err == nil || apperr.KindOf(err) != apperr.KindUnknown {
		t.Fatalf("expected plain connection error, got %v", err)
	}
	if err := run([]string{"template", "show", "--memory", "--id", "tpl_trust"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected --memory to be rejected, got %v", err)
	}
}

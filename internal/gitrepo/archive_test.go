package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"placeholders/core/internal/audit"
	"placeholders/core/internal/schema"
)

func field(key string) schema.PlaceholderField {
	return schema.PlaceholderField{
		FieldKey:  key,
		Label:     key,
		Type:      schema.TypeString,
		Locations: []schema.Location{{Page: 1, Section: "body", Anchor: key}},
	}
}

func saved(templateID string, version int, fields ...schema.PlaceholderField) audit.Event {
	return audit.Event{
		Type:         audit.TemplateUpdated,
		At:           time.Date(2026, 2, 1, 10, version, 0, 0, time.UTC),
		Actor:        "Avery Editor",
		TemplateID:   templateID,
		Version:      version,
		Placeholders: fields,
	}
}

func deliver(t *testing.T, archive *Archive, events ...audit.Event) {
	t.Helper()
	for _, event := range events {
		if err := archive.Deliver(context.Background(), event); err != nil {
			t.Fatalf("Deliver(%s v%d) error = %v", event.Type, event.Version, err)
		}
	}
}

func TestArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	archive := NewArchive(tempDir)

	deliver(t, archive,
		audit.Event{Type: audit.TemplateCreated, Actor: "Avery Editor", TemplateID: "tpl_trust"},
		saved("tpl_trust", 1, field("trust_name")),
		audit.Event{Type: audit.VersionApproved, Actor: "Quinn", TemplateID: "tpl_trust", Version: 1, Reason: "looks right"},
		saved("tpl_trust", 2, field("trust_name"), field("county")),
	)
	if _, err := os.Stat(filepath.Join(tempDir, "tpl_trust", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	history, err := archive.History("tpl_trust", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected baseline plus two versions, got %+v", history)
	}
	if history[0].Version != 2 || history[0].Approved {
		t.Fatalf("unexpected head entry %+v", history[0])
	}
	if history[1].Version != 1 || !history[1].Approved {
		t.Fatalf("v1 should be tagged approved, got %+v", history[1])
	}
	if history[2].Version != 0 || !strings.HasPrefix(history[2].Message, "Create template") {
		t.Fatalf("unexpected baseline entry %+v", history[2])
	}
	if history[0].Author != "Avery Editor" {
		t.Fatalf("unexpected author %q", history[0].Author)
	}

	limited, err := archive.History("tpl_trust", 1)
	if err != nil {
		t.Fatalf("History(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(limited))
	}

	v1, err := archive.VersionSchema("tpl_trust", 1)
	if err != nil {
		t.Fatalf("VersionSchema() error = %v", err)
	}
	if diff := cmp.Diff([]schema.PlaceholderField{field("trust_name")}, v1); diff != "" {
		t.Fatalf("archived v1 mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveCreatesRepoOnFirstVersion(t *testing.T) {
	archive := NewArchive(t.TempDir())
	deliver(t, archive, saved("tpl_late", 1, field("pet_name")))

	got, err := archive.VersionSchema("tpl_late", 1)
	if err != nil {
		t.Fatalf("VersionSchema() error = %v", err)
	}
	if len(got) != 1 || got[0].FieldKey != "pet_name" {
		t.Fatalf("unexpected schema %+v", got)
	}
}

func TestArchiveIgnoresRedeliveredVersion(t *testing.T) {
	archive := NewArchive(t.TempDir())
	event := saved("tpl_trust", 1, field("trust_name"))
	deliver(t, archive, event, event)

	history, err := archive.History("tpl_trust", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected a single v1 commit, got %+v", history)
	}
}

func TestArchiveRollbackMessage(t *testing.T) {
	archive := NewArchive(t.TempDir())
	rollback := saved("tpl_trust", 3, field("trust_name"))
	rollback.Type = audit.VersionRolledBack
	rollback.Reason = "county was wrong"
	rollback.Details = map[string]any{"rolledBackFrom": 2, "rolledBackTo": 1}
	deliver(t, archive,
		saved("tpl_trust", 1, field("trust_name")),
		saved("tpl_trust", 2, field("trust_name"), field("county")),
		rollback,
	)

	history, err := archive.History("tpl_trust", 1)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if history[0].Message != "v3: roll back to v1: county was wrong" {
		t.Fatalf("unexpected rollback message %q", history[0].Message)
	}
}

func TestArchiveMissingTemplate(t *testing.T) {
	archive := NewArchive(t.TempDir())
	if _, err := archive.History("tpl_missing", 0); !errors.Is(err, ErrNoArchive) {
		t.Fatalf("expected ErrNoArchive, got %v", err)
	}
	err := archive.Deliver(context.Background(), audit.Event{Type: audit.VersionApproved, TemplateID: "tpl_missing", Version: 1})
	if !errors.Is(err, ErrNoArchive) {
		t.Fatalf("expected ErrNoArchive on approval, got %v", err)
	}
	if err := archive.Deliver(context.Background(), saved("../escape", 1)); err == nil {
		t.Fatal("expected path-like template id to be rejected")
	}
}

func TestArchiveIgnoresIntakeEvents(t *testing.T) {
	tempDir := t.TempDir()
	archive := NewArchive(tempDir)
	deliver(t, archive, audit.Event{Type: audit.IntakeFrozen, IntakeID: "int_1"})
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no repos, got %d", len(entries))
	}
}

func TestArchiveConcurrentTemplates(t *testing.T) {
	archive := NewArchive(t.TempDir())

	const templates = 6
	var wg sync.WaitGroup
	errCh := make(chan error, templates)
	for i := 0; i < templates; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := fmt.Sprintf("tpl_%02d", idx)
			for version := 1; version <= 3; version++ {
				if err := archive.Deliver(context.Background(), saved(id, version, field("trust_name"))); err != nil {
					errCh <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Deliver() concurrent error = %v", err)
	}

	for i := 0; i < templates; i++ {
		history, err := archive.History(fmt.Sprintf("tpl_%02d", i), 0)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(history) != 4 {
			t.Fatalf("expected 4 commits, got %d", len(history))
		}
	}
}

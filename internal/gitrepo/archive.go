// Package gitrepo mirrors the version ledger into one git repository per
// template. Each saved version becomes a commit of placeholders.json tagged
// v<n>; approvals add an annotated v<n>-approved tag.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"placeholders/core/internal/audit"
	"placeholders/core/internal/schema"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const schemaFile = "placeholders.json"

var ErrNoArchive = errors.New("template archive not found")

type archivedSchema struct {
	TemplateID   string                    `json:"templateId"`
	Version      int                       `json:"version"`
	Placeholders []schema.PlaceholderField `json:"placeholders"`
}

// Commit is one entry of a template's archive history.
type Commit struct {
	Hash     string    `json:"hash"`
	Version  int       `json:"version,omitempty"`
	Approved bool      `json:"approved"`
	Message  string    `json:"message"`
	Author   string    `json:"author"`
	At       time.Time `json:"at"`
}

// Archive is an audit.Sink.
type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewArchive(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (a *Archive) Name() string { return "git-archive" }

func (a *Archive) Deliver(ctx context.Context, event audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch event.Type {
	case audit.TemplateCreated:
		return a.ensure(event.TemplateID, event.Actor, event.At)
	case audit.TemplateUpdated, audit.VersionRolledBack:
		return a.commitVersion(event)
	case audit.VersionApproved:
		return a.tagApproval(event)
	}
	return nil
}

func (a *Archive) ensure(templateID, author string, at time.Time) error {
	path, err := a.repoPath(templateID)
	if err != nil {
		return err
	}
	lock := a.templateLock(templateID)
	lock.Lock()
	defer lock.Unlock()
	_, err = openOrInit(path, templateID, author, at)
	return err
}

func (a *Archive) commitVersion(event audit.Event) error {
	path, err := a.repoPath(event.TemplateID)
	if err != nil {
		return err
	}
	lock := a.templateLock(event.TemplateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path, event.TemplateID, event.Actor, event.At)
	if err != nil {
		return err
	}
	tagName := versionTag(event.Version)
	if _, err := repo.Tag(tagName); err == nil {
		// Redelivered event.
		return nil
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return fmt.Errorf("read tag %s: %w", tagName, err)
	}

	hash, err := writeAndCommit(repo, archivedSchema{
		TemplateID:   event.TemplateID,
		Version:      event.Version,
		Placeholders: schema.Clone(event.Placeholders),
	}, event.Actor, event.At, commitMessage(event))
	if err != nil {
		return err
	}
	if _, err := repo.CreateTag(tagName, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag %s: %w", tagName, err)
	}
	return nil
}

func (a *Archive) tagApproval(event audit.Event) error {
	path, err := a.repoPath(event.TemplateID)
	if err != nil {
		return err
	}
	lock := a.templateLock(event.TemplateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("approve v%d of %s: %w", event.Version, event.TemplateID, ErrNoArchive)
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(versionTag(event.Version))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", versionTag(event.Version), err)
	}
	message := event.Reason
	if message == "" {
		message = fmt.Sprintf("Approve v%d", event.Version)
	}
	_, err = repo.CreateTag(approvedTag(event.Version), ref.Hash(), &git.CreateTagOptions{
		Tagger:  signature(event.Actor, event.At),
		Message: message,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create approval tag: %w", err)
	}
	return nil
}

// History lists a template's archive commits newest first. A non-positive
// limit returns everything.
func (a *Archive) History(templateID string, limit int) ([]Commit, error) {
	repo, unlock, err := a.open(templateID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	versions, approved, err := tagIndex(repo)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(c *object.Commit) error {
		version := versions[c.Hash]
		items = append(items, Commit{
			Hash:     c.Hash.String()[:7],
			Version:  version,
			Approved: version > 0 && approved[version],
			Message:  strings.TrimSpace(c.Message),
			Author:   c.Author.Name,
			At:       c.Author.When,
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// VersionSchema reads the placeholders archived for one version.
func (a *Archive) VersionSchema(templateID string, version int) ([]schema.PlaceholderField, error) {
	repo, unlock, err := a.open(templateID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ref, err := repo.Tag(versionTag(version))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", versionTag(version), err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	archived, err := readSchema(commit)
	if err != nil {
		return nil, err
	}
	return archived.Placeholders, nil
}

func (a *Archive) open(templateID string) (*git.Repository, func(), error) {
	path, err := a.repoPath(templateID)
	if err != nil {
		return nil, nil, err
	}
	lock := a.templateLock(templateID)
	lock.Lock()
	repo, err := git.PlainOpen(path)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil, fmt.Errorf("open %s: %w", templateID, ErrNoArchive)
		}
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func (a *Archive) repoPath(templateID string) (string, error) {
	if templateID == "" || templateID == "." || templateID == ".." || strings.ContainsAny(templateID, `/\`) {
		return "", fmt.Errorf("invalid template id %q for archive path", templateID)
	}
	return filepath.Join(a.baseDir, templateID), nil
}

func (a *Archive) templateLock(templateID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[templateID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[templateID] = lock
	}
	return lock
}

// openOrInit opens the template repo, creating it with an empty baseline
// commit on main when it does not exist yet.
func openOrInit(path, templateID, author string, at time.Time) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	hash, err := writeAndCommit(repo, archivedSchema{TemplateID: templateID, Placeholders: []schema.PlaceholderField{}},
		author, at, fmt.Sprintf("Create template %s", templateID))
	if err != nil {
		return nil, err
	}
	mainRef := plumbing.NewBranchReferenceName("main")
	if err := repo.Storer.SetReference(plumbing.NewHashReference(mainRef, hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func writeAndCommit(repo *git.Repository, content archivedSchema, author string, at time.Time, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal schema: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), schemaFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", schemaFile, err)
	}
	if _, err := worktree.Add(schemaFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add schema: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author, at),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit schema: %w", err)
	}
	return hash, nil
}

func readSchema(commit *object.Commit) (archivedSchema, error) {
	file, err := commit.File(schemaFile)
	if err != nil {
		return archivedSchema{}, fmt.Errorf("load %s from commit: %w", schemaFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return archivedSchema{}, fmt.Errorf("read %s: %w", schemaFile, err)
	}
	var archived archivedSchema
	if err := json.Unmarshal([]byte(contents), &archived); err != nil {
		return archivedSchema{}, fmt.Errorf("decode %s: %w", schemaFile, err)
	}
	return archived, nil
}

// tagIndex maps commits to the version tagged on them and records which
// versions carry an approval tag.
func tagIndex(repo *git.Repository) (map[plumbing.Hash]int, map[int]bool, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	versions := make(map[plumbing.Hash]int)
	approved := make(map[int]bool)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if trimmed, ok := strings.CutSuffix(name, "-approved"); ok {
			if n, ok := parseVersionTag(trimmed); ok {
				approved[n] = true
			}
			return nil
		}
		if n, ok := parseVersionTag(name); ok {
			versions[ref.Hash()] = n
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("iterate tags: %w", err)
	}
	return versions, approved, nil
}

func commitMessage(event audit.Event) string {
	var b strings.Builder
	if event.Type == audit.VersionRolledBack {
		fmt.Fprintf(&b, "v%d: roll back to v%v", event.Version, event.Details["rolledBackTo"])
	} else {
		fmt.Fprintf(&b, "v%d", event.Version)
	}
	if event.Reason != "" {
		b.WriteString(": " + event.Reason)
	}
	if event.Diff != nil && !event.Diff.IsEmpty() {
		fmt.Fprintf(&b, "\n\nadded=%d removed=%d renamed=%d",
			len(event.Diff.Added), len(event.Diff.Removed), len(event.Diff.Renamed))
	}
	return b.String()
}

func versionTag(version int) string  { return "v" + strconv.Itoa(version) }
func approvedTag(version int) string { return versionTag(version) + "-approved" }

func parseVersionTag(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "v")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func signature(author string, at time.Time) *object.Signature {
	if author == "" {
		author = "system"
	}
	if at.IsZero() {
		at = time.Now()
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@placeholders.local", sanitizeEmail(author)),
		When:  at,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

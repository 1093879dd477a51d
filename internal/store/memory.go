package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"placeholders/core/internal/schema"
)

// MemoryStore keeps everything in process. Each template aggregate has its
// own mutex; the outer mutex only guards the maps.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*memTemplate
	intakes   map[string]Intake
	overrides map[string]CustomerOverride
}

type memTemplate struct {
	mu       sync.Mutex
	template Template
	// versions[i] holds version i+1.
	versions []TemplateVersion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: map[string]*memTemplate{},
		intakes:   map[string]Intake{},
		overrides: map[string]CustomerOverride{},
	}
}

func (s *MemoryStore) aggregate(templateID string) (*memTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("get template %s: %w", templateID, ErrNotFound)
	}
	return agg, nil
}

func (s *MemoryStore) CreateTemplate(_ context.Context, template Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[template.ID]; ok {
		return fmt.Errorf("insert template %s: %w", template.ID, ErrAlreadyExists)
	}
	s.templates[template.ID] = &memTemplate{template: copyTemplate(template)}
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, templateID string) (Template, error) {
	agg, err := s.aggregate(templateID)
	if err != nil {
		return Template{}, err
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	return copyTemplate(agg.template), nil
}

func (s *MemoryStore) GetVersion(_ context.Context, templateID string, version int) (TemplateVersion, error) {
	agg, err := s.aggregate(templateID)
	if err != nil {
		return TemplateVersion{}, err
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	if version < 1 || version > len(agg.versions) {
		return TemplateVersion{}, fmt.Errorf("get version %s@%d: %w", templateID, version, ErrNotFound)
	}
	return copyVersion(agg.versions[version-1]), nil
}

func (s *MemoryStore) ListVersions(_ context.Context, templateID string) ([]TemplateVersion, error) {
	agg, err := s.aggregate(templateID)
	if err != nil {
		// Matches the Postgres store, which cannot tell an unknown template
		// from one without versions.
		return []TemplateVersion{}, nil
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	items := make([]TemplateVersion, 0, len(agg.versions))
	for _, version := range agg.versions {
		items = append(items, copyVersion(version))
	}
	return items, nil
}

// WithTemplate holds the aggregate mutex for the duration of fn and applies
// staged writes only when fn returns nil.
func (s *MemoryStore) WithTemplate(ctx context.Context, templateID string, fn func(TemplateTx) error) error {
	agg, err := s.aggregate(templateID)
	if err != nil {
		return fmt.Errorf("lock template %s: %w", templateID, ErrNotFound)
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()

	tx := &memTemplateTx{
		agg:       agg,
		template:  copyTemplate(agg.template),
		approvals: map[int]approval{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit template tx: %w", err)
	}
	tx.commit()
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

type approval struct {
	by string
	at time.Time
}

type memTemplateTx struct {
	agg       *memTemplate
	template  Template
	updated   bool
	staged    []TemplateVersion
	approvals map[int]approval
	hooks     []func()
}

func (t *memTemplateTx) Template() Template {
	return copyTemplate(t.template)
}

func (t *memTemplateTx) Version(_ context.Context, version int) (TemplateVersion, error) {
	committed := len(t.agg.versions)
	var item TemplateVersion
	switch {
	case version >= 1 && version <= committed:
		item = copyVersion(t.agg.versions[version-1])
	case version > committed && version <= committed+len(t.staged):
		item = copyVersion(t.staged[version-committed-1])
	default:
		return TemplateVersion{}, fmt.Errorf("get version %s@%d: %w", t.template.ID, version, ErrNotFound)
	}
	if a, ok := t.approvals[version]; ok {
		applyApproval(&item, a)
	}
	return item, nil
}

func (t *memTemplateTx) InsertVersion(_ context.Context, version TemplateVersion) error {
	next := len(t.agg.versions) + len(t.staged) + 1
	if version.Version != next {
		return fmt.Errorf("insert version %s@%d: %w", t.template.ID, version.Version, ErrVersionExists)
	}
	t.staged = append(t.staged, copyVersion(version))
	return nil
}

func (t *memTemplateTx) MarkApproved(_ context.Context, version int, approvedBy string, approvedAt time.Time) error {
	if version < 1 || version > len(t.agg.versions)+len(t.staged) {
		return fmt.Errorf("approve version %s@%d: %w", t.template.ID, version, ErrNotFound)
	}
	t.approvals[version] = approval{by: approvedBy, at: approvedAt}
	return nil
}

func (t *memTemplateTx) UpdateTemplate(_ context.Context, template Template) error {
	template.ID = t.template.ID
	t.template = copyTemplate(template)
	t.updated = true
	return nil
}

func (t *memTemplateTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *memTemplateTx) commit() {
	t.agg.versions = append(t.agg.versions, t.staged...)
	for version, a := range t.approvals {
		applyApproval(&t.agg.versions[version-1], a)
	}
	if t.updated {
		t.agg.template = t.template
	}
}

func applyApproval(version *TemplateVersion, a approval) {
	at := a.at
	version.Status = VersionApproved
	version.ApprovedBy = a.by
	version.ApprovedAt = &at
}

func (s *MemoryStore) InsertIntake(_ context.Context, intake Intake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intakes[intake.ID]; ok {
		return fmt.Errorf("insert intake %s: %w", intake.ID, ErrAlreadyExists)
	}
	intake.Snapshot = nil
	s.intakes[intake.ID] = intake
	return nil
}

func (s *MemoryStore) GetIntake(_ context.Context, intakeID string) (Intake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intake, ok := s.intakes[intakeID]
	if !ok {
		return Intake{}, fmt.Errorf("get intake %s: %w", intakeID, ErrNotFound)
	}
	return copyIntake(intake), nil
}

func (s *MemoryStore) FreezeIntake(_ context.Context, intakeID string, snapshot IntakeVersionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intake, ok := s.intakes[intakeID]
	if !ok {
		return fmt.Errorf("freeze intake %s: %w", intakeID, ErrNotFound)
	}
	if intake.Snapshot != nil {
		return fmt.Errorf("freeze intake %s: %w", intakeID, ErrAlreadyFrozen)
	}
	frozen := copySnapshot(snapshot)
	intake.Snapshot = &frozen
	s.intakes[intakeID] = intake
	return nil
}

func (s *MemoryStore) InsertOverride(_ context.Context, override CustomerOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[override.ID]; ok {
		return fmt.Errorf("insert override %s: %w", override.ID, ErrAlreadyExists)
	}
	if _, ok := s.intakes[override.IntakeID]; !ok {
		return fmt.Errorf("insert override for intake %s: %w", override.IntakeID, ErrNotFound)
	}
	s.overrides[override.ID] = copyOverride(override)
	return nil
}

func (s *MemoryStore) GetOverride(_ context.Context, overrideID string) (CustomerOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	override, ok := s.overrides[overrideID]
	if !ok {
		return CustomerOverride{}, fmt.Errorf("get override %s: %w", overrideID, ErrNotFound)
	}
	return copyOverride(override), nil
}

func (s *MemoryStore) ListOverrides(_ context.Context, intakeID string) ([]CustomerOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]CustomerOverride, 0)
	for _, override := range s.overrides {
		if override.IntakeID == intakeID {
			items = append(items, copyOverride(override))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) ReviewOverride(_ context.Context, overrideID string, review OverrideReview) (CustomerOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	override, ok := s.overrides[overrideID]
	if !ok {
		return CustomerOverride{}, fmt.Errorf("review override %s: %w", overrideID, ErrNotFound)
	}
	at := review.ReviewedAt
	override.Status = review.Status
	override.ReviewedBy = review.ReviewedBy
	override.ReviewedAt = &at
	override.ReviewNotes = review.Notes
	s.overrides[overrideID] = override
	return copyOverride(override), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func copyTemplate(in Template) Template {
	if in.EditorLock != nil {
		lock := *in.EditorLock
		in.EditorLock = &lock
	}
	return in
}

func copyVersion(in TemplateVersion) TemplateVersion {
	in.Placeholders = schema.Clone(in.Placeholders)
	in.Diff = schema.Diff{
		Added:   schema.Clone(in.Diff.Added),
		Removed: schema.Clone(in.Diff.Removed),
		Renamed: append([]schema.Rename{}, in.Diff.Renamed...),
	}
	if in.ApprovedAt != nil {
		at := *in.ApprovedAt
		in.ApprovedAt = &at
	}
	if in.RolledBackFrom != nil {
		from := *in.RolledBackFrom
		in.RolledBackFrom = &from
	}
	if in.RolledBackTo != nil {
		to := *in.RolledBackTo
		in.RolledBackTo = &to
	}
	return in
}

func copySnapshot(in IntakeVersionSnapshot) IntakeVersionSnapshot {
	versions := make(map[string]int, len(in.TemplateVersions))
	for id, version := range in.TemplateVersions {
		versions[id] = version
	}
	in.TemplateVersions = versions
	in.TemplateOrder = append([]string{}, in.TemplateOrder...)
	in.EffectiveSchema = schema.Clone(in.EffectiveSchema)
	return in
}

func copyIntake(in Intake) Intake {
	if in.Snapshot != nil {
		snapshot := copySnapshot(*in.Snapshot)
		in.Snapshot = &snapshot
	}
	return in
}

func copyOverride(in CustomerOverride) CustomerOverride {
	sections := make([]Section, 0, len(in.Sections))
	for _, section := range in.Sections {
		section.NewPlaceholders = schema.Clone(section.NewPlaceholders)
		sections = append(sections, section)
	}
	in.Sections = sections
	in.SchemaDelta = schema.Delta{
		Added:    schema.Clone(in.SchemaDelta.Added),
		Modified: schema.Clone(in.SchemaDelta.Modified),
		Removed:  append([]string{}, in.SchemaDelta.Removed...),
	}
	in.Collisions = append([]string{}, in.Collisions...)
	if in.ReviewedAt != nil {
		at := *in.ReviewedAt
		in.ReviewedAt = &at
	}
	return in
}

// Package overrides layers per-customer schema customizations on top of the
// schema frozen for an intake, and performs that freeze.
package overrides

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/audit"
	"placeholders/core/internal/schema"
	"placeholders/core/internal/store"
	"placeholders/core/internal/util"
)

type overrideStore interface {
	InsertIntake(ctx context.Context, intake store.Intake) error
	GetIntake(ctx context.Context, intakeID string) (store.Intake, error)
	FreezeIntake(ctx context.Context, intakeID string, snapshot store.IntakeVersionSnapshot) error
	InsertOverride(ctx context.Context, override store.CustomerOverride) error
	GetOverride(ctx context.Context, overrideID string) (store.CustomerOverride, error)
	ListOverrides(ctx context.Context, intakeID string) ([]store.CustomerOverride, error)
	ReviewOverride(ctx context.Context, overrideID string, review store.OverrideReview) (store.CustomerOverride, error)
}

// templateReader resolves template versions at freeze time. *ledger.Service
// satisfies it.
type templateReader interface {
	GetTemplate(ctx context.Context, templateID string) (store.Template, error)
	GetVersion(ctx context.Context, templateID string, version int) (store.TemplateVersion, error)
}

type Service struct {
	store     overrideStore
	templates templateReader
	events    audit.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p audit.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(st overrideStore, templates templateReader, opts ...Option) *Service {
	s := &Service{
		store:     st,
		templates: templates,
		events:    audit.Discard,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenIntake registers an intake so it can later be frozen. An empty
// intakeID gets a generated one.
func (s *Service) OpenIntake(ctx context.Context, intakeID, customerID string) (store.Intake, error) {
	if customerID == "" {
		return store.Intake{}, apperr.Validation("CUSTOMER_REQUIRED", "customer id is required", nil)
	}
	if intakeID == "" {
		intakeID = util.NewID("int")
	}
	intake := store.Intake{ID: intakeID, CustomerID: customerID, CreatedAt: s.now()}
	if err := s.store.InsertIntake(ctx, intake); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.Intake{}, apperr.State("INTAKE_EXISTS", "intake already exists", map[string]any{"intakeId": intakeID})
		}
		return store.Intake{}, fmt.Errorf("open intake: %w", err)
	}
	return intake, nil
}

func (s *Service) getIntake(ctx context.Context, intakeID string) (store.Intake, error) {
	intake, err := s.store.GetIntake(ctx, intakeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Intake{}, apperr.NotFound("INTAKE_NOT_FOUND", "intake not found", map[string]any{"intakeId": intakeID})
	}
	if err != nil {
		return store.Intake{}, fmt.Errorf("get intake: %w", err)
	}
	return intake, nil
}

// frozenIntake returns an intake that already carries its snapshot.
func (s *Service) frozenIntake(ctx context.Context, intakeID string) (store.Intake, error) {
	intake, err := s.getIntake(ctx, intakeID)
	if err != nil {
		return store.Intake{}, err
	}
	if intake.Snapshot == nil {
		return store.Intake{}, apperr.State("INTAKE_NOT_FROZEN", "intake has no frozen version snapshot", map[string]any{"intakeId": intakeID})
	}
	return intake, nil
}

func (s *Service) GetSnapshot(ctx context.Context, intakeID string) (store.IntakeVersionSnapshot, error) {
	intake, err := s.frozenIntake(ctx, intakeID)
	if err != nil {
		return store.IntakeVersionSnapshot{}, err
	}
	return *intake.Snapshot, nil
}

type CreateOverrideInput struct {
	IntakeID   string
	CustomerID string
	Sections   []store.Section
	// Modified replaces existing fields by key; Removed drops them.
	Modified  []schema.PlaceholderField
	Removed   []string
	CreatedBy string
	Reason    string
}

// CreateOverrideResult carries the stored override, or, when the submitted
// placeholders are invalid, only the validation findings.
type CreateOverrideResult struct {
	Override   *store.CustomerOverride `json:"override,omitempty"`
	Validation schema.Result           `json:"validation"`
	Collisions []schema.Collision      `json:"collisions"`
}

// CreateOverride validates the new placeholders of every section as one
// schema and checks them for collisions against the intake's frozen schema,
// never the template's live one. Any collision sends the override to review.
func (s *Service) CreateOverride(ctx context.Context, in CreateOverrideInput) (CreateOverrideResult, error) {
	intake, err := s.frozenIntake(ctx, in.IntakeID)
	if err != nil {
		return CreateOverrideResult{}, err
	}
	customerID := in.CustomerID
	if customerID == "" {
		customerID = intake.CustomerID
	}
	if customerID != intake.CustomerID {
		return CreateOverrideResult{}, apperr.Validation("CUSTOMER_MISMATCH", "override customer does not own the intake", map[string]any{
			"intakeId":   in.IntakeID,
			"customerId": customerID,
		})
	}

	added := make([]schema.PlaceholderField, 0)
	for _, section := range in.Sections {
		added = append(added, section.NewPlaceholders...)
	}
	validation := schema.ValidateSchema(added)
	for i, field := range in.Modified {
		if ok, issues := schema.ValidateField(field); !ok {
			for _, issue := range issues {
				issue.Index = i
				validation.Errors = append(validation.Errors, issue)
			}
			validation.Valid = false
		}
	}
	if !validation.Valid {
		s.logger.Info("override rejected by validation", "intake", in.IntakeID, "errors", len(validation.Errors))
		return CreateOverrideResult{Validation: validation, Collisions: []schema.Collision{}}, nil
	}

	collisions := schema.DetectCollisions(intake.Snapshot.EffectiveSchema, added)
	status := store.OverrideActive
	collidingKeys := make([]string, 0, len(collisions))
	for _, collision := range collisions {
		collidingKeys = append(collidingKeys, collision.FieldKey)
	}
	if len(collisions) > 0 {
		status = store.OverridePendingReview
	}

	sections := make([]store.Section, 0, len(in.Sections))
	for _, section := range in.Sections {
		sections = append(sections, store.Section{
			Content:         sanitizeSectionContent(section.Content),
			InsertAfter:     section.InsertAfter,
			NewPlaceholders: schema.Clone(section.NewPlaceholders),
		})
	}
	removed := append([]string{}, in.Removed...)
	override := store.CustomerOverride{
		ID:         util.NewID("ovr"),
		IntakeID:   in.IntakeID,
		CustomerID: customerID,
		Sections:   sections,
		SchemaDelta: schema.Delta{
			Added:    added,
			Modified: schema.Clone(in.Modified),
			Removed:  removed,
		},
		Status:     status,
		Collisions: collidingKeys,
		Reason:     in.Reason,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertOverride(ctx, override); err != nil {
		return CreateOverrideResult{}, fmt.Errorf("insert override: %w", err)
	}

	s.events.Emit(audit.Event{
		Type:       audit.OverrideCreated,
		At:         override.CreatedAt,
		Actor:      in.CreatedBy,
		IntakeID:   in.IntakeID,
		OverrideID: override.ID,
		Reason:     in.Reason,
		Details:    map[string]any{"status": string(status), "collisions": collidingKeys},
	})
	s.logger.Info("override created", "intake", in.IntakeID, "override", override.ID, "status", status, "collisions", len(collisions))
	return CreateOverrideResult{Override: &override, Validation: validation, Collisions: collisions}, nil
}

func (s *Service) GetOverride(ctx context.Context, overrideID string) (store.CustomerOverride, error) {
	override, err := s.store.GetOverride(ctx, overrideID)
	if errors.Is(err, store.ErrNotFound) {
		return store.CustomerOverride{}, apperr.NotFound("OVERRIDE_NOT_FOUND", "override not found", map[string]any{"overrideId": overrideID})
	}
	if err != nil {
		return store.CustomerOverride{}, fmt.Errorf("get override: %w", err)
	}
	return override, nil
}

// ListOverrides returns an intake's overrides in merge order.
func (s *Service) ListOverrides(ctx context.Context, intakeID string) ([]store.CustomerOverride, error) {
	if _, err := s.getIntake(ctx, intakeID); err != nil {
		return nil, err
	}
	items, err := s.store.ListOverrides(ctx, intakeID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	return items, nil
}

// ApplyOverride previews the frozen schema with one override applied,
// whatever its status.
func (s *Service) ApplyOverride(ctx context.Context, intakeID, overrideID string) ([]schema.PlaceholderField, error) {
	intake, err := s.frozenIntake(ctx, intakeID)
	if err != nil {
		return nil, err
	}
	override, err := s.GetOverride(ctx, overrideID)
	if err != nil {
		return nil, err
	}
	if override.IntakeID != intakeID {
		return nil, apperr.NotFound("OVERRIDE_NOT_FOUND", "override does not belong to intake", map[string]any{
			"intakeId":   intakeID,
			"overrideId": overrideID,
		})
	}
	return schema.ApplyDelta(intake.Snapshot.EffectiveSchema, override.SchemaDelta), nil
}

// GetEffectiveSchema folds every active override into the frozen schema,
// oldest first with ties broken by id.
func (s *Service) GetEffectiveSchema(ctx context.Context, intakeID string) ([]schema.PlaceholderField, error) {
	intake, err := s.frozenIntake(ctx, intakeID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.ListOverrides(ctx, intakeID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	effective := schema.Clone(intake.Snapshot.EffectiveSchema)
	for _, override := range overrides {
		if override.Status != store.OverrideActive {
			continue
		}
		effective = schema.ApplyDelta(effective, override.SchemaDelta)
	}
	return effective, nil
}

// UpdateOverrideStatus records a review decision. Unlike version approval,
// re-reviewing an already decided override simply overwrites it.
func (s *Service) UpdateOverrideStatus(ctx context.Context, overrideID string, status store.OverrideStatus, reviewerID, notes string) (store.CustomerOverride, error) {
	if !status.Valid() {
		return store.CustomerOverride{}, apperr.Validation("INVALID_STATUS", fmt.Sprintf("unknown override status %q", status), map[string]any{"status": status})
	}
	reviewed, err := s.store.ReviewOverride(ctx, overrideID, store.OverrideReview{
		Status:     status,
		ReviewedBy: reviewerID,
		ReviewedAt: s.now(),
		Notes:      notes,
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.CustomerOverride{}, apperr.NotFound("OVERRIDE_NOT_FOUND", "override not found", map[string]any{"overrideId": overrideID})
	}
	if err != nil {
		return store.CustomerOverride{}, fmt.Errorf("review override: %w", err)
	}

	eventType := audit.OverrideReopened
	switch status {
	case store.OverrideActive:
		eventType = audit.OverrideAccepted
	case store.OverrideRejected:
		eventType = audit.OverrideRejected
	}
	s.events.Emit(audit.Event{
		Type:       eventType,
		At:         *reviewed.ReviewedAt,
		Actor:      reviewerID,
		IntakeID:   reviewed.IntakeID,
		OverrideID: overrideID,
		Reason:     notes,
	})
	s.logger.Info("override reviewed", "override", overrideID, "status", status, "reviewer", reviewerID)
	return reviewed, nil
}

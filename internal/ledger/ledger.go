// Package ledger owns the append-only version history of each template:
// saving under optimistic concurrency, approval, rollback and the advisory
// editor lock. Every mutation runs inside one store.WithTemplate unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/audit"
	"placeholders/core/internal/codec"
	"placeholders/core/internal/schema"
	"placeholders/core/internal/store"
)

const DefaultLockTTL = 5 * time.Minute

type templateStore interface {
	CreateTemplate(ctx context.Context, template store.Template) error
	GetTemplate(ctx context.Context, templateID string) (store.Template, error)
	GetVersion(ctx context.Context, templateID string, version int) (store.TemplateVersion, error)
	ListVersions(ctx context.Context, templateID string) ([]store.TemplateVersion, error)
	WithTemplate(ctx context.Context, templateID string, fn func(store.TemplateTx) error) error
}

type Service struct {
	store   templateStore
	events  audit.Publisher
	logger  *slog.Logger
	now     func() time.Time
	lockTTL time.Duration
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

// WithClock replaces time.Now; lock expiry and timestamps use it.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func New(st templateStore, opts ...Option) *Service {
	s := &Service{
		store:   st,
		events:  audit.Discard,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return time.Now().UTC() },
		lockTTL: DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ComputeETag derives the concurrency token of a template version.
func ComputeETag(templateID string, version int, placeholders []schema.PlaceholderField) (string, error) {
	etag, err := codec.Fingerprint(templateID, version, schema.Clone(placeholders))
	if err != nil {
		return "", fmt.Errorf("compute etag: %w", err)
	}
	return etag, nil
}

// CalculateDiff compares two schemas; see schema.CalculateDiff for the
// rename heuristic.
func CalculateDiff(oldFields, newFields []schema.PlaceholderField) schema.Diff {
	return schema.CalculateDiff(oldFields, newFields)
}

// CreateTemplate registers a template with no versions.
func (s *Service) CreateTemplate(ctx context.Context, templateID, name, userID string) (store.Template, error) {
	if templateID == "" {
		return store.Template{}, apperr.Validation("TEMPLATE_ID_REQUIRED", "template id is required", nil)
	}
	etag, err := ComputeETag(templateID, 0, nil)
	if err != nil {
		return store.Template{}, err
	}
	now := s.now()
	template := store.Template{
		ID:        templateID,
		Name:      name,
		ETag:      etag,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTemplate(ctx, template); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.Template{}, apperr.State("TEMPLATE_EXISTS", "template already exists", map[string]any{"templateId": templateID})
		}
		return store.Template{}, fmt.Errorf("create template: %w", err)
	}
	s.events.Emit(audit.Event{Type: audit.TemplateCreated, At: now, Actor: userID, TemplateID: templateID})
	s.logger.Info("template created", "template", templateID, "user", userID)
	return template, nil
}

func (s *Service) GetTemplate(ctx context.Context, templateID string) (store.Template, error) {
	template, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return store.Template{}, translate(err, templateID)
	}
	return template, nil
}

func (s *Service) GetVersion(ctx context.Context, templateID string, version int) (store.TemplateVersion, error) {
	item, err := s.store.GetVersion(ctx, templateID, version)
	if err != nil {
		return store.TemplateVersion{}, translateVersion(err, templateID, version)
	}
	return item, nil
}

func (s *Service) ListVersions(ctx context.Context, templateID string) ([]store.TemplateVersion, error) {
	if _, err := s.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	items, err := s.store.ListVersions(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return items, nil
}

// LatestApproved returns the most recently approved version.
func (s *Service) LatestApproved(ctx context.Context, templateID string) (store.TemplateVersion, error) {
	template, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return store.TemplateVersion{}, err
	}
	if template.LatestApprovedVersion == 0 {
		return store.TemplateVersion{}, apperr.State("NO_APPROVED_VERSION", "template has no approved version", map[string]any{"templateId": templateID})
	}
	return s.GetVersion(ctx, templateID, template.LatestApprovedVersion)
}

func translate(err error, templateID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("TEMPLATE_NOT_FOUND", "template not found", map[string]any{"templateId": templateID})
	}
	return err
}

func translateVersion(err error, templateID string, version int) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("VERSION_NOT_FOUND", "version not found", map[string]any{"templateId": templateID, "version": version})
	}
	return err
}

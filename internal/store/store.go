package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrAlreadyFrozen = errors.New("intake already frozen")
	ErrVersionExists = errors.New("version already exists")
)

// TemplateTx is a read-modify-write unit over one template and its
// versions. Writes become visible only when the enclosing WithTemplate
// callback returns nil.
type TemplateTx interface {
	// Template returns the template row as read when the unit began.
	Template() Template
	Version(ctx context.Context, version int) (TemplateVersion, error)
	InsertVersion(ctx context.Context, version TemplateVersion) error
	MarkApproved(ctx context.Context, version int, approvedBy string, approvedAt time.Time) error
	UpdateTemplate(ctx context.Context, template Template) error
	// AfterCommit registers fn to run after a successful commit, before the
	// template is released. Callbacks run in registration order, are
	// dropped when the unit fails, and must not call back into the store.
	AfterCommit(fn func())
}

// Store is the persistence contract shared by PostgresStore and MemoryStore.
type Store interface {
	CreateTemplate(ctx context.Context, template Template) error
	GetTemplate(ctx context.Context, templateID string) (Template, error)
	GetVersion(ctx context.Context, templateID string, version int) (TemplateVersion, error)
	ListVersions(ctx context.Context, templateID string) ([]TemplateVersion, error)
	WithTemplate(ctx context.Context, templateID string, fn func(TemplateTx) error) error

	InsertIntake(ctx context.Context, intake Intake) error
	GetIntake(ctx context.Context, intakeID string) (Intake, error)
	FreezeIntake(ctx context.Context, intakeID string, snapshot IntakeVersionSnapshot) error

	InsertOverride(ctx context.Context, override CustomerOverride) error
	GetOverride(ctx context.Context, overrideID string) (CustomerOverride, error)
	ListOverrides(ctx context.Context, intakeID string) ([]CustomerOverride, error)
	ReviewOverride(ctx context.Context, overrideID string, review OverrideReview) (CustomerOverride, error)

	Ping(ctx context.Context) error
}

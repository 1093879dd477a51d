package store

import (
	"time"

	"placeholders/core/internal/schema"
)

type VersionStatus string

const (
	VersionDraft    VersionStatus = "draft"
	VersionApproved VersionStatus = "approved"
	VersionArchived VersionStatus = "archived"
)

type OverrideStatus string

const (
	OverrideActive        OverrideStatus = "active"
	OverridePendingReview OverrideStatus = "pending_review"
	OverrideRejected      OverrideStatus = "rejected"
)

func (s OverrideStatus) Valid() bool {
	switch s {
	case OverrideActive, OverridePendingReview, OverrideRejected:
		return true
	}
	return false
}

// Template is the aggregate root guarded by WithTemplate. ETag mirrors the
// latest version's ETag.
type Template struct {
	ID                    string      `json:"id"`
	Name                  string      `json:"name"`
	CurrentVersion        int         `json:"currentVersion"`
	LatestApprovedVersion int         `json:"latestApprovedVersion"`
	ETag                  string      `json:"etag"`
	EditorLock            *EditorLock `json:"editorLock,omitempty"`
	CreatedBy             string      `json:"createdBy"`
	CreatedAt             time.Time   `json:"createdAt"`
	UpdatedAt             time.Time   `json:"updatedAt"`
}

// EditorLock is an advisory reservation. An expired lock may still be
// stored until the next lock operation replaces or clears it.
type EditorLock struct {
	UserID     string    `json:"userId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// TemplateVersion is immutable once inserted except for the approval
// columns.
type TemplateVersion struct {
	TemplateID     string                    `json:"templateId"`
	Version        int                       `json:"version"`
	Placeholders   []schema.PlaceholderField `json:"placeholders"`
	Diff           schema.Diff               `json:"diff"`
	Status         VersionStatus             `json:"status"`
	ETag           string                    `json:"etag"`
	Reason         string                    `json:"reason,omitempty"`
	CreatedBy      string                    `json:"createdBy"`
	CreatedAt      time.Time                 `json:"createdAt"`
	ApprovedBy     string                    `json:"approvedBy,omitempty"`
	ApprovedAt     *time.Time                `json:"approvedAt,omitempty"`
	IsRollback     bool                      `json:"isRollback"`
	RolledBackFrom *int                      `json:"rolledBackFrom,omitempty"`
	RolledBackTo   *int                      `json:"rolledBackTo,omitempty"`
}

// Intake carries the version snapshot frozen when a customer starts a form.
type Intake struct {
	ID         string                 `json:"id"`
	CustomerID string                 `json:"customerId"`
	CreatedAt  time.Time              `json:"createdAt"`
	Snapshot   *IntakeVersionSnapshot `json:"snapshot,omitempty"`
}

type IntakeVersionSnapshot struct {
	TemplateVersions map[string]int            `json:"templateVersions"`
	TemplateOrder    []string                  `json:"templateOrder"`
	EffectiveSchema  []schema.PlaceholderField `json:"effectiveSchema"`
	OverrideID       string                    `json:"overrideId,omitempty"`
	FrozenAt         time.Time                 `json:"frozenAt"`
}

// Section is a block of content a customer inserts into the document.
type Section struct {
	Content         string                    `json:"content"`
	InsertAfter     string                    `json:"insert_after"`
	NewPlaceholders []schema.PlaceholderField `json:"new_placeholders"`
}

type CustomerOverride struct {
	ID          string         `json:"id"`
	IntakeID    string         `json:"intakeId"`
	CustomerID  string         `json:"customerId"`
	Sections    []Section      `json:"sections"`
	SchemaDelta schema.Delta   `json:"schemaDelta"`
	Status      OverrideStatus `json:"status"`
	Collisions  []string       `json:"collisions"`
	Reason      string         `json:"reason,omitempty"`
	CreatedBy   string         `json:"createdBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	ReviewedBy  string         `json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewedAt,omitempty"`
	ReviewNotes string         `json:"reviewNotes,omitempty"`
}

// OverrideReview is the outcome of a human review of an override.
type OverrideReview struct {
	Status     OverrideStatus
	ReviewedBy string
	ReviewedAt time.Time
	Notes      string
}

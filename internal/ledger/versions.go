package ledger

import (
	"context"
	"errors"
	"fmt"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/audit"
	"placeholders/core/internal/schema"
	"placeholders/core/internal/store"
)

type SaveVersionInput struct {
	TemplateID   string
	Placeholders []schema.PlaceholderField
	UserID       string
	Reason       string
	// ExpectedETag is optional; when set it must match the template's
	// current ETag.
	ExpectedETag string
}

type SaveResult struct {
	Version int         `json:"version"`
	ETag    string      `json:"etag"`
	Diff    schema.Diff `json:"diff"`
}

// SaveVersion appends a new version holding placeholders. The ETag check,
// validation, diff and write happen in one template transaction.
func (s *Service) SaveVersion(ctx context.Context, in SaveVersionInput) (SaveResult, error) {
	var saved store.TemplateVersion
	err := s.store.WithTemplate(ctx, in.TemplateID, func(tx store.TemplateTx) error {
		template := tx.Template()
		if in.ExpectedETag != "" && in.ExpectedETag != template.ETag {
			return etagConflict(template, in.ExpectedETag)
		}
		if result := schema.ValidateSchema(in.Placeholders); !result.Valid {
			return apperr.Validation("INVALID_SCHEMA", "placeholder schema is invalid", result)
		}

		previous := []schema.PlaceholderField{}
		if template.CurrentVersion > 0 {
			prior, err := tx.Version(ctx, template.CurrentVersion)
			if err != nil {
				return fmt.Errorf("load previous version: %w", err)
			}
			previous = prior.Placeholders
		}

		version, err := s.appendVersion(ctx, tx, template, newVersion{
			placeholders: in.Placeholders,
			diff:         schema.CalculateDiff(previous, in.Placeholders),
			userID:       in.UserID,
			reason:       in.Reason,
		})
		if err != nil {
			return err
		}
		saved = version
		tx.AfterCommit(func() {
			diff := version.Diff
			s.events.Emit(audit.Event{
				Type:         audit.TemplateUpdated,
				At:           version.CreatedAt,
				Actor:        in.UserID,
				TemplateID:   in.TemplateID,
				Version:      version.Version,
				Reason:       in.Reason,
				Diff:         &diff,
				Placeholders: version.Placeholders,
			})
		})
		return nil
	})
	if err != nil {
		return SaveResult{}, s.wrap(err, in.TemplateID, "save version")
	}

	diff := saved.Diff
	s.logger.Info("version saved", "template", in.TemplateID, "version", saved.Version,
		"added", len(diff.Added), "removed", len(diff.Removed), "renamed", len(diff.Renamed))
	return SaveResult{Version: saved.Version, ETag: saved.ETag, Diff: diff}, nil
}

// ApproveVersion marks version approved and makes it the template's latest
// approved version. Approving twice is a state error.
func (s *Service) ApproveVersion(ctx context.Context, templateID string, version int, userID, reason string) (store.TemplateVersion, error) {
	var approved store.TemplateVersion
	err := s.store.WithTemplate(ctx, templateID, func(tx store.TemplateTx) error {
		template := tx.Template()
		target, err := tx.Version(ctx, version)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("VERSION_NOT_FOUND", "version not found", map[string]any{"templateId": templateID, "version": version})
		}
		if err != nil {
			return fmt.Errorf("load version: %w", err)
		}
		if target.Status == store.VersionApproved {
			return apperr.State("ALREADY_APPROVED", fmt.Sprintf("version %d is already approved", version), map[string]any{
				"templateId": templateID,
				"version":    version,
				"approvedBy": target.ApprovedBy,
				"approvedAt": target.ApprovedAt,
			})
		}
		var previous []schema.PlaceholderField
		if template.LatestApprovedVersion > 0 {
			prior, err := tx.Version(ctx, template.LatestApprovedVersion)
			if err != nil {
				return fmt.Errorf("load approved version: %w", err)
			}
			previous = prior.Placeholders
		}

		now := s.now()
		if err := tx.MarkApproved(ctx, version, userID, now); err != nil {
			return fmt.Errorf("mark approved: %w", err)
		}
		template.LatestApprovedVersion = version
		template.UpdatedAt = now
		if err := tx.UpdateTemplate(ctx, template); err != nil {
			return fmt.Errorf("update template: %w", err)
		}

		target.Status = store.VersionApproved
		target.ApprovedBy = userID
		target.ApprovedAt = &now
		approved = target
		tx.AfterCommit(func() {
			s.events.Emit(audit.Event{
				Type:         audit.VersionApproved,
				At:           now,
				Actor:        userID,
				TemplateID:   templateID,
				Version:      version,
				Reason:       reason,
				Placeholders: target.Placeholders,
				Previous:     previous,
			})
		})
		return nil
	})
	if err != nil {
		return store.TemplateVersion{}, s.wrap(err, templateID, "approve version")
	}

	s.logger.Info("version approved", "template", templateID, "version", version, "user", userID)
	return approved, nil
}

// RollbackToVersion appends a new version whose schema equals target's. The
// recorded diff is empty and history is never truncated.
func (s *Service) RollbackToVersion(ctx context.Context, templateID string, target int, userID, reason string) (SaveResult, error) {
	var saved store.TemplateVersion
	err := s.store.WithTemplate(ctx, templateID, func(tx store.TemplateTx) error {
		template := tx.Template()
		source, err := tx.Version(ctx, target)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("VERSION_NOT_FOUND", "rollback target not found", map[string]any{"templateId": templateID, "version": target})
		}
		if err != nil {
			return fmt.Errorf("load rollback target: %w", err)
		}
		if result := schema.ValidateSchema(source.Placeholders); !result.Valid {
			return apperr.Validation("INVALID_SCHEMA", "rollback target schema is invalid", result)
		}

		from := template.CurrentVersion
		version, err := s.appendVersion(ctx, tx, template, newVersion{
			placeholders:   source.Placeholders,
			diff:           schema.EmptyDiff(),
			userID:         userID,
			reason:         reason,
			rolledBackFrom: &from,
			rolledBackTo:   &target,
		})
		if err != nil {
			return err
		}
		saved = version
		tx.AfterCommit(func() {
			diff := version.Diff
			s.events.Emit(audit.Event{
				Type:         audit.VersionRolledBack,
				At:           version.CreatedAt,
				Actor:        userID,
				TemplateID:   templateID,
				Version:      version.Version,
				Reason:       reason,
				Diff:         &diff,
				Placeholders: version.Placeholders,
				Details:      map[string]any{"rolledBackFrom": from, "rolledBackTo": target},
			})
		})
		return nil
	})
	if err != nil {
		return SaveResult{}, s.wrap(err, templateID, "rollback")
	}

	diff := saved.Diff
	s.logger.Info("version rolled back", "template", templateID, "version", saved.Version, "target", target, "user", userID)
	return SaveResult{Version: saved.Version, ETag: saved.ETag, Diff: diff}, nil
}

type newVersion struct {
	placeholders   []schema.PlaceholderField
	diff           schema.Diff
	userID         string
	reason         string
	rolledBackFrom *int
	rolledBackTo   *int
}

// appendVersion writes version currentVersion+1 and advances the template.
func (s *Service) appendVersion(ctx context.Context, tx store.TemplateTx, template store.Template, in newVersion) (store.TemplateVersion, error) {
	next := template.CurrentVersion + 1
	etag, err := ComputeETag(template.ID, next, in.placeholders)
	if err != nil {
		return store.TemplateVersion{}, err
	}
	now := s.now()
	version := store.TemplateVersion{
		TemplateID:     template.ID,
		Version:        next,
		Placeholders:   schema.Clone(in.placeholders),
		Diff:           in.diff,
		Status:         store.VersionDraft,
		ETag:           etag,
		Reason:         in.reason,
		CreatedBy:      in.userID,
		CreatedAt:      now,
		IsRollback:     in.rolledBackTo != nil,
		RolledBackFrom: in.rolledBackFrom,
		RolledBackTo:   in.rolledBackTo,
	}
	if err := tx.InsertVersion(ctx, version); err != nil {
		if errors.Is(err, store.ErrVersionExists) {
			return store.TemplateVersion{}, apperr.Conflict("VERSION_EXISTS", "version number already taken", map[string]any{
				"templateId": template.ID,
				"version":    next,
			})
		}
		return store.TemplateVersion{}, fmt.Errorf("insert version: %w", err)
	}

	template.CurrentVersion = next
	template.ETag = etag
	template.UpdatedAt = now
	if err := tx.UpdateTemplate(ctx, template); err != nil {
		return store.TemplateVersion{}, fmt.Errorf("update template: %w", err)
	}
	return version, nil
}

func etagConflict(template store.Template, expected string) error {
	return apperr.Conflict("ETAG_MISMATCH", "template changed since it was read", map[string]any{
		"templateId":     template.ID,
		"expectedETag":   expected,
		"currentETag":    template.ETag,
		"currentVersion": template.CurrentVersion,
	})
}

// wrap passes domain errors through and maps a missing template.
func (s *Service) wrap(err error, templateID, op string) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return translate(err, templateID)
	}
	return fmt.Errorf("%s: %w", op, err)
}

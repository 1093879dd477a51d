package overrides

import (
	"context"
	"errors"
	"fmt"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/audit"
	"placeholders/core/internal/schema"
	"placeholders/core/internal/store"
)

type FreezeInput struct {
	IntakeID    string
	TemplateIDs []string
	// UseApprovedVersions pins each template's latest approved version;
	// otherwise its current version is pinned.
	UseApprovedVersions bool
	// OverrideID optionally links the snapshot to an override. It is stored
	// as given.
	OverrideID string
	Actor      string
}

// FreezeIntakeVersion pins one version per template and writes the union of
// their schemas onto the intake. An intake is frozen at most once.
func (s *Service) FreezeIntakeVersion(ctx context.Context, in FreezeInput) (store.IntakeVersionSnapshot, error) {
	templateIDs := dedupe(in.TemplateIDs)
	if len(templateIDs) == 0 {
		return store.IntakeVersionSnapshot{}, apperr.Validation("TEMPLATES_REQUIRED", "at least one template id is required", map[string]any{"intakeId": in.IntakeID})
	}
	intake, err := s.getIntake(ctx, in.IntakeID)
	if err != nil {
		return store.IntakeVersionSnapshot{}, err
	}
	if intake.Snapshot != nil {
		return store.IntakeVersionSnapshot{}, alreadyFrozen(in.IntakeID, intake.Snapshot)
	}

	versions := make(map[string]int, len(templateIDs))
	schemas := make([][]schema.PlaceholderField, 0, len(templateIDs))
	for _, templateID := range templateIDs {
		version, err := s.resolveVersion(ctx, templateID, in.UseApprovedVersions)
		if err != nil {
			return store.IntakeVersionSnapshot{}, err
		}
		versions[templateID] = version.Version
		schemas = append(schemas, version.Placeholders)
	}

	snapshot := store.IntakeVersionSnapshot{
		TemplateVersions: versions,
		TemplateOrder:    templateIDs,
		EffectiveSchema:  schema.Union(schemas...),
		OverrideID:       in.OverrideID,
		FrozenAt:         s.now(),
	}
	if err := s.store.FreezeIntake(ctx, in.IntakeID, snapshot); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyFrozen):
			return store.IntakeVersionSnapshot{}, alreadyFrozen(in.IntakeID, nil)
		case errors.Is(err, store.ErrNotFound):
			return store.IntakeVersionSnapshot{}, apperr.NotFound("INTAKE_NOT_FOUND", "intake not found", map[string]any{"intakeId": in.IntakeID})
		}
		return store.IntakeVersionSnapshot{}, fmt.Errorf("freeze intake: %w", err)
	}

	s.events.Emit(audit.Event{
		Type:         audit.IntakeFrozen,
		At:           snapshot.FrozenAt,
		Actor:        in.Actor,
		IntakeID:     in.IntakeID,
		Placeholders: snapshot.EffectiveSchema,
		Details:      map[string]any{"templateVersions": versions, "approvedOnly": in.UseApprovedVersions},
	})
	s.logger.Info("intake frozen", "intake", in.IntakeID, "templates", len(templateIDs), "fields", len(snapshot.EffectiveSchema))
	return snapshot, nil
}

func (s *Service) resolveVersion(ctx context.Context, templateID string, approved bool) (store.TemplateVersion, error) {
	template, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return store.TemplateVersion{}, err
	}
	number := template.CurrentVersion
	if approved {
		number = template.LatestApprovedVersion
		if number == 0 {
			return store.TemplateVersion{}, apperr.State("NO_APPROVED_VERSION", "template has no approved version to freeze", map[string]any{"templateId": templateID})
		}
	} else if number == 0 {
		return store.TemplateVersion{}, apperr.State("NO_VERSIONS", "template has no versions to freeze", map[string]any{"templateId": templateID})
	}
	return s.templates.GetVersion(ctx, templateID, number)
}

func alreadyFrozen(intakeID string, snapshot *store.IntakeVersionSnapshot) error {
	details := map[string]any{"intakeId": intakeID}
	if snapshot != nil {
		details["frozenAt"] = snapshot.FrozenAt
		details["templateVersions"] = snapshot.TemplateVersions
	}
	return apperr.State("INTAKE_ALREADY_FROZEN", "intake version snapshot is immutable", details)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

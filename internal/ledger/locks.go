package ledger

import (
	"context"
	"fmt"
	"time"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/store"
)

// LockResult reports the outcome of a lock operation. A losing caller gets
// a negative result naming the current holder, never an error.
type LockResult struct {
	Acquired      bool              `json:"acquired"`
	Released      bool              `json:"released"`
	Refreshed     bool              `json:"refreshed"`
	Lock          *store.EditorLock `json:"lock,omitempty"`
	CurrentHolder string            `json:"currentHolder,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt,omitempty"`
}

// IsExpired reports whether lock no longer reserves the template at now.
// A nil lock counts as expired.
func IsExpired(lock *store.EditorLock, now time.Time) bool {
	return lock == nil || !now.Before(lock.ExpiresAt)
}

func heldBy(lock *store.EditorLock, userID string, now time.Time) bool {
	return !IsExpired(lock, now) && lock.UserID == userID
}

func contention(lock *store.EditorLock, now time.Time) LockResult {
	if IsExpired(lock, now) {
		return LockResult{}
	}
	return LockResult{CurrentHolder: lock.UserID, ExpiresAt: lock.ExpiresAt}
}

// AcquireLock grants userID a fresh TTL window when the template is free,
// the previous lock expired, or userID already holds it.
func (s *Service) AcquireLock(ctx context.Context, templateID, userID string) (LockResult, error) {
	if userID == "" {
		return LockResult{}, apperr.Validation("USER_REQUIRED", "user id is required", nil)
	}
	var result LockResult
	err := s.store.WithTemplate(ctx, templateID, func(tx store.TemplateTx) error {
		template := tx.Template()
		now := s.now()
		if current := template.EditorLock; !IsExpired(current, now) && current.UserID != userID {
			result = contention(current, now)
			return nil
		}

		lock := &store.EditorLock{UserID: userID, AcquiredAt: now, ExpiresAt: now.Add(s.lockTTL)}
		template.EditorLock = lock
		if err := tx.UpdateTemplate(ctx, template); err != nil {
			return fmt.Errorf("update template lock: %w", err)
		}
		result = LockResult{Acquired: true, Lock: lock, CurrentHolder: userID, ExpiresAt: lock.ExpiresAt}
		return nil
	})
	if err != nil {
		return LockResult{}, s.wrap(err, templateID, "acquire lock")
	}
	s.logger.Debug("lock acquire", "template", templateID, "user", userID, "acquired", result.Acquired, "holder", result.CurrentHolder)
	return result, nil
}

// ReleaseLock clears the lock if userID holds it. An expired lock still
// belonging to userID is cleared too.
func (s *Service) ReleaseLock(ctx context.Context, templateID, userID string) (LockResult, error) {
	var result LockResult
	err := s.store.WithTemplate(ctx, templateID, func(tx store.TemplateTx) error {
		template := tx.Template()
		now := s.now()
		if template.EditorLock == nil || template.EditorLock.UserID != userID {
			result = contention(template.EditorLock, now)
			return nil
		}
		template.EditorLock = nil
		if err := tx.UpdateTemplate(ctx, template); err != nil {
			return fmt.Errorf("update template lock: %w", err)
		}
		result = LockResult{Released: true}
		return nil
	})
	if err != nil {
		return LockResult{}, s.wrap(err, templateID, "release lock")
	}
	s.logger.Debug("lock release", "template", templateID, "user", userID, "released", result.Released)
	return result, nil
}

// RefreshLock extends a live lock held by userID by one TTL from now.
func (s *Service) RefreshLock(ctx context.Context, templateID, userID string) (LockResult, error) {
	var result LockResult
	err := s.store.WithTemplate(ctx, templateID, func(tx store.TemplateTx) error {
		template := tx.Template()
		now := s.now()
		if !heldBy(template.EditorLock, userID, now) {
			result = contention(template.EditorLock, now)
			return nil
		}
		lock := *template.EditorLock
		lock.ExpiresAt = now.Add(s.lockTTL)
		template.EditorLock = &lock
		if err := tx.UpdateTemplate(ctx, template); err != nil {
			return fmt.Errorf("update template lock: %w", err)
		}
		result = LockResult{Refreshed: true, Lock: &lock, CurrentHolder: userID, ExpiresAt: lock.ExpiresAt}
		return nil
	})
	if err != nil {
		return LockResult{}, s.wrap(err, templateID, "refresh lock")
	}
	s.logger.Debug("lock refresh", "template", templateID, "user", userID, "refreshed", result.Refreshed)
	return result, nil
}

// ActiveLock returns the unexpired lock on a template, or nil.
func (s *Service) ActiveLock(ctx context.Context, templateID string) (*store.EditorLock, error) {
	template, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if IsExpired(template.EditorLock, s.now()) {
		return nil, nil
	}
	return template.EditorLock, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"placeholders/core/internal/schema"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db        *sql.DB
	// templates serializes WithTemplate within this process so commit
	// callbacks observe commit order.
	templates *keyedMutex
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, templates: newKeyedMutex()}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const templateColumns = `id, name, current_version, latest_approved_version, etag,
	lock_user_id, lock_acquired_at, lock_expires_at, created_by, created_at, updated_at`

func scanTemplate(row rowScanner) (Template, error) {
	var (
		item       Template
		lockUser   sql.NullString
		lockAt     sql.NullTime
		lockExpiry sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.Name,
		&item.CurrentVersion,
		&item.LatestApprovedVersion,
		&item.ETag,
		&lockUser,
		&lockAt,
		&lockExpiry,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Template{}, err
	}
	if lockUser.Valid {
		item.EditorLock = &EditorLock{
			UserID:     lockUser.String,
			AcquiredAt: lockAt.Time,
			ExpiresAt:  lockExpiry.Time,
		}
	}
	return item, nil
}

func lockColumns(lock *EditorLock) (any, any, any) {
	if lock == nil {
		return nil, nil, nil
	}
	return lock.UserID, lock.AcquiredAt, lock.ExpiresAt
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, template Template) error {
	lockUser, lockAt, lockExpiry := lockColumns(template.EditorLock)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, current_version, latest_approved_version, etag,
			lock_user_id, lock_acquired_at, lock_expires_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, template.ID, template.Name, template.CurrentVersion, template.LatestApprovedVersion, template.ETag,
		lockUser, lockAt, lockExpiry, template.CreatedBy, template.CreatedAt, template.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert template %s: %w", template.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	item, err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1`, templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("get template %s: %w", templateID, ErrNotFound)
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	return item, nil
}

const versionColumns = `template_id, version, placeholders, diff, status, etag, reason, created_by, created_at,
	approved_by, approved_at, is_rollback, rolled_back_from, rolled_back_to`

func scanVersion(row rowScanner) (TemplateVersion, error) {
	var (
		item            TemplateVersion
		placeholdersRaw []byte
		diffRaw         []byte
		approvedBy      sql.NullString
		approvedAt      sql.NullTime
		rolledBackFrom  sql.NullInt64
		rolledBackTo    sql.NullInt64
	)
	if err := row.Scan(
		&item.TemplateID,
		&item.Version,
		&placeholdersRaw,
		&diffRaw,
		&item.Status,
		&item.ETag,
		&item.Reason,
		&item.CreatedBy,
		&item.CreatedAt,
		&approvedBy,
		&approvedAt,
		&item.IsRollback,
		&rolledBackFrom,
		&rolledBackTo,
	); err != nil {
		return TemplateVersion{}, err
	}
	if err := json.Unmarshal(placeholdersRaw, &item.Placeholders); err != nil {
		return TemplateVersion{}, fmt.Errorf("decode placeholders: %w", err)
	}
	item.Placeholders = schema.Clone(item.Placeholders)
	if err := json.Unmarshal(diffRaw, &item.Diff); err != nil {
		return TemplateVersion{}, fmt.Errorf("decode diff: %w", err)
	}
	item.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		at := approvedAt.Time
		item.ApprovedAt = &at
	}
	if rolledBackFrom.Valid {
		from := int(rolledBackFrom.Int64)
		item.RolledBackFrom = &from
	}
	if rolledBackTo.Valid {
		to := int(rolledBackTo.Int64)
		item.RolledBackTo = &to
	}
	return item, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, templateID string, version int) (TemplateVersion, error) {
	return getVersion(ctx, s.db, templateID, version)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getVersion(ctx context.Context, q queryer, templateID string, version int) (TemplateVersion, error) {
	item, err := scanVersion(q.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM template_versions
		WHERE template_id=$1 AND version=$2
	`, templateID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return TemplateVersion{}, fmt.Errorf("get version %s@%d: %w", templateID, version, ErrNotFound)
	}
	if err != nil {
		return TemplateVersion{}, fmt.Errorf("get version: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, templateID string) ([]TemplateVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM template_versions
		WHERE template_id=$1
		ORDER BY version ASC
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]TemplateVersion, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// WithTemplate locks the template row for the lifetime of fn. Concurrent
// callers on the same template queue behind the row lock.
func (s *PostgresStore) WithTemplate(ctx context.Context, templateID string, fn func(TemplateTx) error) error {
	unlock := s.templates.lock(templateID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin template tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	template, err := scanTemplate(tx.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1 FOR UPDATE`, templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock template %s: %w", templateID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock template: %w", err)
	}

	unit := &pgTemplateTx{tx: tx, template: template}
	if err := fn(unit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit template tx: %w", err)
	}
	for _, hook := range unit.hooks {
		hook()
	}
	return nil
}

type pgTemplateTx struct {
	tx       *sql.Tx
	template Template
	hooks    []func()
}

func (t *pgTemplateTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *pgTemplateTx) Template() Template {
	return t.template
}

func (t *pgTemplateTx) Version(ctx context.Context, version int) (TemplateVersion, error) {
	return getVersion(ctx, t.tx, t.template.ID, version)
}

func (t *pgTemplateTx) InsertVersion(ctx context.Context, version TemplateVersion) error {
	placeholders, err := json.Marshal(schema.Clone(version.Placeholders))
	if err != nil {
		return fmt.Errorf("marshal placeholders: %w", err)
	}
	diff, err := json.Marshal(version.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	var approvedBy any
	if version.ApprovedBy != "" {
		approvedBy = version.ApprovedBy
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO template_versions (template_id, version, placeholders, diff, status, etag, reason,
			created_by, created_at, approved_by, approved_at, is_rollback, rolled_back_from, rolled_back_to)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, version.TemplateID, version.Version, string(placeholders), string(diff), version.Status, version.ETag, version.Reason,
		version.CreatedBy, version.CreatedAt, approvedBy, version.ApprovedAt, version.IsRollback, version.RolledBackFrom, version.RolledBackTo)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert version %s@%d: %w", version.TemplateID, version.Version, ErrVersionExists)
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (t *pgTemplateTx) MarkApproved(ctx context.Context, version int, approvedBy string, approvedAt time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE template_versions
		SET status='approved', approved_by=$3, approved_at=$4
		WHERE template_id=$1 AND version=$2
	`, t.template.ID, version, approvedBy, approvedAt)
	if err != nil {
		return fmt.Errorf("approve version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("approve version rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("approve version %s@%d: %w", t.template.ID, version, ErrNotFound)
	}
	return nil
}

func (t *pgTemplateTx) UpdateTemplate(ctx context.Context, template Template) error {
	lockUser, lockAt, lockExpiry := lockColumns(template.EditorLock)
	_, err := t.tx.ExecContext(ctx, `
		UPDATE templates
		SET name=$2, current_version=$3, latest_approved_version=$4, etag=$5,
			lock_user_id=$6, lock_acquired_at=$7, lock_expires_at=$8, updated_at=$9
		WHERE id=$1
	`, t.template.ID, template.Name, template.CurrentVersion, template.LatestApprovedVersion, template.ETag,
		lockUser, lockAt, lockExpiry, template.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	template.ID = t.template.ID
	t.template = template
	return nil
}

const intakeColumns = `id, customer_id, created_at, template_versions, template_order, effective_schema, override_id, frozen_at`

func scanIntake(row rowScanner) (Intake, error) {
	var (
		item        Intake
		versionsRaw []byte
		orderRaw    []byte
		schemaRaw   []byte
		overrideID  sql.NullString
		frozenAt    sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.CustomerID, &item.CreatedAt, &versionsRaw, &orderRaw, &schemaRaw, &overrideID, &frozenAt); err != nil {
		return Intake{}, err
	}
	if !frozenAt.Valid {
		return item, nil
	}
	snapshot := &IntakeVersionSnapshot{OverrideID: overrideID.String, FrozenAt: frozenAt.Time}
	if err := json.Unmarshal(versionsRaw, &snapshot.TemplateVersions); err != nil {
		return Intake{}, fmt.Errorf("decode template versions: %w", err)
	}
	if err := json.Unmarshal(orderRaw, &snapshot.TemplateOrder); err != nil {
		return Intake{}, fmt.Errorf("decode template order: %w", err)
	}
	if err := json.Unmarshal(schemaRaw, &snapshot.EffectiveSchema); err != nil {
		return Intake{}, fmt.Errorf("decode effective schema: %w", err)
	}
	snapshot.EffectiveSchema = schema.Clone(snapshot.EffectiveSchema)
	item.Snapshot = snapshot
	return item, nil
}

func (s *PostgresStore) InsertIntake(ctx context.Context, intake Intake) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intakes (id, customer_id, created_at)
		VALUES ($1, $2, $3)
	`, intake.ID, intake.CustomerID, intake.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert intake %s: %w", intake.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert intake: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIntake(ctx context.Context, intakeID string) (Intake, error) {
	item, err := scanIntake(s.db.QueryRowContext(ctx, `SELECT `+intakeColumns+` FROM intakes WHERE id=$1`, intakeID))
	if errors.Is(err, sql.ErrNoRows) {
		return Intake{}, fmt.Errorf("get intake %s: %w", intakeID, ErrNotFound)
	}
	if err != nil {
		return Intake{}, fmt.Errorf("get intake: %w", err)
	}
	return item, nil
}

// FreezeIntake writes the snapshot only if none exists yet.
func (s *PostgresStore) FreezeIntake(ctx context.Context, intakeID string, snapshot IntakeVersionSnapshot) error {
	versions, err := json.Marshal(snapshot.TemplateVersions)
	if err != nil {
		return fmt.Errorf("marshal template versions: %w", err)
	}
	order, err := json.Marshal(snapshot.TemplateOrder)
	if err != nil {
		return fmt.Errorf("marshal template order: %w", err)
	}
	effective, err := json.Marshal(schema.Clone(snapshot.EffectiveSchema))
	if err != nil {
		return fmt.Errorf("marshal effective schema: %w", err)
	}
	var overrideID any
	if snapshot.OverrideID != "" {
		overrideID = snapshot.OverrideID
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE intakes
		SET template_versions=$2::jsonb, template_order=$3::jsonb, effective_schema=$4::jsonb,
			override_id=$5, frozen_at=$6
		WHERE id=$1 AND frozen_at IS NULL
	`, intakeID, string(versions), string(order), string(effective), overrideID, snapshot.FrozenAt)
	if err != nil {
		return fmt.Errorf("freeze intake: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("freeze intake rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM intakes WHERE id=$1)`, intakeID).Scan(&exists); err != nil {
		return fmt.Errorf("check intake: %w", err)
	}
	if !exists {
		return fmt.Errorf("freeze intake %s: %w", intakeID, ErrNotFound)
	}
	return fmt.Errorf("freeze intake %s: %w", intakeID, ErrAlreadyFrozen)
}

const overrideColumns = `id, intake_id, customer_id, sections, schema_delta, status, collisions, reason,
	created_by, created_at, reviewed_by, reviewed_at, review_notes`

func scanOverride(row rowScanner) (CustomerOverride, error) {
	var (
		item          CustomerOverride
		sectionsRaw   []byte
		deltaRaw      []byte
		collisionsRaw []byte
		reviewedBy    sql.NullString
		reviewedAt    sql.NullTime
		reviewNotes   sql.NullString
	)
	if err := row.Scan(
		&item.ID,
		&item.IntakeID,
		&item.CustomerID,
		&sectionsRaw,
		&deltaRaw,
		&item.Status,
		&collisionsRaw,
		&item.Reason,
		&item.CreatedBy,
		&item.CreatedAt,
		&reviewedBy,
		&reviewedAt,
		&reviewNotes,
	); err != nil {
		return CustomerOverride{}, err
	}
	if err := json.Unmarshal(sectionsRaw, &item.Sections); err != nil {
		return CustomerOverride{}, fmt.Errorf("decode sections: %w", err)
	}
	if err := json.Unmarshal(deltaRaw, &item.SchemaDelta); err != nil {
		return CustomerOverride{}, fmt.Errorf("decode schema delta: %w", err)
	}
	if err := json.Unmarshal(collisionsRaw, &item.Collisions); err != nil {
		return CustomerOverride{}, fmt.Errorf("decode collisions: %w", err)
	}
	if item.Collisions == nil {
		item.Collisions = []string{}
	}
	item.ReviewedBy = reviewedBy.String
	item.ReviewNotes = reviewNotes.String
	if reviewedAt.Valid {
		at := reviewedAt.Time
		item.ReviewedAt = &at
	}
	return item, nil
}

func (s *PostgresStore) InsertOverride(ctx context.Context, override CustomerOverride) error {
	sections, err := json.Marshal(override.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	delta, err := json.Marshal(override.SchemaDelta)
	if err != nil {
		return fmt.Errorf("marshal schema delta: %w", err)
	}
	collisions := override.Collisions
	if collisions == nil {
		collisions = []string{}
	}
	encodedCollisions, err := json.Marshal(collisions)
	if err != nil {
		return fmt.Errorf("marshal collisions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customer_overrides (id, intake_id, customer_id, sections, schema_delta, status, collisions, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7::jsonb, $8, $9, $10)
	`, override.ID, override.IntakeID, override.CustomerID, string(sections), string(delta), override.Status,
		string(encodedCollisions), override.Reason, override.CreatedBy, override.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert override %s: %w", override.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert override: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOverride(ctx context.Context, overrideID string) (CustomerOverride, error) {
	item, err := scanOverride(s.db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM customer_overrides WHERE id=$1`, overrideID))
	if errors.Is(err, sql.ErrNoRows) {
		return CustomerOverride{}, fmt.Errorf("get override %s: %w", overrideID, ErrNotFound)
	}
	if err != nil {
		return CustomerOverride{}, fmt.Errorf("get override: %w", err)
	}
	return item, nil
}

// ListOverrides returns every override of an intake in merge order.
func (s *PostgresStore) ListOverrides(ctx context.Context, intakeID string) ([]CustomerOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+overrideColumns+`
		FROM customer_overrides
		WHERE intake_id=$1
		ORDER BY created_at ASC, id ASC
	`, intakeID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	items := make([]CustomerOverride, 0)
	for rows.Next() {
		item, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overrides: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ReviewOverride(ctx context.Context, overrideID string, review OverrideReview) (CustomerOverride, error) {
	item, err := scanOverride(s.db.QueryRowContext(ctx, `
		UPDATE customer_overrides
		SET status=$2, reviewed_by=$3, reviewed_at=$4, review_notes=$5
		WHERE id=$1
		RETURNING `+overrideColumns, overrideID, review.Status, review.ReviewedBy, review.ReviewedAt, review.Notes))
	if errors.Is(err, sql.ErrNoRows) {
		return CustomerOverride{}, fmt.Errorf("review override %s: %w", overrideID, ErrNotFound)
	}
	if err != nil {
		return CustomerOverride{}, fmt.Errorf("review override: %w", err)
	}
	return item, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

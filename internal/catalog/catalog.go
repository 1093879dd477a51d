// Package catalog keeps a searchable index of the placeholder fields of
// every template's latest approved version, so authors can find existing
// field keys before inventing new ones.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"placeholders/core/internal/audit"
	"placeholders/core/internal/codec"
	"placeholders/core/internal/schema"
)

// FieldRecord is what gets indexed for one field of an approved version.
type FieldRecord struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"templateId"`
	Version    int       `json:"version"`
	FieldKey   string    `json:"fieldKey"`
	Label      string    `json:"label"`
	Type       string    `json:"type"`
	Required   bool      `json:"required"`
	Options    []string  `json:"options,omitempty"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Query describes a catalog search.
type Query struct {
	Text       string
	TemplateID string
	Type       schema.FieldType
	Limit      int
	Offset     int
}

// Hit is a single search result.
type Hit struct {
	TemplateID string `json:"templateId"`
	Version    int    `json:"version"`
	FieldKey   string `json:"fieldKey"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Snippet    string `json:"snippet"`
}

type Response struct {
	Hits  []Hit  `json:"hits"`
	Total int    `json:"total"`
	Query string `json:"query"`
}

// Backend is the index the catalog writes to and reads from.
type Backend interface {
	Upsert(ctx context.Context, records []FieldRecord) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, q Query) ([]Hit, int, error)
}

// Catalog is an audit.Sink that follows version approvals.
type Catalog struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Catalog{backend: backend, logger: logger}
}

func (c *Catalog) Name() string { return "catalog" }

// Deliver indexes the fields of an approved version and drops the fields
// that only the previously approved version had.
func (c *Catalog) Deliver(ctx context.Context, event audit.Event) error {
	if event.Type != audit.VersionApproved {
		return nil
	}
	records := make([]FieldRecord, 0, len(event.Placeholders))
	current := make(map[string]struct{}, len(event.Placeholders))
	for _, field := range event.Placeholders {
		id, err := RecordID(event.TemplateID, field.FieldKey)
		if err != nil {
			return err
		}
		current[field.FieldKey] = struct{}{}
		records = append(records, FieldRecord{
			ID:         id,
			TemplateID: event.TemplateID,
			Version:    event.Version,
			FieldKey:   field.FieldKey,
			Label:      field.Label,
			Type:       string(field.Type),
			Required:   field.Required,
			Options:    field.Options,
			ApprovedAt: event.At,
		})
	}

	stale := make([]string, 0)
	for _, field := range event.Previous {
		if _, ok := current[field.FieldKey]; ok {
			continue
		}
		id, err := RecordID(event.TemplateID, field.FieldKey)
		if err != nil {
			return err
		}
		stale = append(stale, id)
	}

	if len(records) > 0 {
		if err := c.backend.Upsert(ctx, records); err != nil {
			return fmt.Errorf("index approved fields: %w", err)
		}
	}
	if len(stale) > 0 {
		if err := c.backend.Delete(ctx, stale); err != nil {
			return fmt.Errorf("delete retired fields: %w", err)
		}
	}
	c.logger.Debug("catalog updated", "template", event.TemplateID, "version", event.Version,
		"indexed", len(records), "retired", len(stale))
	return nil
}

// Search never fails: backend errors are logged and yield an empty response.
func (c *Catalog) Search(ctx context.Context, q Query) Response {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Text = strings.TrimSpace(q.Text)
	hits, total, err := c.backend.Search(ctx, q)
	if err != nil {
		c.logger.Warn("catalog search failed", "query", q.Text, "err", err)
		return Response{Hits: []Hit{}, Query: q.Text}
	}
	if hits == nil {
		hits = []Hit{}
	}
	return Response{Hits: hits, Total: total, Query: q.Text}
}

// RecordID is the index document id for a template field. Meilisearch ids
// only allow [A-Za-z0-9_-], so the pair is fingerprinted.
func RecordID(templateID, fieldKey string) (string, error) {
	id, err := codec.Fingerprint(templateID, fieldKey)
	if err != nil {
		return "", fmt.Errorf("record id: %w", err)
	}
	return id, nil
}

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const fieldsIndex = "placeholder_fields"

var ErrUnavailable = errors.New("meilisearch unavailable")

// Meili is a Backend on a single Meilisearch index.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects and configures the index. An unreachable server is not
// an error; the client keeps probing and configures the index on recovery.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "err", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        fieldsIndex,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", fieldsIndex, "err", err)
	}
	index := m.client.Index(fieldsIndex)
	filterable := []interface{}{"templateId", "type", "required"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", fieldsIndex, "err", err)
	}
	searchable := []string{"fieldKey", "label", "options"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", fieldsIndex, "err", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Upsert(_ context.Context, records []FieldRecord) error {
	if !m.Healthy() {
		return ErrUnavailable
	}
	if _, err := m.client.Index(fieldsIndex).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

func (m *Meili) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if !m.Healthy() {
		return ErrUnavailable
	}
	if _, err := m.client.Index(fieldsIndex).DeleteDocumentsWithContext(ctx, ids, nil); err != nil {
		return fmt.Errorf("delete %d documents: %w", len(ids), err)
	}
	return nil
}

func (m *Meili) Search(_ context.Context, q Query) ([]Hit, int, error) {
	if !m.Healthy() {
		return nil, 0, ErrUnavailable
	}
	request := &meili.SearchRequest{
		IndexUID:              fieldsIndex,
		Query:                 q.Text,
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"label"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := searchFilters(q); len(filters) > 0 {
		request.Filter = filters
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{request},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	hits := make([]Hit, 0)
	total := 0
	for _, result := range resp.Results {
		total += int(result.EstimatedTotalHits)
		for _, raw := range result.Hits {
			hits = append(hits, decodeHit(raw))
		}
	}
	return hits, total, nil
}

func searchFilters(q Query) []string {
	var filters []string
	if q.TemplateID != "" {
		filters = append(filters, fmt.Sprintf("templateId = %q", q.TemplateID))
	}
	if q.Type != "" {
		filters = append(filters, fmt.Sprintf("type = %q", string(q.Type)))
	}
	return filters
}

func decodeHit(hit meili.Hit) Hit {
	var version int
	if raw, ok := hit["version"]; ok {
		_ = json.Unmarshal(raw, &version)
	}
	label := decodeString(hit, "label")
	return Hit{
		TemplateID: decodeString(hit, "templateId"),
		Version:    version,
		FieldKey:   decodeString(hit, "fieldKey"),
		Label:      label,
		Type:       decodeString(hit, "type"),
		Snippet:    firstNonBlank(decodeFormattedString(hit, "label"), label),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Package audit carries the events emitted after ledger and override
// mutations commit. Delivery is fire-and-forget: a failing sink is logged and
// never affects the operation that produced the event.
package audit

import (
	"context"
	"time"

	"placeholders/core/internal/schema"
)

type EventType string

const (
	TemplateCreated   EventType = "template.created"
	TemplateUpdated   EventType = "template.updated"
	VersionApproved   EventType = "version.approved"
	VersionRolledBack EventType = "version.rolled_back"
	OverrideCreated   EventType = "override.created"
	OverrideAccepted  EventType = "override.accepted"
	OverrideRejected  EventType = "override.rejected"
	OverrideReopened  EventType = "override.reopened"
	IntakeFrozen      EventType = "intake.frozen"
)

// Event describes one committed mutation. Placeholders is the schema the
// event concerns (the new version, or the frozen effective schema);
// Previous is only set on approvals and holds the schema that was approved
// before.
type Event struct {
	ID           string                    `json:"id"`
	Type         EventType                 `json:"type"`
	At           time.Time                 `json:"at"`
	Actor        string                    `json:"actor"`
	TemplateID   string                    `json:"templateId,omitempty"`
	Version      int                       `json:"version,omitempty"`
	IntakeID     string                    `json:"intakeId,omitempty"`
	OverrideID   string                    `json:"overrideId,omitempty"`
	Reason       string                    `json:"reason,omitempty"`
	Diff         *schema.Diff              `json:"diff,omitempty"`
	Placeholders []schema.PlaceholderField `json:"placeholders,omitempty"`
	Previous     []schema.PlaceholderField `json:"previous,omitempty"`
	Details      map[string]any            `json:"details,omitempty"`
}

// Sink consumes events. Implementations must be safe for use by a single
// delivery goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// Publisher accepts events for delivery.
type Publisher interface {
	Emit(event Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

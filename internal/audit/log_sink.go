package audit

import (
	"context"
	"log/slog"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("actor", event.Actor),
	}
	if event.TemplateID != "" {
		attrs = append(attrs, slog.String("template", event.TemplateID), slog.Int("version", event.Version))
	}
	if event.IntakeID != "" {
		attrs = append(attrs, slog.String("intake", event.IntakeID))
	}
	if event.OverrideID != "" {
		attrs = append(attrs, slog.String("override", event.OverrideID))
	}
	if event.Diff != nil {
		attrs = append(attrs,
			slog.Int("added", len(event.Diff.Added)),
			slog.Int("removed", len(event.Diff.Removed)),
			slog.Int("renamed", len(event.Diff.Renamed)),
		)
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

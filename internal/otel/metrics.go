package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the app-level counters. All methods tolerate a nil receiver
// so callers can skip wiring in tests.
type Metrics struct {
	sessionsCreated  metric.Int64Counter
	promptsExecuted  metric.Int64Counter
	promptsCancelled metric.Int64Counter
	promptsFailed    metric.Int64Counter
	spawnsStarted    metric.Int64Counter
	writesDenied     metric.Int64Counter
	artifactsSaved   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.sessionsCreated, "sessions_created_total", "Sessions created or reconfigured"},
		{&m.promptsExecuted, "prompts_executed_total", "Prompt turns completed"},
		{&m.promptsCancelled, "prompts_cancelled_total", "Prompt turns ended by cancellation"},
		{&m.promptsFailed, "prompts_failed_total", "Prompt turns ended in error"},
		{&m.spawnsStarted, "sub_sessions_spawned_total", "Sub-sessions spawned"},
		{&m.writesDenied, "writes_denied_total", "File writes denied by the guard"},
		{&m.artifactsSaved, "artifacts_saved_total", "File-change artifacts recorded"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	return m, nil
}

func (m *Metrics) SessionCreated(ctx context.Context, bundle string) {
	if m == nil {
		return
	}
	m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("bundle", bundle)))
}

func (m *Metrics) PromptExecuted(ctx context.Context) {
	if m == nil {
		return
	}
	m.promptsExecuted.Add(ctx, 1)
}

func (m *Metrics) PromptCancelled(ctx context.Context) {
	if m == nil {
		return
	}
	m.promptsCancelled.Add(ctx, 1)
}

func (m *Metrics) PromptFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.promptsFailed.Add(ctx, 1)
}

func (m *Metrics) SubSessionSpawned(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.spawnsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

func (m *Metrics) WriteDenied(ctx context.Context) {
	if m == nil {
		return
	}
	m.writesDenied.Add(ctx, 1)
}

func (m *Metrics) ArtifactSaved(ctx context.Context) {
	if m == nil {
		return
	}
	m.artifactsSaved.Add(ctx, 1)
}

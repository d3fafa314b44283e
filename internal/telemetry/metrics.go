// Package telemetry exposes the engine's operational counters through
// OpenTelemetry. With no meter provider installed the instruments are
// no-ops, so tests and the in-memory deployment pay nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's counters.
type Metrics struct {
	steps           metric.Int64Counter
	quotaDenied     metric.Int64Counter
	paymentsOpened  metric.Int64Counter
	paymentsClosed  metric.Int64Counter
	ambiguousNotifs metric.Int64Counter
}

// NewMetrics registers the engine's instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("convoflow/engine")

	steps, err := meter.Int64Counter("engine.steps",
		metric.WithDescription("Execution steps applied, by outcome"))
	if err != nil {
		return nil, err
	}
	quotaDenied, err := meter.Int64Counter("quota.denied",
		metric.WithDescription("Chargeable steps short-circuited by quota, by dimension"))
	if err != nil {
		return nil, err
	}
	paymentsOpened, err := meter.Int64Counter("payments.opened",
		metric.WithDescription("Payment intents created"))
	if err != nil {
		return nil, err
	}
	paymentsClosed, err := meter.Int64Counter("payments.closed",
		metric.WithDescription("Payment intents resolved, by terminal status"))
	if err != nil {
		return nil, err
	}
	ambiguousNotifs, err := meter.Int64Counter("payments.ambiguous_notifications",
		metric.WithDescription("Inbound notifications matching a keyword but neither amount nor code"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		steps:           steps,
		quotaDenied:     quotaDenied,
		paymentsOpened:  paymentsOpened,
		paymentsClosed:  paymentsClosed,
		ambiguousNotifs: ambiguousNotifs,
	}, nil
}

// RecordStep counts one applied execution step.
func (m *Metrics) RecordStep(ctx context.Context, kind, outcome string) {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node_kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordQuotaDenied counts one quota short-circuit.
func (m *Metrics) RecordQuotaDenied(ctx context.Context, dimension string) {
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("dimension", dimension)))
}

// RecordPaymentOpened counts one created intent.
func (m *Metrics) RecordPaymentOpened(ctx context.Context) {
	m.paymentsOpened.Add(ctx, 1)
}

// RecordPaymentClosed counts one resolved intent.
func (m *Metrics) RecordPaymentClosed(ctx context.Context, status string) {
	m.paymentsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAmbiguousNotification counts one dropped ambiguous notification.
func (m *Metrics) RecordAmbiguousNotification(ctx context.Context) {
	m.ambiguousNotifs.Add(ctx, 1)
}

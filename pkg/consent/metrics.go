package consent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// Metrics samples engine activity into OpenTelemetry counters. The host
// owns the meter provider; this package only uses the global meter, so
// with no provider installed every recording is a no-op. Metric errors
// never affect decisions.
type Metrics struct {
	decisions      metric.Int64Counter
	issued         metric.Int64Counter
	consumed       metric.Int64Counter
	revoked        metric.Int64Counter
	quarantineHits metric.Int64Counter
}

// NewMetrics registers the ConsentGate counters on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("consentgate")

	decisions, err := meter.Int64Counter("consentgate.decisions",
		metric.WithDescription("Authorization decisions by operation, outcome, and reason code"))
	if err != nil {
		return nil, err
	}
	issued, err := meter.Int64Counter("consentgate.tokens.issued",
		metric.WithDescription("Consent tokens issued"))
	if err != nil {
		return nil, err
	}
	consumed, err := meter.Int64Counter("consentgate.tokens.consumed",
		metric.WithDescription("Consent tokens consumed"))
	if err != nil {
		return nil, err
	}
	revoked, err := meter.Int64Counter("consentgate.tokens.revoked",
		metric.WithDescription("Consent tokens revoked"))
	if err != nil {
		return nil, err
	}
	quarantineHits, err := meter.Int64Counter("consentgate.quarantine.hits",
		metric.WithDescription("Operations blocked by containment quarantine"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		decisions:      decisions,
		issued:         issued,
		consumed:       consumed,
		revoked:        revoked,
		quarantineHits: quarantineHits,
	}, nil
}

func (m *Metrics) recordDecision(ctx context.Context, op string, d Decision) {
	if m == nil {
		return
	}
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	m.decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("decision", outcome),
			attribute.String("reason_code", string(d.ReasonCode)),
		))
	if d.ReasonCode == contracts.ReasonContainmentQuarantine {
		m.quarantineHits.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
	}
}

func (m *Metrics) recordIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.issued.Add(ctx, 1)
}

func (m *Metrics) recordConsumed(ctx context.Context) {
	if m == nil {
		return
	}
	m.consumed.Add(ctx, 1)
}

func (m *Metrics) recordRevoked(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.revoked.Add(ctx, int64(count))
}

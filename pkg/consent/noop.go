package consent

import (
	"context"

	"github.com/relaymesh/consentgate/pkg/contracts"
)

// NoopEngine is the disabled-gate engine: every check passes, nothing is
// persisted or journaled. Hosts fall back to it when consent gating is
// switched off so call sites never need a nil check.
type NoopEngine struct{}

func (NoopEngine) Issue(ctx context.Context, req IssueRequest) (*contracts.ConsentToken, Decision, error) {
	return nil, allow(contracts.ReasonOK, req.CorrelationID), nil
}

func (NoopEngine) Evaluate(ctx context.Context, req CheckRequest) (Decision, error) {
	return allow(contracts.ReasonOK, req.CorrelationID), nil
}

func (NoopEngine) Consume(ctx context.Context, req CheckRequest) (Decision, error) {
	return allow(contracts.ReasonOK, req.CorrelationID), nil
}

func (NoopEngine) Revoke(ctx context.Context, sel RevokeSelector) (int, error) {
	return 0, nil
}

func (NoopEngine) Contain(ctx context.Context, req ContainRequest) (int, error) {
	return 0, nil
}

func (NoopEngine) Status(ctx context.Context, q StatusQuery) (*StatusReport, error) {
	return &StatusReport{}, nil
}

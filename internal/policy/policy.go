package policy

import (
	"context"

	"refdata/internal/domain"
)

// Input describes one proposed mutation for governance evaluation.
type Input struct {
	DataType    domain.CodeSystem
	Operation   domain.Operation
	RequesterID string
	Payload     domain.RecordPayload
}

// Decision is the governance verdict. Approved false auto-rejects the request
// at submission; RequiresAdditionalApproval flags it for a second approver.
type Decision struct {
	Approved                   bool
	Reason                     string
	RequiresAdditionalApproval bool
}

// Engine evaluates proposed changes against governance rules. It is
// interface-driven so deployments can plug in an external policy service.
type Engine interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// RuleBook is the built-in engine: a small set of static governance rules.
type RuleBook struct {
	// Protected code systems need a second approval for any change.
	Protected map[domain.CodeSystem]bool

	// Blocked requesters may not submit at all.
	Blocked map[string]bool
}

func NewRuleBook(protected []domain.CodeSystem) *RuleBook {
	p := make(map[domain.CodeSystem]bool, len(protected))
	for _, system := range protected {
		p[system] = true
	}
	return &RuleBook{Protected: p, Blocked: map[string]bool{}}
}

func (r *RuleBook) Evaluate(_ context.Context, in Input) (Decision, error) {
	if r.Blocked[in.RequesterID] {
		return Decision{Approved: false, Reason: "requester is blocked from submitting changes"}, nil
	}
	if in.RequesterID == "" {
		return Decision{Approved: false, Reason: "requester identity is required"}, nil
	}
	decision := Decision{Approved: true}
	if r.Protected[in.DataType] {
		decision.RequiresAdditionalApproval = true
		decision.Reason = "protected code system"
	}
	if in.Operation == domain.OperationDelete {
		// Retiring reference data breaks downstream consumers silently;
		// deletions always get a human look.
		decision.RequiresAdditionalApproval = true
		decision.Reason = "deletions require explicit approval"
	}
	return decision, nil
}

// Package validation is the rule chain consumed by the reconciliation
// pipeline's validate stage and by the change-request workflow. Each rule
// inspects one candidate payload and reports valid, invalid, or warning.
//
// Rules that accumulate state across rows (duplicate detection) must be
// constructed fresh per batch via NewChain so concurrent batches for
// different code systems never share state.
package validation

import (
	"context"
	"fmt"
	"regexp"

	"refdata/internal/domain"
)

// Result is one rule's verdict for one candidate.
type Result struct {
	OK      bool
	Warning bool
	Message string
}

func Valid() Result                { return Result{OK: true} }
func Invalid(msg string) Result    { return Result{Message: msg} }
func WarningMsg(msg string) Result { return Result{OK: true, Warning: true, Message: msg} }

// Rule checks one candidate payload.
type Rule interface {
	Name() string
	Check(ctx context.Context, candidate domain.RecordPayload) Result
}

// Chain runs rules in order and collects issues. A chain instance is scoped
// to one batch run.
type Chain struct {
	rules []Rule
}

func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: rules}
}

// Run returns the collected issues and whether the candidate passed (warnings
// do not fail a candidate).
func (c *Chain) Run(ctx context.Context, candidate domain.RecordPayload) (bool, []domain.ValidationIssue) {
	ok := true
	var issues []domain.ValidationIssue
	for _, rule := range c.rules {
		res := rule.Check(ctx, candidate)
		if res.Message != "" {
			issues = append(issues, domain.ValidationIssue{
				Rule:    rule.Name(),
				Warning: res.Warning,
				Message: res.Message,
			})
		}
		if !res.OK {
			ok = false
		}
	}
	return ok, issues
}

// RequiredFieldsRule rejects candidates missing code or name.
type RequiredFieldsRule struct{}

func (RequiredFieldsRule) Name() string { return "required-fields" }

func (RequiredFieldsRule) Check(_ context.Context, candidate domain.RecordPayload) Result {
	if candidate.Code == "" {
		return Invalid("code is required")
	}
	if candidate.Name == "" {
		return Invalid("name is required")
	}
	return Valid()
}

var codePattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// CodeFormatRule enforces the uppercase alphanumeric shape shared by the
// supported code systems.
type CodeFormatRule struct{}

func (CodeFormatRule) Name() string { return "code-format" }

func (CodeFormatRule) Check(_ context.Context, candidate domain.RecordPayload) Result {
	if !codePattern.MatchString(candidate.Code) {
		return Invalid(fmt.Sprintf("code %q must be 2-10 uppercase alphanumerics", candidate.Code))
	}
	return Valid()
}

// DuplicateKeyRule rejects a code seen earlier in the same batch. It holds
// batch-scoped state; construct one per run.
type DuplicateKeyRule struct {
	seen map[string]bool
}

func NewDuplicateKeyRule() *DuplicateKeyRule {
	return &DuplicateKeyRule{seen: make(map[string]bool)}
}

func (*DuplicateKeyRule) Name() string { return "duplicate-key" }

func (r *DuplicateKeyRule) Check(_ context.Context, candidate domain.RecordPayload) Result {
	if r.seen[candidate.Code] {
		return Invalid(fmt.Sprintf("duplicate code %q in batch", candidate.Code))
	}
	r.seen[candidate.Code] = true
	return Valid()
}

// KnownRegionRule warns when a region is not in the allowed set. A warning
// only: source feeds disagree on region naming and a bad region should not
// block a code update.
type KnownRegionRule struct {
	regions map[string]bool
}

func NewKnownRegionRule(regions []string) *KnownRegionRule {
	m := make(map[string]bool, len(regions))
	for _, region := range regions {
		m[region] = true
	}
	return &KnownRegionRule{regions: m}
}

func (*KnownRegionRule) Name() string { return "known-region" }

func (r *KnownRegionRule) Check(_ context.Context, candidate domain.RecordPayload) Result {
	if candidate.Region == "" || len(r.regions) == 0 {
		return Valid()
	}
	if !r.regions[candidate.Region] {
		return WarningMsg(fmt.Sprintf("unknown region %q", candidate.Region))
	}
	return Valid()
}

package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"refdata/internal/domain"
)

func TestChain(t *testing.T) {
	ctx := context.Background()

	t.Run("warnings do not fail a candidate", func(t *testing.T) {
		chain := NewChain(RequiredFieldsRule{}, NewKnownRegionRule([]string{"AMER", "EMEA"}))
		ok, issues := chain.Run(ctx, domain.RecordPayload{Code: "US", Name: "United States", Region: "MOON"})
		assert.True(t, ok)
		assert.Len(t, issues, 1)
		assert.True(t, issues[0].Warning)
	})

	t.Run("invalid findings fail and are all collected", func(t *testing.T) {
		chain := NewChain(RequiredFieldsRule{}, CodeFormatRule{})
		ok, issues := chain.Run(ctx, domain.RecordPayload{Code: "us"})
		assert.False(t, ok)
		assert.Len(t, issues, 2)
	})

	t.Run("duplicate detection is scoped to one chain instance", func(t *testing.T) {
		chain := NewChain(NewDuplicateKeyRule())
		payload := domain.RecordPayload{Code: "US", Name: "United States"}

		ok, _ := chain.Run(ctx, payload)
		assert.True(t, ok)
		ok, _ = chain.Run(ctx, payload)
		assert.False(t, ok)

		// A fresh chain has no memory of earlier batches.
		ok, _ = NewChain(NewDuplicateKeyRule()).Run(ctx, payload)
		assert.True(t, ok)
	})
}

package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"refdata/internal/domain"
)

func payloads(specs ...[2]string) []domain.RecordPayload {
	out := make([]domain.RecordPayload, 0, len(specs))
	for _, spec := range specs {
		out = append(out, domain.RecordPayload{Code: spec[0], Name: spec[1]})
	}
	return out
}

func diffPayloads(current, incoming []domain.RecordPayload) DiffResult[domain.RecordPayload] {
	return Diff(current, incoming,
		func(p domain.RecordPayload) string { return p.Code },
		func(a, b domain.RecordPayload) bool { return a.Equal(b) },
	)
}

func codes(set []domain.RecordPayload) []string {
	out := make([]string, 0, len(set))
	for _, p := range set {
		out = append(out, p.Code)
	}
	return out
}

func TestDiff(t *testing.T) {
	t.Run("identical sets produce an empty diff", func(t *testing.T) {
		set := payloads([2]string{"US", "United States"}, [2]string{"DE", "Germany"})
		diff := diffPayloads(set, set)
		assert.True(t, diff.Empty())
	})

	t.Run("incoming-only keys are additions", func(t *testing.T) {
		diff := diffPayloads(
			payloads([2]string{"US", "United States"}),
			payloads([2]string{"US", "United States"}, [2]string{"FR", "France"}),
		)
		assert.Equal(t, []string{"FR"}, codes(diff.ToAdd))
		assert.Empty(t, diff.ToUpdate)
		assert.Empty(t, diff.ToRemove)
	})

	t.Run("current-only keys are removals", func(t *testing.T) {
		diff := diffPayloads(
			payloads([2]string{"US", "United States"}, [2]string{"YU", "Yugoslavia"}),
			payloads([2]string{"US", "United States"}),
		)
		assert.Equal(t, []string{"YU"}, codes(diff.ToRemove))
		assert.Empty(t, diff.ToAdd)
		assert.Empty(t, diff.ToUpdate)
	})

	t.Run("shared keys with unequal values are updates", func(t *testing.T) {
		diff := diffPayloads(
			payloads([2]string{"US", "United States"}),
			payloads([2]string{"US", "United States of America"}),
		)
		assert.Equal(t, []string{"US"}, codes(diff.ToUpdate))
		assert.Equal(t, "United States of America", diff.ToUpdate[0].Name)
	})

	t.Run("attribute-level changes count as updates", func(t *testing.T) {
		current := []domain.RecordPayload{{Code: "US", Attributes: map[string]string{"tz": "EST"}}}
		incoming := []domain.RecordPayload{{Code: "US", Attributes: map[string]string{"tz": "America/New_York"}}}
		diff := diffPayloads(current, incoming)
		assert.Len(t, diff.ToUpdate, 1)
	})

	t.Run("empty incoming removes everything", func(t *testing.T) {
		current := payloads([2]string{"US", "United States"}, [2]string{"DE", "Germany"})
		diff := diffPayloads(current, nil)
		assert.Len(t, diff.ToRemove, 2)
	})

	t.Run("empty current adds everything", func(t *testing.T) {
		incoming := payloads([2]string{"US", "United States"}, [2]string{"DE", "Germany"})
		diff := diffPayloads(nil, incoming)
		assert.Len(t, diff.ToAdd, 2)
	})
}

package internaldefs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goVerify "github.com/MrEthical07/goVerify"
)

func TestCounterDefsAreUniqueAndPrefixed(t *testing.T) {
	names := make(map[string]bool, len(CounterDefs))
	ids := make(map[goVerify.MetricID]bool, len(CounterDefs))
	for _, def := range CounterDefs {
		assert.True(t, strings.HasPrefix(def.Name, "goverify_"), def.Name)
		assert.True(t, strings.HasSuffix(def.Name, "_total"), def.Name)
		assert.NotEmpty(t, def.Help, def.Name)
		assert.False(t, names[def.Name], "duplicate name %s", def.Name)
		assert.False(t, ids[def.ID], "duplicate id for %s", def.Name)
		assert.NotEqual(t, goVerify.MetricVerifyLatency, def.ID)
		assert.NotEqual(t, goVerify.MetricAuditDropped, def.ID, "audit drops render from AuditDropped")
		names[def.Name] = true
		ids[def.ID] = true
	}
	assert.False(t, names[AuditDroppedName])
}

func TestBoundsAndSuffixesLineUp(t *testing.T) {
	require.Len(t, HistogramBounds, 8)
	require.Len(t, HistogramBoundSuffix, 8)
	for i, bound := range HistogramBounds {
		if bound == "+Inf" {
			assert.Equal(t, "inf", HistogramBoundSuffix[i])
			continue
		}
		assert.Equal(t, strings.ReplaceAll(bound, ".", "_"), HistogramBoundSuffix[i])
	}
}

func TestBucketHelpers(t *testing.T) {
	normalized := NormalizeBuckets([]uint64{1, 2, 3})
	assert.Equal(t, [8]uint64{1, 2, 3, 0, 0, 0, 0, 0}, normalized)

	long := NormalizeBuckets([]uint64{1, 1, 1, 1, 1, 1, 1, 1, 9})
	assert.Equal(t, uint64(1), long[7])

	assert.Equal(t, [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}, CumulativeBuckets(normalized))
}

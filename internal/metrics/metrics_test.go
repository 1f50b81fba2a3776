package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	a := NewCollector("lix")
	b := NewCollector("lix")

	a.QueueEnqueued.Inc()
	a.ChangesCreated.WithLabelValues("json").Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.QueueEnqueued))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.QueueEnqueued), "engines keep separate registries")

	expected := `
# HELP lix_changes_created_total Changes appended to the change graph
# TYPE lix_changes_created_total counter
lix_changes_created_total{plugin="json"} 2
`
	require.NoError(t, testutil.GatherAndCompare(a.Registry(), strings.NewReader(expected), "lix_changes_created_total"))
}

func TestOrNew(t *testing.T) {
	c := NewCollector("x")
	assert.Same(t, c, OrNew(c))
	assert.NotNil(t, OrNew(nil))
}

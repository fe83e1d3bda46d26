package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependentPerInstance(t *testing.T) {
	a, b := New(), New()
	a.FramesIn.WithLabelValues("new_message").Inc()
	a.FramesIn.WithLabelValues("new_message").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.FramesIn.WithLabelValues("new_message")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FramesIn.WithLabelValues("new_message")))

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["portal_chat_dispatch_frames_in_total"])
}

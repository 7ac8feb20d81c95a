package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsExposeLabeledSeries(t *testing.T) {
	LiveConnections.WithLabelValues("7", "ACCOUNT").Set(2)
	require.Equal(t, float64(2), testutil.ToFloat64(LiveConnections.WithLabelValues("7", "ACCOUNT")))

	RetryCacheSize.WithLabelValues("7").Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(RetryCacheSize.WithLabelValues("7")))

	FramesTotal.WithLabelValues("c1", "tx", "Submit").Add(2)
	require.Equal(t, float64(2), testutil.ToFloat64(FramesTotal.WithLabelValues("c1", "tx", "Submit")))
}

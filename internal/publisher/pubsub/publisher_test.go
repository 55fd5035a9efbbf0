package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

func TestPublishWithoutTopicFails(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "").Publish(context.Background(), "ignored", map[string]int{"n": 1})
	require.ErrorContains(t, err, "not configured")
	New(nil, "").Stop()
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := carrier{}
	var _ propagation.TextMapCarrier = c
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}

package tracing

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_WithoutEndpoint(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	shutdown, err := Init(ctx, "fredloan-test", "", logger)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "op")
	assert.True(t, span.SpanContext().IsValid(), "the installed provider records spans")
	span.End()

	assert.NoError(t, shutdown(ctx))
}

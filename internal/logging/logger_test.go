package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "shout"})
	require.Error(t, err)
}

func TestContextFieldsCarryCorrelationIDs(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithResourceID(ctx, "res-9")
	ctx = ContextWithUserID(ctx, "u-2")

	core, recorded := observer.New(zap.InfoLevel)
	logger := FromZap(zap.New(core))

	logger.Info(ctx, "hello")

	require.Equal(t, 1, recorded.Len())
	fields := recorded.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request.id"])
	assert.Equal(t, "res-9", fields["resource.id"])
	assert.Equal(t, "u-2", fields["user.id"])
}

func TestContextFieldsEmptyContext(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRoomID(WithConnectionID(context.Background(), "conn-1"), "ABC123")
	cl.WithContext(ctx).Info("joined")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "conn-1", fields["connection_id"])
		assert.Equal(t, "ABC123", fields["room_id"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestContextLogger_EmptyContextReturnsBaseLogger(t *testing.T) {
	base := zap.NewNop()
	cl := NewContextLogger(base)
	assert.Same(t, base, cl.WithContext(context.Background()))
}

func TestNew_FallsBackToInfo(t *testing.T) {
	l := New("not-a-level")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Equal(t, Default(), FromContext(context.Background()))
}

func TestContextWith(t *testing.T) {
	ctx := ContextWith(context.Background(), "method", "connect")
	assert.NotEqual(t, Default(), FromContext(ctx))
}

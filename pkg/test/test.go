package test

import (
	"context"
	"testing"

	"github.com/outofforest/logger"
	"go.uber.org/zap"
)

// Context returns a test context carrying a logger, canceled when the test
// finishes.
func Context(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), zap.NewNop()))
	t.Cleanup(cancel)
	return ctx
}

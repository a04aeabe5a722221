package api

import (
	"context"
	"testing"
)

// testContext mirrors the Go 1.24 t.Context() behavior on older toolchains:
// the returned context is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

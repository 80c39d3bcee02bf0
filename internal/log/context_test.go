// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundtrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))

	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(nil)) //nolint:staticcheck // nil ctx tolerance is part of the contract
}

func TestWithComponentFromContext(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "debug", Service: "test"})

	ctx := ContextWithRequestID(context.Background(), "req-456")
	logger := WithComponentFromContext(ctx, "api")
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"api"`)
	assert.Contains(t, out, `"request_id":"req-456"`)

	// Without a request id the field is omitted entirely.
	buf.Reset()
	logger = WithComponentFromContext(context.Background(), "api")
	logger.Info().Msg("hello")
	assert.NotContains(t, buf.String(), "request_id")
}

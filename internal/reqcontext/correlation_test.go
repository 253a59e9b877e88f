package reqcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateCorrelationID_ProducesNonEmptyDistinctValues(t *testing.T) {
	a := GenerateCorrelationID()
	b := GenerateCorrelationID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestCorrelationID_RoundTripsThroughContext(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc123")
	assert.Equal(t, "abc123", CorrelationID(ctx))
}

func TestCorrelationID_EmptyWhenAbsent(t *testing.T) {
	assert.Equal(t, "", CorrelationID(context.Background()))
	assert.Equal(t, "", CorrelationID(nil))
}

func TestSessionID_RoundTripsThroughContext(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-xyz")
	assert.Equal(t, "sess-xyz", SessionID(ctx))
}

func TestSessionID_EmptyWhenAbsent(t *testing.T) {
	assert.Equal(t, "", SessionID(context.Background()))
}

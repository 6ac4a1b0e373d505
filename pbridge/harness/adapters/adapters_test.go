package adapters

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestZerologTracer_Span tests span start/end logging and span-scoped events.
func TestZerologTracer_Span(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finish := tracer.StartSpan(context.Background(), "execute", map[string]any{"execution_id": "abc"})
	tracer.Event(ctx, "round", map[string]any{"round": 1})
	finish(errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"span":"execute"`)
	assert.Contains(t, out, `"execution_id":"abc"`)
	assert.Contains(t, out, `"event":"span_start"`)
	assert.Contains(t, out, `"event":"round"`)
	assert.Contains(t, out, `"event":"span_end"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestZerologTracer_NestedSpanInheritsAttributes(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf))

	ctx, finishOuter := tracer.StartSpan(context.Background(), "execute", map[string]any{"execution_id": "abc"})
	inner, finishInner := tracer.StartSpan(ctx, "action", nil)
	buf.Reset()
	tracer.Event(inner, "tool_done", nil)
	finishInner(nil)
	finishOuter(nil)

	assert.Contains(t, buf.String(), `"execution_id":"abc"`)
}

func TestZerologTracer_EventWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf))
	tracer.Event(context.Background(), "standalone", map[string]any{"k": "v"})
	assert.Contains(t, buf.String(), `"event":"standalone"`)
	assert.NotContains(t, buf.String(), `"span"`)
}

// TestTokenBucket_Refill tests exhaustion and time-based refill.
func TestTokenBucket_Refill(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(2, time.Second)
	tb.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		release, err := tb.Acquire(ctx, "execute")
		require.NoError(t, err)
		release()
	}
	_, err := tb.Acquire(ctx, "execute")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	// other keys have their own bucket
	_, err = tb.Acquire(ctx, "other")
	assert.NoError(t, err)

	clock = clock.Add(1500 * time.Millisecond)
	_, err = tb.Acquire(ctx, "execute")
	assert.NoError(t, err)
	_, err = tb.Acquire(ctx, "execute")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestTokenBucket_CancelledContext(t *testing.T) {
	tb := NewTokenBucket(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tb.Acquire(ctx, "execute")
	assert.ErrorIs(t, err, context.Canceled)
}

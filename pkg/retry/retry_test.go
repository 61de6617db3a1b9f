package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/model"
)

func fastPolicy(retries int) Policy {
	return Policy{Name: "test", MaxRetries: retries, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return model.NewUpstreamError("op", errors.New("503"), true)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return model.NewUpstreamError("op", errors.New("400"), false)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, model.ErrUpstream)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(1), func(ctx context.Context) error {
		calls++
		return model.NewUpstreamError("op", errors.New("timeout"), true)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	p := fastPolicy(0)
	p.AttemptTimeout = 10 * time.Millisecond
	err := Do(context.Background(), p, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

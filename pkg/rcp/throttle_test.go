package rcp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/rcpops/savingsoor/pkg/rcp"
)

// fakeClient counts calls and fails the first failures invocations of every
// method before succeeding.
type fakeClient struct {
	calls    int
	failures int
	status   string
}

var errFlaky = errors.New("connection reset")

func (f *fakeClient) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return errFlaky
	}

	return nil
}

func (f *fakeClient) ListMultiClusters(context.Context) ([]rcp.MultiClusterRef, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}

	return []rcp.MultiClusterRef{{UID: "mc-1", Name: "one"}}, nil
}

func (f *fakeClient) Status(context.Context, string) (string, error) {
	if err := f.fail(); err != nil {
		return "", err
	}

	return f.status, nil
}

func (f *fakeClient) Blueprint(context.Context, string) (map[string]any, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}

	return map[string]any{"blueprints": []any{}}, nil
}

func (f *fakeClient) PlanOptimal(context.Context, string) (map[string]any, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}

	return map[string]any{"blueprints": []any{}}, nil
}

func newThrottled(inner rcp.Client, cps float64, attempts int) *rcp.Throttled {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return rcp.NewThrottled(log, inner,
		&config.RateLimitConfig{CallsPerSecond: cps},
		&config.RetryConfig{
			MaxAttempts:   attempts,
			DelaySeconds:  0,
			BackoffFactor: 2,
		},
	)
}

func TestThrottled_RetriesUntilSuccess(t *testing.T) {
	fake := &fakeClient{failures: 2}
	client := newThrottled(fake, 1000, 3)

	refs, err := client.ListMultiClusters(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "mc-1", refs[0].UID)
	assert.Equal(t, 3, fake.calls)
}

func TestThrottled_ExhaustsAttempts(t *testing.T) {
	fake := &fakeClient{failures: 10}
	client := newThrottled(fake, 1000, 3)

	_, err := client.Blueprint(context.Background(), "mc-1")
	require.Error(t, err)

	// Exactly MaxAttempts calls, no more.
	assert.Equal(t, 3, fake.calls)
	assert.ErrorIs(t, err, errFlaky)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestThrottled_SingleAttempt(t *testing.T) {
	fake := &fakeClient{failures: 10}
	client := newThrottled(fake, 1000, 1)

	_, err := client.Status(context.Background(), "mc-1")
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestThrottled_SpacesCalls(t *testing.T) {
	fake := &fakeClient{status: "done"}

	// 20 calls per second: at least 50ms between consecutive calls. The
	// first call passes immediately on the initial burst token.
	client := newThrottled(fake, 20, 1)

	start := time.Now()

	for i := 0; i < 3; i++ {
		_, err := client.Status(context.Background(), "mc-1")
		require.NoError(t, err)
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond,
		"three calls at 20 cps should span two full intervals")
}

func TestThrottled_ContextCancellation(t *testing.T) {
	fake := &fakeClient{status: "done"}
	client := newThrottled(fake, 1000, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Status(ctx, "mc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fake.calls, "no call once the context is gone")
}

func TestThrottled_IsActive(t *testing.T) {
	fake := &fakeClient{status: "done"}
	client := newThrottled(fake, 1000, 1)

	active, err := client.IsActive(context.Background(), "mc-1")
	require.NoError(t, err)
	assert.True(t, active)

	fake.status = "provisioning"

	active, err = client.IsActive(context.Background(), "mc-1")
	require.NoError(t, err)
	assert.False(t, active)
}

package proxyclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterSpacing(t *testing.T) {
	rl := NewRateLimiter(120*time.Millisecond, 0, 0)
	ctx := context.Background()

	_, err := rl.Before(ctx)
	require.NoError(t, err)
	first := rl.Counters().LastRequest

	_, err = rl.Before(ctx)
	require.NoError(t, err)
	second := rl.Counters().LastRequest

	require.GreaterOrEqual(t, second.Sub(first), 120*time.Millisecond)
}

func TestRateLimiterRotationSchedule(t *testing.T) {
	rl := NewRateLimiter(0, 3, 5)
	ctx := context.Background()

	var proxyRotations, sessionRotations []int64
	for i := int64(1); i <= 10; i++ {
		gate, err := rl.Before(ctx)
		require.NoError(t, err)
		if gate.RotateProxy {
			proxyRotations = append(proxyRotations, i)
		}
		if gate.RotateSession {
			sessionRotations = append(sessionRotations, i)
		}
	}

	require.Equal(t, []int64{3, 8}, proxyRotations)
	require.Equal(t, []int64{5, 10}, sessionRotations)
	require.Equal(t, int64(10), rl.Counters().TotalRequests)
}

func TestRateLimiterCancellation(t *testing.T) {
	rl := NewRateLimiter(time.Second, 0, 0)

	_, err := rl.Before(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Before(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterConcurrentCounting(t *testing.T) {
	rl := NewRateLimiter(0, 0, 0)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				_, err := rl.Before(ctx)
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	require.Equal(t, int64(400), rl.Counters().TotalRequests)
}

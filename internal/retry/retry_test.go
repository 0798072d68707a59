package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("version conflict")

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Microsecond}
}

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failFirst int
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, 0, 1, false},
		{"recovers", 3, 2, 3, false},
		{"exhausted", 3, 10, 3, true},
		{"zero policy runs once", 0, 10, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fast(tt.attempts).Do(context.Background(), func() error {
				calls++
				if calls <= tt.failFirst {
					return errConflict
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.ErrorIs(t, err, errConflict)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_PermanentIsUnwrapped(t *testing.T) {
	declined := errors.New("card declined")
	calls := 0
	err := fast(5).Do(context.Background(), func() error {
		calls++
		return Permanent(declined)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, declined, err)

	var pe *PermanentError
	assert.True(t, errors.As(Permanent(declined), &pe))
	assert.ErrorIs(t, Permanent(declined), declined)
}

func TestPolicy_RetryableFilter(t *testing.T) {
	p := fast(5)
	p.Retryable = func(err error) bool { return errors.Is(err, errConflict) }

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errConflict
		}
		return errors.New("insufficient funds")
	})
	assert.Equal(t, 2, calls)
	assert.EqualError(t, err, "insufficient funds")
}

func TestPolicy_OnRetryCalledBetweenAttempts(t *testing.T) {
	var seen []int
	p := fast(4)
	p.OnRetry = func(attempt int, err error) {
		assert.ErrorIs(t, err, errConflict)
		seen = append(seen, attempt)
	}
	_ = p.Do(context.Background(), func() error { return errConflict })
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestPolicy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}
	p.OnRetry = func(int, error) { cancel() }

	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		return errConflict
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	assert.Equal(t, 5*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 10*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 80*time.Millisecond, p.Backoff(5))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(6))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(30))

	uncapped := Policy{BaseDelay: time.Millisecond}
	assert.Equal(t, 8*time.Millisecond, uncapped.Backoff(4))
}

func TestJitter(t *testing.T) {
	for range 100 {
		d := jitter(40 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 30*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
	assert.Equal(t, time.Duration(3), jitter(3))
}

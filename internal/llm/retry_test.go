package llm

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type fakeSleeper struct {
	waits []time.Duration
	err   error
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.waits = append(f.waits, d)
	return f.err
}

func testPolicy(s *fakeSleeper) RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: LinearBackoff(2 * time.Second), Sleep: s.sleep}
}

func TestRetryPolicyDo(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		failures  int
		wantCalls int
		wantWaits []time.Duration
		wantErr   error
	}{
		{"first try", 0, 1, nil, nil},
		{"second try", 1, 2, []time.Duration{2 * time.Second}, nil},
		{"last try", 2, 3, []time.Duration{2 * time.Second, 4 * time.Second}, nil},
		{"exhausted", 5, 3, []time.Duration{2 * time.Second, 4 * time.Second}, boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSleeper{}
			calls := 0
			err := testPolicy(s).Do(context.Background(), "test", func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return boom
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !reflect.DeepEqual(s.waits, tt.wantWaits) {
				t.Errorf("waits = %v, want %v", s.waits, tt.wantWaits)
			}
		})
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeSleeper{}
	calls := 0
	err := testPolicy(s).Do(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("transport closed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 || len(s.waits) != 0 {
		t.Errorf("calls = %d waits = %v, want one call and no waits", calls, s.waits)
	}
}

func TestRetryPolicySleepError(t *testing.T) {
	s := &fakeSleeper{err: context.DeadlineExceeded}
	err := testPolicy(s).Do(context.Background(), "test", func(context.Context) error {
		return errors.New("boom")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRetryPolicyZeroAttempts(t *testing.T) {
	calls := 0
	_ = RetryPolicy{}.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSleepContext(t *testing.T) {
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("SleepContext: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", err)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.Backoff(1) != 2*time.Second || p.Backoff(2) != 4*time.Second {
		t.Errorf("backoff is not linear: %v, %v", p.Backoff(1), p.Backoff(2))
	}
}

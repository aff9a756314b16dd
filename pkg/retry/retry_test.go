/*
Copyright 2026 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigs.k8s.io/comal/pkg/exec"
)

func fastPolicy(n int) Policy {
	return Policy{
		MaxAttempts: n,
		Backoff:     BackoffSpec{Base: time.Millisecond, Cap: 2 * time.Millisecond, Jitter: 0.5},
	}
}

func TestDoAlwaysTransient(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		calls := 0
		attempts := []Attempt{}
		_, err := Do(context.Background(), fastPolicy(n), func(_ context.Context, attempt int) (string, error) {
			calls++
			require.Equal(t, calls, attempt)
			return "", exec.NewTimedOut("build", errors.New("slow"))
		}, func(a Attempt) { attempts = append(attempts, a) })

		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, n, exhausted.Attempts)
		require.Equal(t, n, calls)
		require.Len(t, attempts, n)
		for i, a := range attempts {
			require.Equal(t, i+1, a.Number)
			require.Equal(t, i == n-1, a.Final)
			require.Error(t, a.Err)
		}
		require.Equal(t, exec.TimedOut, exec.KindOf(err))
	}
}

func TestDoPermanent(t *testing.T) {
	for _, opErr := range []error{
		exec.NewFailed("apply", 1, "error parsing manifest", nil),
		exec.NewPermanentNetwork("push", errors.New("unauthorized")),
		errors.New("unclassified"),
	} {
		calls := 0
		_, err := Do(context.Background(), fastPolicy(5), func(context.Context, int) (int, error) {
			calls++
			return 0, opErr
		}, nil)
		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, 1, exhausted.Attempts)
		require.Equal(t, 1, calls)
		require.ErrorIs(t, err, opErr)
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := []Attempt{}
	v, err := Do(context.Background(), fastPolicy(3), func(_ context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", exec.NewNetwork("docker build", errors.New("connection reset"))
		}
		return "ok", nil
	}, func(a Attempt) { attempts = append(attempts, a) })
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Len(t, attempts, 3)
	require.False(t, attempts[0].Final)
	require.False(t, attempts[1].Final)
	require.True(t, attempts[2].Final)
	require.NoError(t, attempts[2].Err)
}

func TestDoCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, Backoff: BackoffSpec{Base: time.Hour, Cap: time.Hour}}
	attempts := []Attempt{}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, p, func(context.Context, int) (int, error) {
		return 0, exec.NewTimedOut("push", errors.New("slow"))
	}, func(a Attempt) { attempts = append(attempts, a) })

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 1, exhausted.Attempts)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, attempts, 1)
	require.True(t, attempts[0].Final)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy.Validate())
	require.Error(t, Policy{MaxAttempts: 0}.Validate())
	require.Error(t, Policy{MaxAttempts: 1, Backoff: BackoffSpec{Base: -1}}.Validate())
	require.Error(t, Policy{MaxAttempts: 1, Backoff: BackoffSpec{Jitter: 2}}.Validate())

	_, err := Do(context.Background(), Policy{}, func(context.Context, int) (int, error) {
		return 1, nil
	}, nil)
	require.Error(t, err)
}

func TestWaits(t *testing.T) {
	spec := BackoffSpec{Base: 100 * time.Millisecond, Cap: 300 * time.Millisecond, Multiplier: 2, Jitter: 0.1}
	w := spec.Waits()
	first := w.Next()
	require.GreaterOrEqual(t, first, 90*time.Millisecond)
	require.LessOrEqual(t, first, 111*time.Millisecond)
	for range 10 {
		require.LessOrEqual(t, w.Next(), 300*time.Millisecond)
	}

	require.Zero(t, BackoffSpec{}.Waits().Next())
}

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

package exec

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"sigs.k8s.io/comal/pkg/run"
)

func testExecutor(t *testing.T, grace time.Duration) (*Executor, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewExecutorWithOptions(Options{
		Logger: logger, MaxConcurrent: 2, KillGrace: grace,
	}), hook
}

func TestExecuteSuccess(t *testing.T) {
	e, hook := testExecutor(t, time.Second)
	out, err := e.Execute(context.Background(), run.Build, &Func{
		Name: "docker build",
		Fn: func(context.Context) (*Output, error) {
			return &Output{Stdout: "built"}, nil
		},
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "built", out.Stdout)
	require.Len(t, hook.AllEntries(), 1)
	require.Equal(t, "success", hook.LastEntry().Data["outcome"])
	require.Equal(t, "build", hook.LastEntry().Data["stage"])
	require.Equal(t, "docker build", hook.LastEntry().Data["command"])
}

func TestExecuteNilOutput(t *testing.T) {
	e, _ := testExecutor(t, time.Second)
	out, err := e.Execute(context.Background(), run.Push, &Func{
		Name: "noop", Fn: func(context.Context) (*Output, error) { return nil, nil },
	}, 0)
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestExecuteFailure(t *testing.T) {
	for _, tc := range []struct {
		name      string
		opErr     error
		kind      ErrorKind
		transient bool
	}{
		{"plain error", errors.New("manifest is malformed"), Failed, false},
		{"network", errors.New("dial tcp: i/o timeout"), NetworkError, true},
		{"auth", errors.New("unauthorized: authentication required"), NetworkError, false},
		{"classified", NewNetwork("push", errors.New("reset")), NetworkError, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, hook := testExecutor(t, time.Second)
			_, err := e.Execute(context.Background(), run.Push, &Func{
				Name: "push", Fn: func(context.Context) (*Output, error) { return nil, tc.opErr },
			}, time.Second)
			require.Error(t, err)
			require.Equal(t, tc.kind, KindOf(err))
			require.Equal(t, tc.transient, IsTransient(err))
			require.Len(t, hook.AllEntries(), 1)
			require.Equal(t, string(tc.kind), hook.LastEntry().Data["outcome"])
		})
	}
}

func TestExecuteTimeoutTerminated(t *testing.T) {
	e, hook := testExecutor(t, time.Second)
	_, err := e.Execute(context.Background(), run.Deploy, &Func{
		Name: "apply",
		Fn: func(ctx context.Context) (*Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, 20*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, TimedOut, KindOf(err))
	require.True(t, IsTransient(err))
	require.Empty(t, e.Orphans())
	require.Len(t, hook.AllEntries(), 1)
}

func TestExecuteTimeoutOrphaned(t *testing.T) {
	e, hook := testExecutor(t, 10*time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	_, err := e.Execute(WithRun(context.Background(), "run-1"), run.Build, &Func{
		Name: "docker build",
		Fn: func(context.Context) (*Output, error) {
			<-release
			return nil, nil
		},
	}, 20*time.Millisecond)
	require.Equal(t, TimedOut, KindOf(err))
	orphans := e.Orphans()
	require.Len(t, orphans, 1)
	require.Equal(t, run.Build, orphans[0].Stage)
	require.Equal(t, "docker build", orphans[0].Summary)
	require.Equal(t, "run-1", orphans[0].Run)
	require.Len(t, e.OrphansOf("run-1"), 1)
	require.Empty(t, e.OrphansOf("run-2"))

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, orphans[0].ID, entry.Data["orphan"])
}

func TestOrphanKeepsSlot(t *testing.T) {
	e, _ := testExecutor(t, time.Millisecond)
	release := make(chan struct{})
	stuck := &Func{
		Name: "docker push",
		Fn: func(context.Context) (*Output, error) {
			<-release
			return nil, nil
		},
	}
	for range 2 {
		_, err := e.Execute(context.Background(), run.Push, stuck, 5*time.Millisecond)
		require.Equal(t, TimedOut, KindOf(err))
	}
	require.Len(t, e.Orphans(), 2)

	// both slots are still taken by the orphaned operations
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, run.Push, &Func{Name: "noop", Fn: func(context.Context) (*Output, error) {
		return nil, nil
	}}, time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return len(e.Orphans()) == 0 }, 5*time.Second, 5*time.Millisecond)
	_, err = e.Execute(context.Background(), run.Push, &Func{Name: "noop", Fn: func(context.Context) (*Output, error) {
		return nil, nil
	}}, time.Second)
	require.NoError(t, err)
}

func TestExecuteCancelled(t *testing.T) {
	e, _ := testExecutor(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, run.Verify, &Func{
		Name: "smoke", Fn: func(context.Context) (*Output, error) { return nil, nil },
	}, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsTransient(err))
}

func TestExecuteConcurrencyBound(t *testing.T) {
	e, _ := testExecutor(t, time.Second)
	var running, peak int32
	op := &Func{
		Name: "build",
		Fn: func(context.Context) (*Output, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		},
	}
	done := make(chan error, 6)
	for range 6 {
		go func() {
			_, err := e.Execute(context.Background(), run.Build, op, time.Second)
			done <- err
		}()
	}
	for range 6 {
		require.NoError(t, <-done)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestCommand(t *testing.T) {
	e, _ := testExecutor(t, time.Second)
	dir := t.TempDir()
	out, err := e.Execute(
		context.Background(), run.Build, NewCommand(dir, "sh", "-c", "echo hello"), 5*time.Second,
	)
	require.NoError(t, err)
	require.Contains(t, out.Stdout, "hello")

	_, err = e.Execute(
		context.Background(), run.Build,
		NewCommand(dir, "sh", "-c", "echo 'dial tcp: i/o timeout' >&2; exit 1"), 5*time.Second,
	)
	require.Error(t, err)
	require.Equal(t, NetworkError, KindOf(err))

	_, err = e.Execute(
		context.Background(), run.Build, NewCommand(dir, "sh", "-c", "exit 3"), 5*time.Second,
	)
	var xerr *ExecutionError
	require.ErrorAs(t, err, &xerr)
	require.Equal(t, Failed, xerr.Kind)
	require.Equal(t, 3, xerr.ExitCode)
	require.Equal(t, `sh -c exit 3`, NewCommand(dir, "sh", "-c", "exit 3").Summary())
}
